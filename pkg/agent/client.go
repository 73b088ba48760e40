package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"loadgate/pkg/executor"
)

const (
	writeWait        = 10 * time.Second
	defaultReconnect = 5 * time.Second
)

// Config describes how an agent reaches its controller.
type Config struct {
	Controller string // http(s) base URL
	AgentID    string
	Token      string
	Version    string
	Capacity   int
	Reconnect  time.Duration
	TLS        *tls.Config
}

// Client keeps one websocket to the controller and runs the jobs it is sent.
type Client struct {
	cfg      Config
	endpoint string
	runner   executor.Runner
	journal  *Journal
	log      *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancels map[string]context.CancelFunc
}

func NewClient(cfg Config, runner executor.Runner, journal *Journal, log *zap.Logger) (*Client, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	endpoint, err := agentEndpoint(cfg.Controller, cfg.AgentID, cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = defaultReconnect
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		runner:   runner,
		journal:  journal,
		log:      log.With(zap.String("agent_id", cfg.AgentID)),
		cancels:  map[string]context.CancelFunc{},
	}, nil
}

func agentEndpoint(controller, agentID, token string) (string, error) {
	u, err := url.Parse(controller)
	if err != nil {
		return "", fmt.Errorf("controller url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("controller url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/v1/ws/agent"
	q := u.Query()
	q.Set("agentId", agentID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and serves until ctx is done, reconnecting after failures.
func (c *Client) Run(ctx context.Context) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.cfg.TLS,
	}
	for {
		conn, resp, err := dialer.DialContext(ctx, c.endpoint, http.Header{})
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.log.Warn("controller dial failed", zap.Error(err), zap.Int("status", status))
		} else {
			c.log.Info("connected to controller")
			c.serve(ctx, conn)
			c.log.Info("disconnected from controller")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Reconnect):
		}
	}
}

// serve handles one connection. Runs still in flight when it drops are
// cancelled; the controller has already failed them.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	hello, _ := executor.NewMessage(executor.MsgHello, c.cfg.AgentID, executor.AgentInfo{
		Version:  c.cfg.Version,
		Capacity: c.cfg.Capacity,
	})
	if err := c.send(hello); err != nil {
		c.log.Warn("hello failed", zap.Error(err))
		return
	}
	for {
		var msg executor.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != executor.MsgRun {
			c.log.Debug("message ignored", zap.String("type", msg.Type))
			continue
		}
		var job executor.Job
		if err := json.Unmarshal(msg.Payload, &job); err != nil || job.ExecutionID == "" {
			c.log.Warn("bad run message", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runJob(connCtx, job)
		}()
	}
}

func (c *Client) runJob(ctx context.Context, job executor.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, dup := c.cancels[job.ExecutionID]; dup {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancels[job.ExecutionID] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.cancels, job.ExecutionID)
		c.mu.Unlock()
	}()

	log := c.log.With(zap.String("task_id", job.TaskID), zap.String("execution_id", job.ExecutionID))
	log.Info("run started", zap.Int("users", job.NumUsers), zap.Int("run_seconds", job.RunSeconds))
	rr := executor.RunResult{ExecutionID: job.ExecutionID}
	res, err := c.runner.Run(runCtx, job)
	if err != nil {
		rr.Error = err.Error()
		log.Warn("run failed", zap.Error(err))
	} else {
		rr.Result = &res
		log.Info("run finished", zap.Int("requests", res.Requests), zap.Float64("error_rate", res.ErrorRate))
	}
	if c.journal != nil {
		recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if jerr := c.journal.Record(recCtx, job, rr); jerr != nil {
			log.Warn("journal write failed", zap.Error(jerr))
		}
		recCancel()
	}
	if ctx.Err() != nil {
		return
	}
	msg, err := executor.NewMessage(executor.MsgRunResult, c.cfg.AgentID, rr)
	if err != nil {
		log.Error("encode run_result", zap.Error(err))
		return
	}
	if err := c.send(msg); err != nil {
		log.Warn("run_result not delivered", zap.Error(err))
	}
}

// InFlight returns how many runs this agent is executing.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

func (c *Client) send(msg executor.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
