package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"loadgate/pkg/auth"
	"loadgate/pkg/executor"
	"loadgate/pkg/model"
)

const (
	writeWait       = 10 * time.Second
	pingPeriod      = 50 * time.Second
	subscriberBuf   = 64
	completeTimeout = 15 * time.Second
)

// RunCompleter receives agent reports for dispatched jobs.
type RunCompleter interface {
	Complete(ctx context.Context, job executor.Job, res *model.Result, reason string) error
}

type agentConn struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	capacity int
	inflight map[string]executor.Job // guarded by WSHub.mu
}

func (a *agentConn) write(msg interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(msg)
}

type subscriber struct {
	identity model.Identity
	conn     *websocket.Conn
	send     chan model.TaskEvent
}

// WSHub holds runner agent connections and task event subscribers. It is the
// Dispatcher of the remote executor and the EventSink of the lifecycle engine.
type WSHub struct {
	upgrader   websocket.Upgrader
	agentToken string
	gate       auth.Resolver
	log        *zap.Logger

	mu        sync.RWMutex
	agents    map[string]*agentConn
	subs      map[*subscriber]struct{}
	completer RunCompleter
}

func NewWSHub(agentToken string, gate auth.Resolver, log *zap.Logger) *WSHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		agentToken: agentToken,
		gate:       gate,
		log:        log,
		agents:     map[string]*agentConn{},
		subs:       map[*subscriber]struct{}{},
	}
}

// SetCompleter wires the executor that agent reports are forwarded to.
func (h *WSHub) SetCompleter(c RunCompleter) {
	h.mu.Lock()
	h.completer = c
	h.mu.Unlock()
}

// HandleAgentWS upgrades a runner agent; expects ?agentId=xxx and the agent token.
func (h *WSHub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeError(w, h.log, model.Invalid("agentId", "is required"))
		return
	}
	if !h.agentAuthorized(r) {
		writeError(w, h.log, model.ErrUnauthenticated)
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("agent ws upgrade failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	a := &agentConn{id: agentID, conn: c, inflight: map[string]executor.Job{}}
	h.mu.Lock()
	if old, ok := h.agents[agentID]; ok {
		_ = old.conn.Close()
	}
	h.agents[agentID] = a
	h.mu.Unlock()
	h.log.Info("agent connected", zap.String("agent_id", agentID), zap.String("remote", r.RemoteAddr))
	go h.agentReadLoop(a)
}

func (h *WSHub) agentAuthorized(r *http.Request) bool {
	if h.agentToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.agentToken)) == 1
}

// Dispatch sends job to the connected agent with the fewest runs in flight.
func (h *WSHub) Dispatch(_ context.Context, job executor.Job) (string, error) {
	msg, err := executor.NewMessage(executor.MsgRun, "", job)
	if err != nil {
		return "", err
	}
	for {
		a := h.pickAgent(job)
		if a == nil {
			return "", executor.ErrNoAgent
		}
		msg.AgentID = a.id
		if err := a.write(msg); err != nil {
			h.log.Warn("dispatch to agent failed", zap.String("agent_id", a.id), zap.Error(err))
			h.mu.Lock()
			delete(a.inflight, job.ExecutionID)
			h.mu.Unlock()
			h.dropAgent(a, "send failed")
			continue
		}
		return a.id, nil
	}
}

// pickAgent reserves a slot for job on the least busy agent.
func (h *WSHub) pickAgent(job executor.Job) *agentConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	candidates := make([]*agentConn, 0, len(h.agents))
	for _, a := range h.agents {
		if a.capacity > 0 && len(a.inflight) >= a.capacity {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].inflight) == len(candidates[j].inflight) {
			return candidates[i].id < candidates[j].id
		}
		return len(candidates[i].inflight) < len(candidates[j].inflight)
	})
	a := candidates[0]
	a.inflight[job.ExecutionID] = job
	return a
}

// Agents returns the ids of connected agents.
func (h *WSHub) Agents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *WSHub) agentReadLoop(a *agentConn) {
	defer h.dropAgent(a, "agent disconnected")
	for {
		var msg executor.Message
		if err := a.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case executor.MsgHello:
			var info executor.AgentInfo
			if err := json.Unmarshal(msg.Payload, &info); err == nil {
				h.mu.Lock()
				a.capacity = info.Capacity
				h.mu.Unlock()
				h.log.Info("agent hello", zap.String("agent_id", a.id),
					zap.String("version", info.Version), zap.Int("capacity", info.Capacity))
			}
		case executor.MsgRunResult:
			var rr executor.RunResult
			if err := json.Unmarshal(msg.Payload, &rr); err != nil {
				h.log.Warn("bad run_result", zap.String("agent_id", a.id), zap.Error(err))
				continue
			}
			h.finish(a, rr)
		default:
			h.log.Debug("agent message ignored", zap.String("agent_id", a.id), zap.String("type", msg.Type))
		}
	}
}

func (h *WSHub) finish(a *agentConn, rr executor.RunResult) {
	h.mu.Lock()
	job, ok := a.inflight[rr.ExecutionID]
	delete(a.inflight, rr.ExecutionID)
	completer := h.completer
	h.mu.Unlock()
	if !ok {
		h.log.Warn("run_result for unknown execution", zap.String("agent_id", a.id), zap.String("execution_id", rr.ExecutionID))
		return
	}
	if completer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	if err := completer.Complete(ctx, job, rr.Result, rr.Error); err != nil {
		h.log.Warn("complete execution failed", zap.String("execution_id", rr.ExecutionID), zap.Error(err))
	}
}

// dropAgent unregisters a and fails every run it still owed.
func (h *WSHub) dropAgent(a *agentConn, reason string) {
	_ = a.conn.Close()
	h.mu.Lock()
	if h.agents[a.id] == a {
		delete(h.agents, a.id)
	}
	orphans := make([]executor.Job, 0, len(a.inflight))
	for id, job := range a.inflight {
		orphans = append(orphans, job)
		delete(a.inflight, id)
	}
	completer := h.completer
	h.mu.Unlock()
	h.log.Info("agent disconnected", zap.String("agent_id", a.id), zap.Int("orphaned_runs", len(orphans)))
	if completer == nil {
		return
	}
	for _, job := range orphans {
		ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
		_ = completer.Complete(ctx, job, nil, fmt.Sprintf("%s: %s", reason, a.id))
		cancel()
	}
}

// Publish fans ev out to subscribers allowed to see it. Slow subscribers miss events.
func (h *WSHub) Publish(ev model.TaskEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.identity.IsAdmin() && s.identity.ID != ev.OwnerID {
			continue
		}
		select {
		case s.send <- ev:
		default:
			h.log.Debug("event dropped for slow subscriber", zap.String("subscriber", s.identity.ID))
		}
	}
}

// HandleEvents streams task events. Browsers cannot set headers on a websocket
// handshake, so the credential may also come as ?token=.
func (h *WSHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	cred := r.Header.Get("Authorization")
	if cred == "" {
		cred = r.URL.Query().Get("token")
	}
	id, err := h.gate.Resolve(r.Context(), cred)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &subscriber{identity: id, conn: c, send: make(chan model.TaskEvent, subscriberBuf)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("event subscriber connected", zap.String("identity", id.ID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()
	h.eventWriteLoop(c, s, done)
}

func (h *WSHub) eventWriteLoop(c *websocket.Conn, s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		_ = c.Close()
		h.log.Debug("event subscriber disconnected", zap.String("identity", s.identity.ID))
	}()
	for {
		select {
		case <-done:
			return
		case ev := <-s.send:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close disconnects every agent and subscriber.
func (h *WSHub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.agents)+len(h.subs))
	for _, a := range h.agents {
		conns = append(conns, a.conn)
	}
	for s := range h.subs {
		conns = append(conns, s.conn)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
