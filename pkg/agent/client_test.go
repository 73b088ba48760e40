package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loadgate/pkg/api"
	"loadgate/pkg/auth"
	"loadgate/pkg/executor"
	"loadgate/pkg/model"
	"loadgate/pkg/report"
)

type stubRunner struct {
	calls atomic.Int32
	err   error
}

func (s *stubRunner) Run(_ context.Context, job executor.Job) (model.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return model.Result{}, s.err
	}
	return model.Result{TaskID: job.TaskID, ExecutionID: job.ExecutionID, Requests: 200, Failures: 2, ErrorRate: 0.01, Availability: 0.99}, nil
}

type controller struct {
	hub     *api.WSHub
	remote  *executor.Remote
	results *report.MemoryResultStore
	srv     *httptest.Server
}

func newController(t *testing.T) *controller {
	t.Helper()
	log := zap.NewNop()
	gate := auth.NewGate(auth.NewIssuer("secret", time.Hour))
	hub := api.NewWSHub("agent-token", gate, log)
	results := report.NewMemoryResultStore()
	remote := executor.NewRemote(hub, results, log)
	hub.SetCompleter(remote)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/ws/agent", hub.HandleAgentWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &controller{hub: hub, remote: remote, results: results, srv: srv}
}

func startAgent(t *testing.T, c *controller, token string, runner executor.Runner, journal *Journal) context.CancelFunc {
	t.Helper()
	client, err := NewClient(Config{
		Controller: c.srv.URL,
		AgentID:    "agent-1",
		Token:      token,
		Version:    "test",
		Capacity:   2,
		Reconnect:  20 * time.Millisecond,
	}, runner, journal, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func task(execID string) model.Task {
	now := time.Now().UTC()
	return model.Task{
		ID:          "task-" + execID,
		OwnerID:     "u1",
		TargetURL:   "http://example.com",
		NumUsers:    10,
		RampUp:      2,
		StartTime:   now,
		EndTime:     now.Add(time.Minute),
		Status:      model.StatusRunning,
		ExecutionID: execID,
	}
}

func TestAgentEndpoint(t *testing.T) {
	u, err := agentEndpoint("https://ctl.example.com:8443", "a 1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "wss://ctl.example.com:8443/api/v1/ws/agent?agentId=a+1&token=tok", u)

	u, err = agentEndpoint("http://127.0.0.1:8080/ignored", "a", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/api/v1/ws/agent?agentId=a", u)

	_, err = agentEndpoint("ftp://x", "a", "")
	assert.Error(t, err)
	_, err = NewClient(Config{Controller: "http://x"}, &stubRunner{}, nil, nil)
	assert.Error(t, err)
}

func TestAgentRunsDispatchedJob(t *testing.T) {
	c := newController(t)
	journal, err := OpenJournal(context.Background(), filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer journal.Close()
	runner := &stubRunner{}
	startAgent(t, c, "agent-token", runner, journal)

	require.Eventually(t, func() bool { return len(c.hub.Agents()) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	id, err := c.remote.Start(ctx, task("exec-1"))
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)

	var out executor.Outcome
	require.Eventually(t, func() bool {
		out, err = c.remote.Poll(ctx, "exec-1")
		return err == nil && out.State != executor.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, executor.StateSucceeded, out.State)
	require.NotEmpty(t, out.ReportHandle)

	res, err := c.results.GetResult(ctx, out.ReportHandle)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Requests)
	assert.Equal(t, "http://example.com", res.TargetURL)
	assert.Equal(t, int32(1), runner.calls.Load())

	runs, err := journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "exec-1", runs[0].ExecutionID)
	assert.Equal(t, 2, runs[0].Failures)
}

func TestAgentReportsRunFailure(t *testing.T) {
	c := newController(t)
	startAgent(t, c, "agent-token", &stubRunner{err: errors.New("locust exploded")}, nil)
	require.Eventually(t, func() bool { return len(c.hub.Agents()) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	_, err := c.remote.Start(ctx, task("exec-2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := c.remote.Poll(ctx, "exec-2")
		return err == nil && out.State == executor.StateFailed && out.Reason == "locust exploded"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentWithWrongTokenNeverRegisters(t *testing.T) {
	c := newController(t)
	startAgent(t, c, "wrong", &stubRunner{}, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.hub.Agents())

	_, err := c.remote.Start(context.Background(), task("exec-3"))
	assert.ErrorIs(t, err, executor.ErrNoAgent)
}

func TestJournalUpsert(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(ctx, ":memory:")
	require.NoError(t, err)
	defer j.Close()

	job := executor.Job{ExecutionID: "e1", TaskID: "t1", TargetURL: "http://x", NumUsers: 3}
	require.NoError(t, j.Record(ctx, job, executor.RunResult{ExecutionID: "e1", Error: "boom"}))
	require.NoError(t, j.Record(ctx, job, executor.RunResult{ExecutionID: "e1", Result: &model.Result{Requests: 9}}))

	runs, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 9, runs[0].Requests)
	assert.Empty(t, runs[0].Error)
}
