package executor

import (
	"context"
	"sync"

	"loadgate/pkg/model"
)

// State is the coarse outcome of an execution as seen by Poll.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Outcome is what Poll reports. ReportHandle is set on success, Reason on failure.
type Outcome struct {
	State        State
	ReportHandle string
	Reason       string
}

// Executor drives traffic for running tasks. Start must return promptly; the
// run itself proceeds in the background and is observed through Poll.
// Poll returns model.ErrUnknownExecution for ids it has never seen.
type Executor interface {
	Start(ctx context.Context, t model.Task) (string, error)
	Poll(ctx context.Context, executionID string) (Outcome, error)
}

// ResultSaver persists a finished run under its Handle.
type ResultSaver interface {
	SaveResult(ctx context.Context, r model.Result) error
}

// tracker remembers the latest outcome per execution id.
type tracker struct {
	mu   sync.RWMutex
	runs map[string]Outcome
}

func newTracker() *tracker {
	return &tracker{runs: make(map[string]Outcome)}
}

func (t *tracker) set(id string, o Outcome) {
	t.mu.Lock()
	t.runs[id] = o
	t.mu.Unlock()
}

// finish records o unless id is unknown or already finished.
func (t *tracker) finish(id string, o Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.runs[id]
	if !ok || cur.State != StateRunning {
		return false
	}
	t.runs[id] = o
	return true
}

func (t *tracker) get(id string) (Outcome, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.runs[id]
	return o, ok
}

func (t *tracker) running() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, o := range t.runs {
		if o.State == StateRunning {
			n++
		}
	}
	return n
}
