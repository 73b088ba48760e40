package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loadgate/pkg/model"
)

// ErrNoAgent is returned by a Dispatcher when no runner agent is connected.
var ErrNoAgent = errors.New("no runner agent connected")

// Dispatcher hands a job to one connected agent and returns its id.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (string, error)
}

// Remote runs executions on agents reached through a Dispatcher. Agents
// report back through Complete.
type Remote struct {
	dispatcher Dispatcher
	results    ResultSaver
	now        func() time.Time
	log        *zap.Logger
	runs       *tracker
}

func NewRemote(d Dispatcher, results ResultSaver, log *zap.Logger) *Remote {
	if log == nil {
		log = zap.NewNop()
	}
	return &Remote{dispatcher: d, results: results, now: time.Now, log: log, runs: newTracker()}
}

func (r *Remote) Start(ctx context.Context, t model.Task) (string, error) {
	if r.dispatcher == nil {
		return "", ErrNoAgent
	}
	if t.ExecutionID == "" {
		return "", fmt.Errorf("task %s has no execution id", t.ID)
	}
	if _, ok := r.runs.get(t.ExecutionID); ok {
		return t.ExecutionID, nil
	}
	job := JobFor(t, r.now())
	r.runs.set(job.ExecutionID, Outcome{State: StateRunning})
	agentID, err := r.dispatcher.Dispatch(ctx, job)
	if err != nil {
		r.runs.finish(job.ExecutionID, Outcome{State: StateFailed, Reason: err.Error()})
		return "", fmt.Errorf("dispatch: %w", err)
	}
	r.log.Info("execution dispatched",
		zap.String("task_id", job.TaskID),
		zap.String("execution_id", job.ExecutionID),
		zap.String("agent_id", agentID))
	return job.ExecutionID, nil
}

func (r *Remote) Poll(_ context.Context, executionID string) (Outcome, error) {
	o, ok := r.runs.get(executionID)
	if !ok {
		return Outcome{}, model.ErrUnknownExecution
	}
	return o, nil
}

// Complete records an agent's report. A non-empty reason marks the run failed;
// otherwise res is stored and its handle becomes the report handle.
func (r *Remote) Complete(ctx context.Context, job Job, res *model.Result, reason string) error {
	o, ok := r.runs.get(job.ExecutionID)
	if !ok {
		return model.ErrUnknownExecution
	}
	if o.State != StateRunning {
		return nil
	}
	var out Outcome
	switch {
	case reason != "":
		out = Outcome{State: StateFailed, Reason: reason}
	case res == nil:
		out = Outcome{State: StateFailed, Reason: "agent returned no result"}
	default:
		res.TargetURL = job.TargetURL
		res.NumUsers = job.NumUsers
		out = saveResult(ctx, r.results, job, *res, r.log)
	}
	r.runs.finish(job.ExecutionID, out)
	return nil
}
