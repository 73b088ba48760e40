package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loadgate/pkg/model"
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, job Job) (model.Result, error)
}

// Local runs every execution as a subprocess of the controller.
// Outcomes live in memory, so runs in flight at a restart are lost and the
// scheduler watchdog fails them.
type Local struct {
	runner  Runner
	results ResultSaver
	now     func() time.Time
	log     *zap.Logger
	runs    *tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocal(runner Runner, results ResultSaver, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		runner:  runner,
		results: results,
		now:     time.Now,
		log:     log,
		runs:    newTracker(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *Local) Start(_ context.Context, t model.Task) (string, error) {
	if err := l.ctx.Err(); err != nil {
		return "", fmt.Errorf("executor closed: %w", err)
	}
	if t.ExecutionID == "" {
		t.ExecutionID = uuid.NewString()
	}
	if _, ok := l.runs.get(t.ExecutionID); ok {
		return t.ExecutionID, nil
	}
	job := JobFor(t, l.now())
	l.runs.set(job.ExecutionID, Outcome{State: StateRunning})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runs.finish(job.ExecutionID, complete(l.ctx, l.results, job, l.runner, l.log))
	}()
	return job.ExecutionID, nil
}

func (l *Local) Poll(_ context.Context, executionID string) (Outcome, error) {
	o, ok := l.runs.get(executionID)
	if !ok {
		return Outcome{}, model.ErrUnknownExecution
	}
	return o, nil
}

// Running is the number of executions still in flight.
func (l *Local) Running() int { return l.runs.running() }

// Close cancels in-flight runs and waits for them to exit.
func (l *Local) Close() error {
	l.cancel()
	l.wg.Wait()
	return nil
}

func complete(ctx context.Context, results ResultSaver, job Job, runner Runner, log *zap.Logger) Outcome {
	res, err := runner.Run(ctx, job)
	if err != nil {
		log.Warn("execution failed", zap.String("execution_id", job.ExecutionID), zap.Error(err))
		return Outcome{State: StateFailed, Reason: err.Error()}
	}
	return saveResult(ctx, results, job, res, log)
}

// saveResult saves res under a fresh report handle.
func saveResult(ctx context.Context, results ResultSaver, job Job, res model.Result, log *zap.Logger) Outcome {
	res.Handle = uuid.NewString()
	res.TaskID = job.TaskID
	res.ExecutionID = job.ExecutionID
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := results.SaveResult(saveCtx, res); err != nil {
		log.Error("save result failed", zap.String("execution_id", job.ExecutionID), zap.Error(err))
		return Outcome{State: StateFailed, Reason: "save result: " + err.Error()}
	}
	log.Info("execution succeeded",
		zap.String("task_id", job.TaskID),
		zap.String("execution_id", job.ExecutionID),
		zap.String("report_handle", res.Handle),
		zap.Int("requests", res.Requests),
		zap.Int("failures", res.Failures))
	return Outcome{State: StateSucceeded, ReportHandle: res.Handle}
}
