package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loadgate/pkg/executor"
	"loadgate/pkg/lifecycle"
	"loadgate/pkg/model"
	"loadgate/pkg/store"
)

// Advancer performs a graph-checked compare-and-swap transition.
type Advancer interface {
	Advance(ctx context.Context, taskID string, from, to model.Status, p model.Patch, actor string) (model.Task, error)
}

// Config tunes the tick loop. Zero values fall back to defaults.
type Config struct {
	Interval    time.Duration
	Watchdog    time.Duration
	CallTimeout time.Duration
	Workers     int
	BatchSize   int
}

// Scheduler moves approved tasks into execution and running tasks to a
// terminal state. Every mutation is a compare-and-swap, so several
// schedulers may tick over the same store.
type Scheduler struct {
	store    store.TaskStore
	advancer Advancer
	exec     executor.Executor
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// TickStats counts what one tick did.
type TickStats struct {
	Started   int64
	Completed int64
	Failed    int64
	Errors    int64
}

func New(s store.TaskStore, advancer Advancer, exec executor.Executor, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{store: s, advancer: advancer, exec: exec, cfg: cfg, now: time.Now, log: log}
}

// SetClock replaces the scheduler clock.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run ticks every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("watchdog", s.cfg.Watchdog),
		zap.Int("workers", s.cfg.Workers))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass: start due tasks, then reconcile running ones.
// A store error ends the affected step; the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	var st TickStats
	now := s.now()
	if err := s.startDue(ctx, now, &st); err != nil {
		atomic.AddInt64(&st.Errors, 1)
		s.log.Warn("start due tasks failed", zap.Error(err))
	}
	if err := s.reconcile(ctx, now, &st); err != nil {
		atomic.AddInt64(&st.Errors, 1)
		s.log.Warn("reconcile running tasks failed", zap.Error(err))
	}
	if st.Started+st.Completed+st.Failed > 0 {
		s.log.Debug("tick",
			zap.Int64("started", st.Started),
			zap.Int64("completed", st.Completed),
			zap.Int64("failed", st.Failed))
	}
	return st
}

func (s *Scheduler) startDue(ctx context.Context, now time.Time, st *TickStats) error {
	due, err := s.store.ListTasks(ctx, store.ListFilter{
		Status:      model.StatusApproved,
		StartBefore: now,
		Sort:        store.SortStartTime,
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list approved: %w", err)
	}
	return s.each(ctx, due, func(ctx context.Context, t model.Task) { s.start(ctx, now, t, st) })
}

func (s *Scheduler) start(ctx context.Context, now time.Time, t model.Task, st *TickStats) {
	log := s.log.With(zap.String("task_id", t.ID))
	execID := uuid.NewString()
	running, err := s.advancer.Advance(ctx, t.ID, model.StatusApproved, model.StatusRunning,
		model.Patch{ExecutionID: execID, At: now}, lifecycle.ActorScheduler)
	if err != nil {
		s.lost(log, err, st)
		return
	}
	if !now.Before(t.EndTime) {
		s.fail(ctx, log, running, "window elapsed before start", st)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if _, err := s.exec.Start(callCtx, running); err != nil {
		log.Warn("executor start failed", zap.String("execution_id", execID), zap.Error(err))
		s.fail(ctx, log, running, "start failed: "+err.Error(), st)
		return
	}
	atomic.AddInt64(&st.Started, 1)
	log.Info("task started", zap.String("execution_id", execID), zap.Time("end_time", t.EndTime))
}

// reconcile pages through every running task in insertion order, BatchSize at a time.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time, st *TickStats) error {
	var after int64
	for {
		running, err := s.store.ListTasks(ctx, store.ListFilter{
			Status:   model.StatusRunning,
			AfterSeq: after,
			Sort:     store.SortSubmitted,
			Limit:    s.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("list running: %w", err)
		}
		if err := s.each(ctx, running, func(ctx context.Context, t model.Task) { s.check(ctx, now, t, st) }); err != nil {
			return err
		}
		if len(running) < s.cfg.BatchSize {
			return nil
		}
		last := running[len(running)-1].Seq
		if last <= after {
			return fmt.Errorf("list running: seq did not advance past %d", after)
		}
		after = last
	}
}

func (s *Scheduler) check(ctx context.Context, now time.Time, t model.Task, st *TickStats) {
	log := s.log.With(zap.String("task_id", t.ID), zap.String("execution_id", t.ExecutionID))

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	out, err := s.exec.Poll(callCtx, t.ExecutionID)
	cancel()
	if err != nil {
		// Unknown or unreachable executions count as running; the watchdog bounds them.
		if !errors.Is(err, model.ErrUnknownExecution) {
			log.Warn("executor poll failed", zap.Error(err))
		}
		out = executor.Outcome{State: executor.StateRunning}
	}

	switch out.State {
	case executor.StateFailed:
		s.fail(ctx, log, t, out.Reason, st)
		return
	case executor.StateSucceeded:
		if now.Before(t.EndTime) {
			return
		}
		if out.ReportHandle == "" {
			s.fail(ctx, log, t, "executor reported success without a report", st)
			return
		}
		if _, err := s.advancer.Advance(ctx, t.ID, model.StatusRunning, model.StatusCompleted,
			model.Patch{ReportHandle: out.ReportHandle, At: now}, lifecycle.ActorScheduler); err != nil {
			s.lost(log, err, st)
			return
		}
		atomic.AddInt64(&st.Completed, 1)
		return
	}

	if deadline := t.EndTime.Add(s.cfg.Watchdog); now.After(deadline) {
		s.fail(ctx, log, t, fmt.Sprintf("watchdog: no completion within %s after end_time", s.cfg.Watchdog), st)
	}
}

func (s *Scheduler) fail(ctx context.Context, log *zap.Logger, t model.Task, reason string, st *TickStats) {
	if reason == "" {
		reason = "execution failed"
	}
	if _, err := s.advancer.Advance(ctx, t.ID, model.StatusRunning, model.StatusFailed,
		model.Patch{FailureReason: reason, At: s.now()}, lifecycle.ActorScheduler); err != nil {
		s.lost(log, err, st)
		return
	}
	atomic.AddInt64(&st.Failed, 1)
}

// lost handles a transition that did not go through. Conflicts mean another
// worker got there first.
func (s *Scheduler) lost(log *zap.Logger, err error, st *TickStats) {
	if errors.Is(err, model.ErrConflict) {
		log.Debug("transition already taken")
		return
	}
	atomic.AddInt64(&st.Errors, 1)
	log.Warn("transition failed, retrying next tick", zap.Error(err))
}

func (s *Scheduler) each(ctx context.Context, tasks []model.Task, fn func(context.Context, model.Task)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			fn(gctx, t)
			return nil
		})
	}
	return g.Wait()
}
