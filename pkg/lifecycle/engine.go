package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loadgate/pkg/auth"
	"loadgate/pkg/model"
	"loadgate/pkg/store"
)

// ActorScheduler is recorded as the actor of transitions made by the scheduler.
const ActorScheduler = "scheduler"

// EventSink receives every successful transition. Delivery is best-effort.
type EventSink interface {
	Publish(ev model.TaskEvent)
}

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	SubmitGrace time.Duration
	Now         func() time.Time
	Events      EventSink
	Logger      *zap.Logger
}

// Engine enforces the task state graph and ownership rules on top of a TaskStore.
// All status changes go through Advance, which is a checked compare-and-swap.
type Engine struct {
	store  store.TaskStore
	grace  time.Duration
	now    func() time.Time
	events EventSink
	log    *zap.Logger
}

func New(s store.TaskStore, opts Options) *Engine {
	e := &Engine{
		store:  s,
		grace:  opts.SubmitGrace,
		now:    opts.Now,
		events: opts.Events,
		log:    opts.Logger,
	}
	if e.grace <= 0 {
		e.grace = time.Minute
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Now is the engine clock, shared with the scheduler in tests.
func (e *Engine) Now() time.Time { return e.now() }

// Store returns the underlying task store.
func (e *Engine) Store() store.TaskStore { return e.store }

// Submit validates req and creates a pending task owned by the caller.
func (e *Engine) Submit(ctx context.Context, caller model.Identity, req SubmitRequest) (model.Task, error) {
	if caller.ID == "" {
		return model.Task{}, model.ErrUnauthenticated
	}
	now := e.now()
	params, err := req.validate(now, e.grace)
	if err != nil {
		return model.Task{}, err
	}
	t := model.Task{
		OwnerID:   caller.ID,
		TargetURL: params.TargetURL,
		NumUsers:  params.NumUsers,
		RampUp:    params.RampUp,
		StartTime: params.StartTime,
		EndTime:   params.EndTime,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}
	t.ID = id
	e.log.Info("task submitted",
		zap.String("task_id", id),
		zap.String("owner_id", caller.ID),
		zap.String("target_url", t.TargetURL),
		zap.Time("start_time", t.StartTime),
		zap.Time("end_time", t.EndTime))
	e.publish(model.TaskEvent{TaskID: id, OwnerID: caller.ID, To: model.StatusPending, Actor: caller.ID, At: now})
	return t, nil
}

// List returns every task for an admin and only the caller's own tasks otherwise.
func (e *Engine) List(ctx context.Context, caller model.Identity, q ListQuery) ([]model.Task, error) {
	if caller.ID == "" {
		return nil, model.ErrUnauthenticated
	}
	f, err := q.filter()
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() {
		f.OwnerID = caller.ID
	}
	return e.store.ListTasks(ctx, f)
}

// Get returns one task to its owner or an admin.
func (e *Engine) Get(ctx context.Context, caller model.Identity, taskID string) (model.Task, error) {
	if caller.ID == "" {
		return model.Task{}, model.ErrUnauthenticated
	}
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if !caller.IsAdmin() && t.OwnerID != caller.ID {
		return model.Task{}, model.ErrForbidden
	}
	return t, nil
}

// Approve moves a pending task to approved. The window must not have elapsed yet.
func (e *Engine) Approve(ctx context.Context, admin model.Identity, taskID string) (model.Task, error) {
	if err := auth.RequireRole(admin, model.RoleAdmin); err != nil {
		return model.Task{}, err
	}
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if t.Status != model.StatusPending {
		return t, model.ErrConflict
	}
	if now := e.now(); !now.Before(t.EndTime) {
		return t, model.Invalid("end_time", "execution window ended at %s; submit a new task", t.EndTime.UTC().Format(time.RFC3339))
	}
	return e.Advance(ctx, taskID, model.StatusPending, model.StatusApproved, model.Patch{DecidedBy: admin.ID}, admin.ID)
}

// Reject moves a pending task to rejected, recording an optional reason.
func (e *Engine) Reject(ctx context.Context, admin model.Identity, taskID, reason string) (model.Task, error) {
	if err := auth.RequireRole(admin, model.RoleAdmin); err != nil {
		return model.Task{}, err
	}
	return e.Advance(ctx, taskID, model.StatusPending, model.StatusRejected,
		model.Patch{DecidedBy: admin.ID, FailureReason: reason}, admin.ID)
}

// Advance performs one graph-checked compare-and-swap and publishes the event.
// It returns model.ErrConflict if from -> to is not an edge or the stored status moved.
func (e *Engine) Advance(ctx context.Context, taskID string, from, to model.Status, p model.Patch, actor string) (model.Task, error) {
	if !model.CanTransition(from, to) {
		return model.Task{}, fmt.Errorf("illegal transition %s -> %s: %w", from, to, model.ErrConflict)
	}
	if p.At.IsZero() {
		p.At = e.now()
	}
	t, err := e.store.UpdateStatus(ctx, taskID, from, to, p)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			e.log.Debug("transition lost",
				zap.String("task_id", taskID),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.String("observed", string(t.Status)))
		}
		return t, err
	}
	reason := ""
	if to == model.StatusFailed || to == model.StatusRejected {
		reason = t.FailureReason
	}
	e.log.Info("task transition",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
		zap.String("reason", reason))
	e.publish(model.TaskEvent{
		TaskID:  t.ID,
		OwnerID: t.OwnerID,
		From:    from,
		To:      to,
		Actor:   actor,
		Reason:  reason,
		At:      p.At,
	})
	return t, nil
}

func (e *Engine) publish(ev model.TaskEvent) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
