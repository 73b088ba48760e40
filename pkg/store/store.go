package store

import (
	"context"
	"sort"
	"time"

	"loadgate/pkg/model"
)

// SortKey orders ListTasks results.
type SortKey string

const (
	SortSubmitted SortKey = "submitted"
	SortStartTime SortKey = "start_time"
)

// ListFilter narrows ListTasks. Zero values match everything.
type ListFilter struct {
	OwnerID     string
	Status      model.Status
	StartBefore time.Time // only tasks with start_time <= StartBefore
	AfterSeq    int64     // only tasks inserted after seq; pages through SortSubmitted results
	Sort        SortKey
	Limit       int
}

// Match reports whether t passes the filter.
func (f ListFilter) Match(t model.Task) bool {
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.StartBefore.IsZero() && t.StartTime.After(f.StartBefore) {
		return false
	}
	if f.AfterSeq > 0 && t.Seq <= f.AfterSeq {
		return false
	}
	return true
}

// TaskStore is the durable record of tasks and the single source of truth for status.
// UpdateStatus is a compare-and-swap: it fails with model.ErrConflict if the stored
// status is no longer expected, and model.ErrNotFound if id is unknown.
type TaskStore interface {
	CreateTask(ctx context.Context, t model.Task) (string, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]model.Task, error)
	UpdateStatus(ctx context.Context, id string, expected, next model.Status, p model.Patch) (model.Task, error)
}

// UserStore persists registered accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u model.User) error
	// CreateFirstUser writes u only while no account exists and returns
	// ErrConflict otherwise. Concurrent callers see exactly one winner.
	CreateFirstUser(ctx context.Context, u model.User) error
	FindUser(ctx context.Context, username string) (model.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

// Backend is a complete persistence layer for the controller.
type Backend interface {
	TaskStore
	UserStore
	Ping(ctx context.Context) error
}

// sortTasks orders tasks in place; insertion order unless SortStartTime.
func sortTasks(tasks []model.Task, key SortKey) {
	if key == SortStartTime {
		sort.SliceStable(tasks, func(i, j int) bool {
			if tasks[i].StartTime.Equal(tasks[j].StartTime) {
				return tasks[i].Seq < tasks[j].Seq
			}
			return tasks[i].StartTime.Before(tasks[j].StartTime)
		})
		return
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
}

func limitTasks(tasks []model.Task, limit int) []model.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}
