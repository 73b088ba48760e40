package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loadgate/pkg/model"
)

// MemoryStore is an in-memory TaskStore and UserStore, intended for dev/demo and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
	seq   int64
	users map[string]model.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]model.Task),
		users: make(map[string]model.User),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, t model.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := m.tasks[t.ID]; exists {
		return "", fmt.Errorf("task %s: %w", t.ID, model.ErrConflict)
	}
	m.seq++
	t.Seq = m.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = t
	return t.ID, nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, model.ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, f ListFilter) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Task{}
	for _, t := range m.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sortTasks(out, f.Sort)
	return limitTasks(out, f.Limit), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, expected, next model.Status, p model.Patch) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, model.ErrNotFound
	}
	if t.Status != expected {
		return t, model.ErrConflict
	}
	p.Apply(&t, next)
	m.tasks[id] = t
	return t, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return fmt.Errorf("user %s: %w", u.Username, model.ErrConflict)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.Username] = u
	return nil
}

func (m *MemoryStore) CreateFirstUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.users) > 0 {
		return fmt.Errorf("first user: %w", model.ErrConflict)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.Username] = u
	return nil
}

func (m *MemoryStore) FindUser(_ context.Context, username string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) CountUsers(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

// Ping reports readiness for health endpoints.
func (m *MemoryStore) Ping(context.Context) error { return nil }
