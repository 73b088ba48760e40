//go:build consul

package store

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loadgate/pkg/consul"
	"loadgate/pkg/model"
)

// ConsulStore keeps tasks in the Consul KV. Insertion order is the pair's
// CreateIndex and status changes are CAS writes on ModifyIndex.
type ConsulStore struct {
	kv     *consul.KV
	prefix string
}

// NewConsulStore connects to the Consul agent at addr.
func NewConsulStore(addr, prefix string, _ *zap.Logger) (Backend, error) {
	kv, err := consul.New(addr)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "loadgate/"
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	return &ConsulStore{kv: kv, prefix: prefix}, nil
}

func (s *ConsulStore) taskKey(id string) string { return path.Join(s.prefix, "tasks", id) }
func (s *ConsulStore) userKey(name string) string {
	return path.Join(s.prefix, "users", name)
}

func (s *ConsulStore) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

func (s *ConsulStore) CreateTask(ctx context.Context, t model.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	doc, err := encodeTask(t)
	if err != nil {
		return "", err
	}
	ok, err := s.kv.Create(ctx, s.taskKey(t.ID), doc)
	if err != nil {
		return "", fmt.Errorf("consul create task: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("task %s: %w", t.ID, model.ErrConflict)
	}
	return t.ID, nil
}

func (s *ConsulStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

func (s *ConsulStore) getTask(ctx context.Context, id string) (model.Task, uint64, error) {
	pair, err := s.kv.Get(ctx, s.taskKey(id))
	if err != nil {
		return model.Task{}, 0, fmt.Errorf("consul get task: %w", err)
	}
	if pair == nil {
		return model.Task{}, 0, model.ErrNotFound
	}
	t, err := decodeTask(pair.Value)
	if err != nil {
		return model.Task{}, 0, err
	}
	t.Seq = int64(pair.CreateIndex)
	return t, pair.ModifyIndex, nil
}

func (s *ConsulStore) ListTasks(ctx context.Context, f ListFilter) ([]model.Task, error) {
	pairs, err := s.kv.List(ctx, s.taskKey("")+"/")
	if err != nil {
		return nil, fmt.Errorf("consul list tasks: %w", err)
	}
	out := []model.Task{}
	for _, p := range pairs {
		t, err := decodeTask(p.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Key, err)
		}
		t.Seq = int64(p.CreateIndex)
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sortTasks(out, f.Sort)
	return limitTasks(out, f.Limit), nil
}

func (s *ConsulStore) UpdateStatus(ctx context.Context, id string, expected, next model.Status, p model.Patch) (model.Task, error) {
	t, index, err := s.getTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if t.Status != expected {
		return t, model.ErrConflict
	}
	p.Apply(&t, next)
	doc, err := encodeTask(t)
	if err != nil {
		return model.Task{}, err
	}
	ok, err := s.kv.CAS(ctx, s.taskKey(id), doc, index)
	if err != nil {
		return model.Task{}, fmt.Errorf("consul cas task: %w", err)
	}
	if !ok {
		cur, _, gerr := s.getTask(ctx, id)
		if gerr != nil {
			return model.Task{}, model.ErrConflict
		}
		// ModifyIndex moved without a status change; retry against the fresh copy.
		if cur.Status == expected {
			return s.UpdateStatus(ctx, id, expected, next, p)
		}
		return cur, model.ErrConflict
	}
	return t, nil
}

func (s *ConsulStore) CreateUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	doc, err := encodeUser(u)
	if err != nil {
		return err
	}
	ok, err := s.kv.Create(ctx, s.userKey(u.Username), doc)
	if err != nil {
		return fmt.Errorf("consul create user: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s: %w", u.Username, model.ErrConflict)
	}
	return nil
}

// CreateFirstUser writes a bootstrap marker and the user in one transaction,
// so only one caller can ever claim the first account.
func (s *ConsulStore) CreateFirstUser(ctx context.Context, u model.User) error {
	n, err := s.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("first user: %w", model.ErrConflict)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	doc, err := encodeUser(u)
	if err != nil {
		return err
	}
	ok, err := s.kv.CreateAll(ctx, map[string][]byte{
		path.Join(s.prefix, "bootstrap"): []byte(u.ID),
		s.userKey(u.Username):            doc,
	})
	if err != nil {
		return fmt.Errorf("consul create first user: %w", err)
	}
	if !ok {
		return fmt.Errorf("first user: %w", model.ErrConflict)
	}
	return nil
}

func (s *ConsulStore) FindUser(ctx context.Context, username string) (model.User, error) {
	pair, err := s.kv.Get(ctx, s.userKey(username))
	if err != nil {
		return model.User{}, fmt.Errorf("consul get user: %w", err)
	}
	if pair == nil {
		return model.User{}, model.ErrNotFound
	}
	return decodeUser(pair.Value)
}

func (s *ConsulStore) CountUsers(ctx context.Context) (int64, error) {
	keys, err := s.kv.Keys(ctx, s.userKey("")+"/")
	if err != nil {
		return 0, fmt.Errorf("consul count users: %w", err)
	}
	return int64(len(keys)), nil
}
