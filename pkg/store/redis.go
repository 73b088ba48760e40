package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"loadgate/pkg/model"
)

// casScript swaps the task document only if its status still equals ARGV[1].
// Returns -1 when the key is missing, 0 on a status mismatch, 1 on success.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
local doc = cjson.decode(cur)
if doc['status'] ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// firstUserScript sets the user field only while the users hash is empty.
var firstUserScript = redis.NewScript(`
if redis.call('HLEN', KEYS[1]) > 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// createScript inserts a task document and indexes it by a fresh sequence number.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local seq = redis.call('INCR', KEYS[2])
local doc = cjson.decode(ARGV[2])
doc['seq'] = seq
redis.call('SET', KEYS[1], cjson.encode(doc))
redis.call('ZADD', KEYS[3], seq, ARGV[1])
return seq
`)

// RedisStore keeps tasks as JSON documents in Redis. Every status change
// runs as a server-side script, so concurrent controllers share one CAS.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "loadgate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + ":task:" + id }
func (s *RedisStore) seqKey() string           { return s.prefix + ":seq" }
func (s *RedisStore) indexKey() string         { return s.prefix + ":tasks" }
func (s *RedisStore) usersKey() string         { return s.prefix + ":users" }

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) CreateTask(ctx context.Context, t model.Task) (string, error) {
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
	seq, err := createScript.Run(ctx, s.client,
		[]string{s.taskKey(t.ID), s.seqKey(), s.indexKey()}, t.ID, string(doc)).Int64()
	if err != nil {
		return "", fmt.Errorf("redis create task: %w", err)
	}
	if seq == 0 {
		return "", fmt.Errorf("task %s: %w", t.ID, model.ErrConflict)
	}
	return t.ID, nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	raw, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Task{}, model.ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("redis get task: %w", err)
	}
	return decodeTask(raw)
}

func (s *RedisStore) ListTasks(ctx context.Context, f ListFilter) ([]model.Task, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}
	out := []model.Task{}
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget tasks: %w", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeTask([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sortTasks(out, f.Sort)
	return limitTasks(out, f.Limit), nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, expected, next model.Status, p model.Patch) (model.Task, error) {
	t, err := s.GetTask(ctx, id)
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
	res, err := casScript.Run(ctx, s.client, []string{s.taskKey(id)}, string(expected), string(doc)).Int64()
	if err != nil {
		return model.Task{}, fmt.Errorf("redis cas task: %w", err)
	}
	switch res {
	case -1:
		return model.Task{}, model.ErrNotFound
	case 0:
		cur, gerr := s.GetTask(ctx, id)
		if gerr != nil {
			return model.Task{}, model.ErrConflict
		}
		return cur, model.ErrConflict
	}
	return t, nil
}

func (s *RedisStore) CreateUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	doc, err := encodeUser(u)
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, s.usersKey(), u.Username, doc).Result()
	if err != nil {
		return fmt.Errorf("redis create user: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s: %w", u.Username, model.ErrConflict)
	}
	return nil
}

func (s *RedisStore) CreateFirstUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	doc, err := encodeUser(u)
	if err != nil {
		return err
	}
	ok, err := firstUserScript.Run(ctx, s.client, []string{s.usersKey()}, u.Username, doc).Int()
	if err != nil {
		return fmt.Errorf("redis create first user: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("first user: %w", model.ErrConflict)
	}
	return nil
}

func (s *RedisStore) FindUser(ctx context.Context, username string) (model.User, error) {
	raw, err := s.client.HGet(ctx, s.usersKey(), username).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.User{}, model.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("redis get user: %w", err)
	}
	return decodeUser(raw)
}

func (s *RedisStore) CountUsers(ctx context.Context) (int64, error) {
	return s.client.HLen(ctx, s.usersKey()).Result()
}
