package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"loadgate/pkg/db"
	"loadgate/pkg/model"
)

// ResultStore keeps finished run results keyed by report handle.
type ResultStore interface {
	SaveResult(ctx context.Context, r model.Result) error
	GetResult(ctx context.Context, handle string) (model.Result, error)
}

// MemoryResultStore is a ResultStore for dev setups and tests.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]model.Result
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]model.Result)}
}

func (m *MemoryResultStore) SaveResult(_ context.Context, r model.Result) error {
	if r.Handle == "" {
		return fmt.Errorf("result has no handle")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.Handle] = r
	return nil
}

func (m *MemoryResultStore) GetResult(_ context.Context, handle string) (model.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[handle]
	if !ok {
		return model.Result{}, model.ErrNotFound
	}
	return r, nil
}

const resultsSchema = `
CREATE TABLE IF NOT EXISTS results(
	handle TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_task ON results(task_id);`

// SQLiteResultStore keeps results as JSON rows in SQLite.
type SQLiteResultStore struct {
	db *sql.DB
}

func NewSQLiteResultStore(ctx context.Context, path string) (*SQLiteResultStore, error) {
	sqlDB, err := db.OpenSQLite(ctx, path, resultsSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteResultStore{db: sqlDB}, nil
}

func (s *SQLiteResultStore) Close() error { return s.db.Close() }

func (s *SQLiteResultStore) SaveResult(ctx context.Context, r model.Result) error {
	if r.Handle == "" {
		return fmt.Errorf("result has no handle")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO results(handle, task_id, execution_id, body, created_at) VALUES(?,?,?,?,?)
		ON CONFLICT(handle) DO UPDATE SET body = excluded.body`,
		r.Handle, r.TaskID, r.ExecutionID, string(body), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *SQLiteResultStore) GetResult(ctx context.Context, handle string) (model.Result, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM results WHERE handle = ?`, handle).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Result{}, model.ErrNotFound
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("select result: %w", err)
	}
	var r model.Result
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return model.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}
