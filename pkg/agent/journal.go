package agent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loadgate/pkg/db"
	"loadgate/pkg/executor"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs(
	execution_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	target_url TEXT NOT NULL,
	num_users INTEGER NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_ts ON runs(ts);`

// RunRecord is one finished run as the agent saw it.
type RunRecord struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	TargetURL   string    `json:"target_url"`
	NumUsers    int       `json:"num_users"`
	Requests    int       `json:"requests"`
	Failures    int       `json:"failures"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Journal keeps the agent's local run history in SQLite.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	sqlDB, err := db.OpenSQLite(ctx, path, journalSchema)
	if err != nil {
		return nil, err
	}
	return &Journal{db: sqlDB, now: time.Now}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record stores the outcome of job. A second record for the same execution replaces the first.
func (j *Journal) Record(ctx context.Context, job executor.Job, rr executor.RunResult) error {
	var requests, failures int
	if rr.Result != nil {
		requests, failures = rr.Result.Requests, rr.Result.Failures
	}
	_, err := j.db.ExecContext(ctx, `INSERT INTO runs(execution_id, task_id, target_url, num_users, requests, failures, error, ts)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(execution_id) DO UPDATE SET requests = excluded.requests, failures = excluded.failures, error = excluded.error, ts = excluded.ts`,
		job.ExecutionID, job.TaskID, job.TargetURL, job.NumUsers, requests, failures, rr.Error, j.now().UnixNano())
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT execution_id, task_id, target_url, num_users, requests, failures, error, ts
		FROM runs ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var ts int64
		if err := rows.Scan(&r.ExecutionID, &r.TaskID, &r.TargetURL, &r.NumUsers, &r.Requests, &r.Failures, &r.Error, &ts); err != nil {
			return nil, err
		}
		r.FinishedAt = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
