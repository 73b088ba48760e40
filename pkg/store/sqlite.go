package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loadgate/pkg/db"
	"loadgate/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks(
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	target_url TEXT NOT NULL,
	num_users INTEGER NOT NULL,
	ramp_up INTEGER NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	status TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	report_handle TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_start ON tasks(status, start_time);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
CREATE TABLE IF NOT EXISTS users(
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`

const taskColumns = `seq, id, owner_id, target_url, num_users, ramp_up, start_time, end_time, status,
	execution_id, report_handle, failure_reason, decided_by, created_at, updated_at, started_at, finished_at`

// SQLiteStore keeps tasks and users in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (or ":memory:") and creates the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	sqlDB, err := db.OpenSQLite(ctx, path, sqliteSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: sqlDB}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) CreateTask(ctx context.Context, t model.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks(id, owner_id, target_url, num_users, ramp_up, start_time, end_time,
		status, execution_id, report_handle, failure_reason, decided_by, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.TargetURL, t.NumUsers, t.RampUp, t.StartTime.UnixNano(), t.EndTime.UnixNano(),
		string(t.Status), t.ExecutionID, t.ReportHandle, t.FailureReason, t.DecidedBy,
		t.CreatedAt.UnixNano(), t.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", fmt.Errorf("task %s: %w", t.ID, model.ErrConflict)
		}
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	return getSQLTask(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getSQLTask(ctx context.Context, q queryRower, id string) (model.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f ListFilter) ([]model.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.StartBefore.IsZero() {
		where = append(where, "start_time <= ?")
		args = append(args, f.StartBefore.UnixNano())
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Sort == SortStartTime {
		query += " ORDER BY start_time ASC, seq ASC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, expected, next model.Status, p model.Patch) (model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := getSQLTask(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}
	if t.Status != expected {
		return t, model.ErrConflict
	}
	p.Apply(&t, next)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, execution_id = ?, report_handle = ?,
		failure_reason = ?, decided_by = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(t.Status), t.ExecutionID, t.ReportHandle, t.FailureReason, t.DecidedBy,
		t.UpdatedAt.UnixNano(), nullNanos(t.StartedAt), nullNanos(t.FinishedAt), id, string(expected))
	if err != nil {
		return model.Task{}, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Task{}, fmt.Errorf("update rows affected: %w", err)
	}
	if affected != 1 {
		return model.Task{}, model.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, username, password_hash, role, created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("user %s: %w", u.Username, model.ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateFirstUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(id, username, password_hash, role, created_at)
		SELECT ?,?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM users)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert first user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert first user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("first user: %w", model.ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) FindUser(ctx context.Context, username string) (model.User, error) {
	var (
		u       model.User
		role    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("select user: %w", err)
	}
	u.Role = model.Role(role)
	u.CreatedAt = time.Unix(0, created).UTC()
	return u, nil
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(r rowScanner) (model.Task, error) {
	var (
		t                            model.Task
		status                       string
		start, end, created, updated int64
		startedAt, finishedAt        sql.NullInt64
	)
	err := r.Scan(&t.Seq, &t.ID, &t.OwnerID, &t.TargetURL, &t.NumUsers, &t.RampUp, &start, &end, &status,
		&t.ExecutionID, &t.ReportHandle, &t.FailureReason, &t.DecidedBy, &created, &updated, &startedAt, &finishedAt)
	if err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status(status)
	t.StartTime = time.Unix(0, start).UTC()
	t.EndTime = time.Unix(0, end).UTC()
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	t.StartedAt = fromNullNanos(startedAt)
	t.FinishedAt = fromNullNanos(finishedAt)
	return t, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
