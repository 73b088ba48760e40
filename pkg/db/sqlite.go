package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a SQLite database at path and applies schema.
// ":memory:" yields a private in-memory database bound to a single connection.
func OpenSQLite(ctx context.Context, path string, schema string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if schema != "" {
		if _, err := sqlDB.ExecContext(pingCtx, schema); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("sqlite init schema: %w", err)
		}
	}
	return sqlDB, nil
}
