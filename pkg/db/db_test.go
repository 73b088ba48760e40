package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMySQLDSN(t *testing.T) {
	base, name, err := splitMySQLDSN("root:pw@tcp(127.0.0.1:3306)/loadgate?charset=utf8mb4&parseTime=True")
	require.NoError(t, err)
	assert.Equal(t, "root:pw@tcp(127.0.0.1:3306)/", base)
	assert.Equal(t, "loadgate", name)

	_, _, err = splitMySQLDSN("root:pw@tcp(127.0.0.1:3306)/")
	assert.Error(t, err)
	_, _, err = splitMySQLDSN("nonsense")
	assert.Error(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(Options{Driver: "mysql"})
	assert.ErrorContains(t, err, "dsn is required")
}

func TestOpenSQLiteMemory(t *testing.T) {
	sqlDB, err := OpenSQLite(context.Background(), ":memory:", `CREATE TABLE kv(k TEXT PRIMARY KEY, v TEXT);`)
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = sqlDB.Exec(`INSERT INTO kv(k, v) VALUES(?, ?)`, "a", "1")
	require.NoError(t, err)
	var v string
	require.NoError(t, sqlDB.QueryRow(`SELECT v FROM kv WHERE k = ?`, "a").Scan(&v))
	assert.Equal(t, "1", v)
}
