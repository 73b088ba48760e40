package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options describes a gorm-backed SQL connection.
type Options struct {
	Driver          string // mysql, postgres
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Models          []interface{}
}

// Open connects with gorm, tunes the pool and auto-migrates opts.Models.
// For MySQL a missing database is created on first connect.
func Open(opts Options) (*gorm.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("%s dsn is required", opts.Driver)
	}
	var dialector gorm.Dialector
	switch opts.Driver {
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", opts.Driver)
	}

	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		if opts.Driver != "mysql" || !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createMySQLDatabase(opts.DSN); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if gdb, err = gorm.Open(mysql.Open(opts.DSN), cfg); err != nil {
			return nil, err
		}
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if len(opts.Models) > 0 {
		if err := gdb.AutoMigrate(opts.Models...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gdb, nil
}

// Close releases the pool behind gdb.
func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// createMySQLDatabase connects without a schema and creates the one named in dsn.
func createMySQLDatabase(dsn string) error {
	base, name, err := splitMySQLDSN(dsn)
	if err != nil {
		return err
	}
	conn, err := sql.Open("mysql", base)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", name))
	return err
}

// splitMySQLDSN turns "user:pass@tcp(host)/name?params" into ("user:pass@tcp(host)/", "name").
func splitMySQLDSN(dsn string) (string, string, error) {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return "", "", fmt.Errorf("dsn has no database name")
	}
	name := dsn[slash+1:]
	if q := strings.Index(name, "?"); q >= 0 {
		name = name[:q]
	}
	if name == "" {
		return "", "", fmt.Errorf("dsn has no database name")
	}
	return dsn[:slash+1], name, nil
}
