package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"loadgate/pkg/config"
	"loadgate/pkg/db"
	"loadgate/pkg/report"
	"loadgate/pkg/store"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openBackend builds the task and user store selected by cfg.Store.Type.
func openBackend(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Backend, io.Closer, error) {
	noop := closerFunc(func() error { return nil })
	switch cfg.Type {
	case "memory":
		log.Warn("using in-memory store; tasks are lost on restart")
		return store.NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "mysql", "postgres":
		gdb, err := db.Open(db.Options{
			Driver:          cfg.Type,
			DSN:             cfg.DSN,
			MaxIdleConns:    cfg.MaxIdleConns,
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			Models:          store.GormModels(),
		})
		if err != nil {
			return nil, nil, err
		}
		return store.NewGormStore(gdb), closerFunc(func() error { return db.Close(gdb) }), nil
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "consul":
		s, err := store.NewConsulStore(cfg.ConsulAddr, cfg.ConsulPrefix, log)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
	return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
}

// openResults builds the report artifact store.
func openResults(ctx context.Context, cfg config.ReportsConfig) (report.ResultStore, io.Closer, error) {
	switch cfg.Store {
	case "memory":
		return report.NewMemoryResultStore(), closerFunc(func() error { return nil }), nil
	case "sqlite":
		s, err := report.NewSQLiteResultStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unsupported report store: %s", cfg.Store)
}
