package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loadgate/pkg/api"
	"loadgate/pkg/auth"
	"loadgate/pkg/config"
	"loadgate/pkg/executor"
	"loadgate/pkg/lifecycle"
	"loadgate/pkg/logger"
	"loadgate/pkg/report"
	"loadgate/pkg/scheduler"
	"loadgate/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler",
	Example: `  loadgate serve --config config.yaml
  LOADGATE_STORE=sqlite LOADGATE_EXECUTOR=agent loadgate serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log := logger.Init(&cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeBackend.Close()
	results, closeResults, err := openResults(ctx, cfg.Reports)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}
	defer closeResults.Close()

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	gate := auth.NewGate(issuer)
	hub := api.NewWSHub(cfg.Auth.AgentToken, gate, log.Named("hub"))
	defer hub.Close()

	engine := lifecycle.New(backend, lifecycle.Options{
		SubmitGrace: cfg.Scheduler.SubmitGrace,
		Events:      hub,
		Logger:      log.Named("lifecycle"),
	})

	var exec executor.Executor
	switch cfg.Executor.Type {
	case "agent":
		remote := executor.NewRemote(hub, results, log.Named("executor"))
		hub.SetCompleter(remote)
		exec = remote
	default:
		runner := executor.NewLocustRunner(executor.LocustConfig{
			Bin:        cfg.Executor.LocustBin,
			File:       cfg.Executor.LocustFile,
			ResultsDir: cfg.Executor.ResultsDir,
			ExtraArgs:  cfg.Executor.ExtraArgs,
		}, log.Named("locust"))
		local := executor.NewLocal(runner, results, log.Named("executor"))
		defer local.Close()
		exec = local
	}

	sched := scheduler.New(backend, engine, exec, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		Watchdog:    cfg.Scheduler.Watchdog,
		CallTimeout: cfg.Scheduler.CallTimeout,
		Workers:     cfg.Scheduler.Workers,
		BatchSize:   cfg.Scheduler.BatchSize,
	}, log.Named("scheduler"))
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", zap.Error(err))
		}
	}()

	handler := api.NewRouter(api.Deps{
		Engine:  engine,
		Reports: report.NewProvider(backend, results),
		Gate:    gate,
		Auth: &api.AuthHandler{
			Users:            backend,
			Issuer:           issuer,
			OpenRegistration: cfg.Auth.OpenRegistration,
			Log:              log.Named("auth"),
		},
		Hub:    hub,
		Health: backend.Ping,
		Log:    log.Named("http"),
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("controller listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", version.String()),
			zap.String("store", cfg.Store.Type),
			zap.String("executor", cfg.Executor.Type))
		errCh <- listen(srv, cfg.Server)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-schedDone
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stop()
	<-schedDone
	return nil
}

func listen(srv *http.Server, cfg config.ServerConfig) error {
	tlsCfg, err := api.TLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}
	if tlsCfg == nil {
		return srv.ListenAndServe()
	}
	srv.TLSConfig = tlsCfg
	return srv.ListenAndServeTLS("", "")
}
