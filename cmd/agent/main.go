package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loadgate/pkg/agent"
	"loadgate/pkg/executor"
	"loadgate/pkg/logger"
	"loadgate/pkg/version"
)

var (
	agentID     string
	controller  string
	agentToken  string
	capacity    int
	locustBin   string
	locustFile  string
	resultsDir  string
	journalPath string
	caFile      string
	clientCert  string
	clientKey   string
	insecure    bool
	logLevel    string
	historyN    int
)

var rootCmd = &cobra.Command{
	Use:           "loadgate-agent",
	Short:         "Runner agent that executes load tests dispatched by a loadgate controller",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent runs from the local journal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		j, err := agent.OpenJournal(cmd.Context(), journalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		runs, err := j.Recent(cmd.Context(), historyN)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&journalPath, "journal", envOr("AGENT_JOURNAL", "data/agent.db"), "SQLite run journal path")

	rf := rootCmd.Flags()
	rf.StringVar(&agentID, "id", os.Getenv("AGENT_ID"), "agent id (generated when empty)")
	rf.StringVar(&controller, "controller", envOr("CONTROLLER_ADDR", "http://127.0.0.1:8080"), "controller base URL")
	rf.StringVar(&agentToken, "token", os.Getenv("LOADGATE_AGENT_TOKEN"), "agent token matching the controller's auth.agent_token")
	rf.IntVar(&capacity, "capacity", 1, "concurrent runs this agent accepts (0 = unlimited)")
	rf.StringVar(&locustBin, "locust-bin", envOr("LOADGATE_LOCUST_BIN", "locust"), "locust command, may include leading args")
	rf.StringVar(&locustFile, "locust-file", envOr("LOADGATE_LOCUST_FILE", "locust/locustfile.py"), "locust scenario file")
	rf.StringVar(&resultsDir, "results-dir", "results", "directory for locust CSV output")
	rf.StringVar(&caFile, "ca", os.Getenv("CA_FILE"), "CA file for controller TLS (optional)")
	rf.StringVar(&clientCert, "cert", "", "client TLS certificate (for mTLS)")
	rf.StringVar(&clientKey, "key", "", "client TLS key (for mTLS)")
	rf.BoolVar(&insecure, "insecure", false, "skip TLS verify for controller (not recommended)")
	rf.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	historyCmd.Flags().IntVarP(&historyN, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func runAgent(cmd *cobra.Command, _ []string) error {
	log := logger.Init(&logger.Config{Level: logLevel, Format: "console", Output: "stdout"})
	defer logger.Sync()

	if agentID == "" {
		host, _ := os.Hostname()
		agentID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	tlsCfg, err := buildTLSConfig(caFile, clientCert, clientKey, insecure)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := agent.OpenJournal(ctx, journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	runner := executor.NewLocustRunner(executor.LocustConfig{
		Bin:        locustBin,
		File:       locustFile,
		ResultsDir: resultsDir,
	}, log.Named("locust"))
	client, err := agent.NewClient(agent.Config{
		Controller: controller,
		AgentID:    agentID,
		Token:      agentToken,
		Version:    version.String(),
		Capacity:   capacity,
		Reconnect:  5 * time.Second,
		TLS:        tlsCfg,
	}, runner, journal, log.Named("agent"))
	if err != nil {
		return err
	}
	log.Info("agent starting", zap.String("agent_id", agentID), zap.String("controller", controller), zap.Int("capacity", capacity))
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildTLSConfig(caFile, certFile, keyFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12} //nolint:gosec
	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("invalid ca file %s", caFile)
		}
		cfg.RootCAs = pool
	}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
