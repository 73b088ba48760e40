package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"loadgate/pkg/logger"
)

// Config is the full controller configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Reports   ReportsConfig   `yaml:"reports"`
	Log       logger.Config   `yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	TLSCert           string        `yaml:"tls_cert"`
	TLSKey            string        `yaml:"tls_key"`
	ClientCA          string        `yaml:"client_ca"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	AgentToken       string        `yaml:"agent_token"`
	OpenRegistration bool          `yaml:"open_registration"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Type            string        `yaml:"type"` // memory, sqlite, mysql, postgres, redis, consul
	DSN             string        `yaml:"dsn"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	RedisPrefix     string        `yaml:"redis_prefix"`
	ConsulAddr      string        `yaml:"consul_addr"`
	ConsulPrefix    string        `yaml:"consul_prefix"`
}

type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	SubmitGrace time.Duration `yaml:"submit_grace"`
	Watchdog    time.Duration `yaml:"watchdog"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Workers     int           `yaml:"workers"`
	BatchSize   int           `yaml:"batch_size"`
}

type ExecutorConfig struct {
	Type       string   `yaml:"type"` // local, agent
	LocustBin  string   `yaml:"locust_bin"`
	LocustFile string   `yaml:"locust_file"`
	ResultsDir string   `yaml:"results_dir"`
	ExtraArgs  []string `yaml:"extra_args"`
}

type ReportsConfig struct {
	Store      string `yaml:"store"` // memory, sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// Default returns a configuration that runs with no external services.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret:        "change-me-secret",
			TokenTTL:         24 * time.Hour,
			OpenRegistration: true,
		},
		Store: StoreConfig{
			Type:            "memory",
			SQLitePath:      "data/loadgate.db",
			MaxIdleConns:    5,
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
			RedisAddr:       "127.0.0.1:6379",
			RedisPrefix:     "loadgate",
			ConsulAddr:      "127.0.0.1:8500",
			ConsulPrefix:    "loadgate/",
		},
		Scheduler: SchedulerConfig{
			Interval:    5 * time.Second,
			SubmitGrace: time.Minute,
			Watchdog:    10 * time.Minute,
			CallTimeout: 10 * time.Second,
			Workers:     4,
			BatchSize:   100,
		},
		Executor: ExecutorConfig{
			Type:       "local",
			LocustBin:  "locust",
			LocustFile: "locust/locustfile.py",
			ResultsDir: "results",
		},
		Reports: ReportsConfig{
			Store:      "memory",
			SQLitePath: "data/reports.db",
		},
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty), then environment overrides.
func Load(path string) (Config, error) {
	_ = loadDotEnv()
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the controller cannot run with.
func (c Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "mysql", "postgres", "redis", "consul":
	default:
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
	switch c.Executor.Type {
	case "local", "agent":
	default:
		return fmt.Errorf("unsupported executor type: %s", c.Executor.Type)
	}
	if c.Executor.Type == "local" && strings.TrimSpace(c.Executor.LocustBin) == "" {
		return fmt.Errorf("executor.locust_bin is required for the local executor")
	}
	switch c.Reports.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unsupported report store: %s", c.Reports.Store)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

func applyEnv(c *Config) error {
	setString(&c.Server.Addr, "LOADGATE_ADDR")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.JWTSecret, "LOADGATE_JWT_SECRET")
	setString(&c.Auth.AgentToken, "LOADGATE_AGENT_TOKEN")
	setString(&c.Store.Type, "LOADGATE_STORE")
	setString(&c.Store.DSN, "MYSQL_DSN")
	setString(&c.Store.DSN, "LOADGATE_DSN")
	setString(&c.Store.SQLitePath, "LOADGATE_SQLITE_PATH")
	setString(&c.Store.RedisAddr, "LOADGATE_REDIS_ADDR")
	setString(&c.Store.RedisPassword, "LOADGATE_REDIS_PASSWORD")
	setString(&c.Store.ConsulAddr, "LOADGATE_CONSUL_ADDR")
	setString(&c.Executor.Type, "LOADGATE_EXECUTOR")
	setString(&c.Executor.LocustBin, "LOADGATE_LOCUST_BIN")
	setString(&c.Executor.LocustFile, "LOADGATE_LOCUST_FILE")
	setString(&c.Reports.Store, "LOADGATE_REPORT_STORE")
	setString(&c.Log.Level, "LOADGATE_LOG_LEVEL")
	if err := setDuration(&c.Scheduler.Interval, "LOADGATE_SCHEDULER_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Scheduler.Watchdog, "LOADGATE_WATCHDOG"); err != nil {
		return err
	}
	if err := setDuration(&c.Auth.TokenTTL, "LOADGATE_TOKEN_TTL"); err != nil {
		return err
	}
	if v := os.Getenv("LOADGATE_SCHEDULER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOADGATE_SCHEDULER_WORKERS: %w", err)
		}
		c.Scheduler.Workers = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
