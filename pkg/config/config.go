// Package config loads the engine's configuration surface (§6) from a YAML
// file overlaid with environment variables, the same two-layer approach the
// teacher stack uses for its own service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ListenConfig controls the transport gateway's accept loop.
type ListenConfig struct {
	Address     string `json:"address" env:"LISTEN_ADDRESS"`
	WorkerCount int    `json:"worker_count" env:"LISTEN_WORKER_COUNT"`
	MaxMessageBytes int `json:"max_message_bytes" env:"LISTEN_MAX_MESSAGE_BYTES"`
}

// ReplicaEndpoint is one weighted read replica.
type ReplicaEndpoint struct {
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

// BackendConfig describes the key-value backend's master/replica topology.
type BackendConfig struct {
	Driver   string            `json:"driver" env:"BACKEND_DRIVER"` // "redis" or "memory"
	Master   string            `json:"master" env:"BACKEND_MASTER"`
	Replicas []ReplicaEndpoint `json:"replicas"`
	Password string            `json:"password" env:"BACKEND_PASSWORD"`
	DB       int               `json:"db" env:"BACKEND_DB"`
}

// LedgerConfig points the Table Manager's schema compatibility ledger (C10)
// at its relational side-store.
type LedgerConfig struct {
	DSN            string `json:"dsn" env:"LEDGER_DSN"`
	MigrationsPath string `json:"migrations_path" env:"LEDGER_MIGRATIONS_PATH"`
}

// RateBudget is one (max, window) pair; a connection must satisfy every
// configured budget simultaneously (§4.8).
type RateBudget struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

// ConnectionConfig controls per-connection limits (C8).
type ConnectionConfig struct {
	IdleTimeout           time.Duration `json:"idle_timeout" env:"CONN_IDLE_TIMEOUT"`
	MaxAnonymousPerIP     int           `json:"max_anonymous_per_ip" env:"CONN_MAX_ANON_PER_IP"`
	SendBudgets           []RateBudget  `json:"send_budgets"`
	RecvBudgets           []RateBudget  `json:"recv_budgets"`
	MaxRowSubscriptions   int           `json:"max_row_subscriptions" env:"CONN_MAX_ROW_SUBS"`
	MaxRangeSubscriptions int           `json:"max_range_subscriptions" env:"CONN_MAX_RANGE_SUBS"`
	ElevationSystem       string        `json:"elevation_system" env:"CONN_ELEVATION_SYSTEM"`
}

// RetryConfig bounds C6's commit-race retry loop.
type RetryConfig struct {
	InitialDelay time.Duration `json:"initial_delay" env:"RETRY_INITIAL_DELAY"`
	MaxDelay     time.Duration `json:"max_delay" env:"RETRY_MAX_DELAY"`
	Multiplier   float64       `json:"multiplier" env:"RETRY_MULTIPLIER"`
	Jitter       float64       `json:"jitter" env:"RETRY_JITTER"`
	Budget       time.Duration `json:"budget" env:"RETRY_BUDGET"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Address string `json:"address" env:"METRICS_ADDRESS"`
	Path    string `json:"path" env:"METRICS_PATH"`
}

// Config is the top-level configuration structure (§6).
type Config struct {
	Listen     ListenConfig     `json:"listen"`
	Backend    BackendConfig    `json:"backend"`
	Ledger     LedgerConfig     `json:"ledger"`
	Connection ConnectionConfig `json:"connection"`
	Retry      RetryConfig      `json:"retry"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:         "0.0.0.0:7700",
			WorkerCount:     4,
			MaxMessageBytes: 1 << 20,
		},
		Backend: BackendConfig{
			Driver: "memory",
			Master: "127.0.0.1:6379",
		},
		Ledger: LedgerConfig{
			MigrationsPath: "table/migrations",
		},
		Connection: ConnectionConfig{
			IdleTimeout:       120 * time.Second,
			MaxAnonymousPerIP: 8,
			SendBudgets: []RateBudget{
				{Max: 60, Window: time.Second},
				{Max: 1200, Window: time.Minute},
			},
			RecvBudgets: []RateBudget{
				{Max: 60, Window: time.Second},
				{Max: 1200, Window: time.Minute},
			},
			MaxRowSubscriptions:   256,
			MaxRangeSubscriptions: 64,
			ElevationSystem:       "login",
		},
		Retry: RetryConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0.2,
			Budget:       250 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "engine",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9700",
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
