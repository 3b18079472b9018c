package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentgate/internal/otel"
	"gopkg.in/yaml.v3"
)

// WorkerConfig describes the supervised agent worker and how to reach it.
type WorkerConfig struct {
	// Command is the worker executable. Empty means the worker is managed
	// outside the gateway and only probed.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`

	URL        string `yaml:"url"`
	HealthPath string `yaml:"health_path"`
	AgentPath  string `yaml:"agent_path"`

	ProbeTimeoutMs         int `yaml:"probe_timeout_ms"`
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`
	WarmupAttempts         int `yaml:"warmup_attempts"`
	WarmupIntervalMs       int `yaml:"warmup_interval_ms"`
	StopTimeoutSeconds     int `yaml:"stop_timeout_seconds"`
	OutputTailLines        int `yaml:"output_tail_lines"`
}

func (w WorkerConfig) ProbeTimeout() time.Duration {
	return time.Duration(w.ProbeTimeoutMs) * time.Millisecond
}

func (w WorkerConfig) DispatchTimeout() time.Duration {
	return time.Duration(w.DispatchTimeoutSeconds) * time.Second
}

func (w WorkerConfig) WarmupInterval() time.Duration {
	return time.Duration(w.WarmupIntervalMs) * time.Millisecond
}

func (w WorkerConfig) StopTimeout() time.Duration {
	return time.Duration(w.StopTimeoutSeconds) * time.Second
}

// StoreConfig selects the message log backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres". Empty picks postgres when DSN is set.
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	// Path is the config file that was loaded, whether or not it existed.
	Path string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Worker WorkerConfig `yaml:"worker"`
	Store  StoreConfig  `yaml:"store"`
	CORS   CORSConfig   `yaml:"cors"`

	Telemetry otel.Config `yaml:"telemetry"`

	// MaxBodyBytes bounds inbound request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

const (
	defaultBindAddr        = "127.0.0.1:8080"
	defaultWorkerURL       = "http://127.0.0.1:8001"
	defaultMaxBodyBytes    = 1 << 20
	defaultDispatchTimeout = 120
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape request
// handling. It is logged at startup and on reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|worker=%s|url=%s|probe=%d|dispatch=%d|store=%s|cors=%v|origins=%v",
		c.BindAddr, c.LogLevel, c.Worker.Command, c.Worker.URL, c.Worker.ProbeTimeoutMs,
		c.Worker.DispatchTimeoutSeconds, c.Store.Driver, c.CORS.Enabled, c.CORS.AllowedOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: defaultBindAddr,
		LogLevel: "info",
		Worker: WorkerConfig{
			URL:                    defaultWorkerURL,
			HealthPath:             "/health",
			AgentPath:              "/agent",
			ProbeTimeoutMs:         2000,
			DispatchTimeoutSeconds: defaultDispatchTimeout,
			WarmupAttempts:         30,
			WarmupIntervalMs:       500,
			StopTimeoutSeconds:     5,
			OutputTailLines:        50,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		MaxBodyBytes:           defaultMaxBodyBytes,
		ShutdownTimeoutSeconds: 10,
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentgate")
}

// Load reads config.yaml from the home directory, or from path when it is
// non-empty. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentgate home: %w", err)
	}

	if path == "" {
		path = ConfigPath(cfg.HomeDir)
	}
	cfg.Path = path
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Worker.URL == "" {
		cfg.Worker.URL = d.Worker.URL
	}
	cfg.Worker.URL = strings.TrimRight(cfg.Worker.URL, "/")
	if cfg.Worker.HealthPath == "" {
		cfg.Worker.HealthPath = d.Worker.HealthPath
	}
	if cfg.Worker.AgentPath == "" {
		cfg.Worker.AgentPath = d.Worker.AgentPath
	}
	if cfg.Worker.ProbeTimeoutMs <= 0 {
		cfg.Worker.ProbeTimeoutMs = d.Worker.ProbeTimeoutMs
	}
	if cfg.Worker.DispatchTimeoutSeconds <= 0 {
		cfg.Worker.DispatchTimeoutSeconds = d.Worker.DispatchTimeoutSeconds
	}
	if cfg.Worker.WarmupAttempts <= 0 {
		cfg.Worker.WarmupAttempts = d.Worker.WarmupAttempts
	}
	if cfg.Worker.WarmupIntervalMs <= 0 {
		cfg.Worker.WarmupIntervalMs = d.Worker.WarmupIntervalMs
	}
	if cfg.Worker.StopTimeoutSeconds <= 0 {
		cfg.Worker.StopTimeoutSeconds = d.Worker.StopTimeoutSeconds
	}
	if cfg.Worker.OutputTailLines <= 0 {
		cfg.Worker.OutputTailLines = d.Worker.OutputTailLines
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.HomeDir, "agentgate.db")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = d.ShutdownTimeoutSeconds
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q (supported: debug, info, warn, error)", cfg.LogLevel)
	}
	switch cfg.Store.Driver {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires store.dsn or DATABASE_URL", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q (supported: sqlite, postgres)", cfg.Store.Driver)
	}
	if !strings.HasPrefix(cfg.Worker.URL, "http://") && !strings.HasPrefix(cfg.Worker.URL, "https://") {
		return fmt.Errorf("worker.url %q must be an http(s) URL", cfg.Worker.URL)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTGATE_WORKER_URL"); raw != "" {
		cfg.Worker.URL = raw
	}
	if fields := strings.Fields(os.Getenv("AGENTGATE_WORKER_COMMAND")); len(fields) > 0 {
		cfg.Worker.Command = fields[0]
		cfg.Worker.Args = fields[1:]
	}
	if raw := os.Getenv("AGENTGATE_DISPATCH_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.DispatchTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.Store.DSN = raw
	}
}
