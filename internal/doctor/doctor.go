// Package doctor runs local diagnostics for an agentgate install.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/agentgate/internal/config"
	"github.com/basket/agentgate/internal/persistence"
	"github.com/basket/agentgate/internal/worker"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

const workerCheckTimeout = 3 * time.Second

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkWorkerCommand,
		checkWorkerHealth,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config file, using defaults", Detail: cfg.Path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.Path), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(ctx, storeConfig(cfg), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: "driver=" + storeDriver(cfg)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkWorkerCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Worker Command", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Worker.Command == "" {
		return CheckResult{Name: "Worker Command", Status: "SKIP", Message: "No command configured (external worker)"}
	}
	path, err := exec.LookPath(cfg.Worker.Command)
	if err != nil {
		return CheckResult{Name: "Worker Command", Status: "FAIL", Message: fmt.Sprintf("%s not found", cfg.Worker.Command), Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Worker Command",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %s", path),
		Detail:  strings.Join(append([]string{cfg.Worker.Command}, cfg.Worker.Args...), " "),
	}
}

// checkWorkerHealth probes the worker once. An unhealthy worker is only a
// warning since the gateway normally launches it.
func checkWorkerHealth(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Worker Health", Status: "SKIP", Message: "Config missing"}
	}
	client := worker.NewClient(worker.Config{
		BaseURL:    cfg.Worker.URL,
		HealthPath: cfg.Worker.HealthPath,
		AgentPath:  cfg.Worker.AgentPath,
	})

	probeCtx, cancel := context.WithTimeout(ctx, workerCheckTimeout)
	defer cancel()

	start := time.Now()
	err := client.Health(probeCtx)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Worker Health",
			Status:  "WARN",
			Message: fmt.Sprintf("Worker at %s not healthy", client.BaseURL()),
			Detail:  fmt.Sprintf("error=%v, latency=%dms", err, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Worker Health",
		Status:  "PASS",
		Message: fmt.Sprintf("Worker at %s healthy (%dms)", client.BaseURL(), latency.Milliseconds()),
	}
}

func storeConfig(cfg *config.Config) persistence.OpenConfig {
	return persistence.OpenConfig{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Store.MaxConns,
	}
}

func storeDriver(cfg *config.Config) string {
	if cfg.Store.Driver != "" {
		return cfg.Store.Driver
	}
	if cfg.Store.DSN != "" {
		return persistence.DriverPostgres
	}
	return persistence.DriverSQLite
}
