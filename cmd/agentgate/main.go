package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentgate/internal/bus"
	"github.com/basket/agentgate/internal/config"
	"github.com/basket/agentgate/internal/gateway"
	otelPkg "github.com/basket/agentgate/internal/otel"
	"github.com/basket/agentgate/internal/persistence"
	"github.com/basket/agentgate/internal/readiness"
	"github.com/basket/agentgate/internal/supervisor"
	"github.com/basket/agentgate/internal/telemetry"
	"github.com/basket/agentgate/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                  Run the gateway (supervises the worker when
                              worker.command is configured)

SUBCOMMANDS:
  %s status                   Show gateway health (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTGATE_HOME                      Data directory (default: ~/.agentgate)
  AGENTGATE_BIND_ADDR                 Listen address (default: 127.0.0.1:8080)
  AGENTGATE_WORKER_URL                Worker base URL (default: http://127.0.0.1:8001)
  AGENTGATE_WORKER_COMMAND            Worker command line to supervise
  AGENTGATE_DISPATCH_TIMEOUT_SECONDS  Per-request worker timeout
  DATABASE_URL                        PostgreSQL DSN (selects the postgres store)
`)
}

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (default: $AGENTGATE_HOME/config.yaml)")
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, *configPath, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *configPath, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "path", cfg.Path, "fingerprint", cfg.Fingerprint())
	warnOpenBind(logger, cfg)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w: port in use, stop the other process or change bind_addr", err))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	if err := serve(ctx, cfg, ln, logger, level); err != nil {
		fatalStartup(logger, "E_SERVE", err)
	}
}

// serve wires the gateway and blocks until ctx is done or the listener
// fails, then shuts everything down in order.
func serve(ctx context.Context, cfg config.Config, ln net.Listener, logger *slog.Logger, level *slog.LevelVar) error {
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled).
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(flushCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(ctx, persistence.OpenConfig{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Store.MaxConns,
	}, eventBus)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	stateSub := eventBus.Subscribe(bus.TopicWorkerState)
	defer eventBus.Unsubscribe(stateSub)
	go countWorkerTransitions(ctx, stateSub, metrics)

	sup := supervisor.New(supervisor.Config{
		Command:   cfg.Worker.Command,
		Args:      cfg.Worker.Args,
		Dir:       cfg.Worker.Dir,
		Env:       cfg.Worker.Env,
		TailLines: cfg.Worker.OutputTailLines,
		Logger:    logger,
		Publisher: eventBus,
	})
	// A launch failure leaves the worker Failed; the gateway keeps serving
	// so clients get the diagnostic instead of a refused connection.
	if err := sup.Launch(ctx); err != nil {
		logger.Error("worker launch failed", "error", err)
	}

	client := worker.NewClient(worker.Config{
		BaseURL:    cfg.Worker.URL,
		HealthPath: cfg.Worker.HealthPath,
		AgentPath:  cfg.Worker.AgentPath,
		Transport:  otelProvider.HTTPTransport(nil),
	})
	prober := readiness.New(sup, client, readiness.Config{
		Timeout: cfg.Worker.ProbeTimeout(),
		Logger:  logger,
		Metrics: metrics,
	})
	go func() {
		if prober.WarmUp(ctx, cfg.Worker.WarmupAttempts, cfg.Worker.WarmupInterval()) {
			logger.Info("startup phase", "phase", "worker_ready", "url", client.BaseURL())
		} else if ctx.Err() == nil {
			logger.Warn("worker not ready after warm-up; requests will probe on demand",
				"url", client.BaseURL(), "state", sup.State().String())
		}
	}()

	gw, err := gateway.New(gateway.Config{
		Log:               store,
		Readiness:         prober,
		Supervisor:        sup,
		Worker:            client,
		Bus:               eventBus,
		Logger:            logger,
		Telemetry:         otelProvider,
		Metrics:           metrics,
		DispatchTimeout:   cfg.Worker.DispatchTimeout(),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		CORS:              cfg.CORS,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		_ = ln.Close()
		stopWorker(sup, cfg, logger)
		return err
	}

	watchConfig(ctx, cfg, level, logger)

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		runErr = err
	}

	// Stop intake first so no request is dispatched to a stopping worker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	stopWorker(sup, cfg, logger)
	logger.Info("shutdown complete")
	return runErr
}

// countWorkerTransitions feeds worker state changes into the transitions
// counter until ctx is done or sub is closed.
func countWorkerTransitions(ctx context.Context, sub *bus.Subscription, metrics *otelPkg.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if st, ok := ev.Payload.(bus.WorkerStateEvent); ok {
				metrics.WorkerTransition(ctx, st.To)
			}
		}
	}
}

func stopWorker(sup *supervisor.Supervisor, cfg config.Config, logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StopTimeout())
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		logger.Warn("worker stop", "error", err)
	}
}

// watchConfig applies log level changes live. Anything else in the file
// needs a restart, which is logged.
func watchConfig(ctx context.Context, cfg config.Config, level *slog.LevelVar, logger *slog.Logger) {
	w := config.NewWatcher(cfg.Path, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "path", cfg.Path, "error", err)
		return
	}
	go func() {
		current := cfg
		for range w.Events() {
			current = reloadConfig(current, level, logger)
		}
	}()
}

// reloadConfig re-reads the config file and returns the config now in
// effect. Only the log level is applied from the new file.
func reloadConfig(current config.Config, level *slog.LevelVar, logger *slog.Logger) config.Config {
	next, err := config.Load(current.Path)
	if err != nil {
		logger.Error("config reload failed; keeping previous config", "path", current.Path, "error", err)
		return current
	}
	if next.LogLevel != current.LogLevel {
		level.Set(telemetry.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "from", current.LogLevel, "to", next.LogLevel)
	}

	applied := current
	applied.LogLevel = next.LogLevel
	if applied.Fingerprint() != next.Fingerprint() {
		logger.Warn("config changed; restart required to apply",
			"running", applied.Fingerprint(), "on_disk", next.Fingerprint())
	}
	return applied
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if loopback || !cfg.CORS.Enabled {
		return
	}
	for _, o := range cfg.CORS.AllowedOrigins {
		if o == "*" {
			logger.Warn("cors allows any origin on a non-loopback bind", "bind_addr", cfg.BindAddr)
			return
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// existing environment. A missing file is ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	applyDotEnv(f)
}

func applyDotEnv(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
