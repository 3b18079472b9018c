// Package readiness decides whether the worker can take traffic.
package readiness

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/agentgate/internal/otel"
	"github.com/basket/agentgate/internal/supervisor"
	"golang.org/x/sync/singleflight"
)

const DefaultProbeTimeout = 2 * time.Second

// Supervisor is the part of the worker supervisor the prober needs.
type Supervisor interface {
	State() supervisor.State
	MarkReady() bool
}

// HealthChecker performs one health request against the worker.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// Prober answers readiness with a sticky-positive cache: once a probe has
// succeeded it never probes again.
type Prober struct {
	sup     Supervisor
	health  HealthChecker
	timeout time.Duration
	logger  *slog.Logger
	metrics *otel.Metrics

	ready atomic.Bool
	group singleflight.Group
}

func New(sup Supervisor, health HealthChecker, cfg Config) *Prober {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		sup:     sup,
		health:  health,
		timeout: timeout,
		logger:  logger.With("component", "readiness"),
		metrics: cfg.Metrics,
	}
}

// IsReady reports whether the worker is usable. It performs at most one
// bounded health probe per call, shared among concurrent callers, and never
// returns an error.
func (p *Prober) IsReady(ctx context.Context) bool {
	st := p.sup.State()
	if st == supervisor.NotStarted || st.Terminal() {
		return false
	}
	if p.ready.Load() {
		return true
	}

	// The probe outlives any single caller so a canceled request does not
	// abort it for the others.
	ch := p.group.DoChan("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.probe(probeCtx), nil
	})
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok && !p.sup.State().Terminal()
	case <-ctx.Done():
		return false
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	start := time.Now()
	err := p.health.Health(ctx)
	p.metrics.ObserveProbe(ctx, err == nil, time.Since(start))
	if err != nil {
		p.logger.Debug("worker health probe failed", "error", err, "elapsed", time.Since(start))
		return false
	}
	// The supervisor moves to Ready before the flag is cached, so IsReady
	// never reports true while the state still says Launching.
	p.sup.MarkReady()
	if p.ready.CompareAndSwap(false, true) {
		p.logger.Info("worker health probe succeeded", "elapsed", time.Since(start))
	}
	return true
}

// WarmUp probes up to attempts times with exponential backoff starting at
// interval and capped at four times interval. It stops early once the worker
// is ready, the supervisor is terminal, or ctx is done. It is meant for
// startup only; the request path uses IsReady.
func (p *Prober) WarmUp(ctx context.Context, attempts int, interval time.Duration) bool {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	maxDelay := 4 * interval
	delay := interval
	for i := 0; i < attempts; i++ {
		if p.IsReady(ctx) {
			return true
		}
		if st := p.sup.State(); st.Terminal() {
			p.logger.Warn("warm-up stopped: worker is in a terminal state", "state", st.String())
			return false
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	p.logger.Warn("worker not ready after warm-up", "attempts", attempts)
	return false
}
