// Package gateway is the HTTP front of agentgate: it validates chat
// requests, gates them on worker readiness, proxies them to the worker and
// records every turn in the message log.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/agentgate/internal/bus"
	"github.com/basket/agentgate/internal/config"
	"github.com/basket/agentgate/internal/otel"
	"github.com/basket/agentgate/internal/persistence"
	"github.com/basket/agentgate/internal/shared"
	"github.com/basket/agentgate/internal/supervisor"
	"github.com/basket/agentgate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDispatchTimeout = 120 * time.Second
	defaultMaxBodyBytes    = 1 << 20
	healthPingTimeout      = 2 * time.Second
)

// Readiness answers whether the worker can take a request right now.
type Readiness interface {
	IsReady(ctx context.Context) bool
}

// WorkerState exposes the supervisor's view of the worker.
type WorkerState interface {
	State() supervisor.State
	Diagnostic() string
}

// Dispatcher sends one request to the worker.
type Dispatcher interface {
	Run(ctx context.Context, req worker.Request) (worker.Response, error)
}

type Config struct {
	Log        persistence.Log
	Readiness  Readiness
	Supervisor WorkerState
	Worker     Dispatcher
	Bus        *bus.Bus

	Logger    *slog.Logger
	Telemetry *otel.Provider
	Metrics   *otel.Metrics

	// DispatchTimeout bounds one /agent call. Zero means 120s.
	DispatchTimeout time.Duration
	// MaxBodyBytes bounds inbound bodies. Zero means 1 MiB.
	MaxBodyBytes int64

	CORS config.CORSConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg             Config
	logger          *slog.Logger
	tracer          trace.Tracer
	validator       *requestValidator
	dispatchTimeout time.Duration
	maxBodyBytes    int64
}

func New(cfg Config) (*Server, error) {
	if cfg.Log == nil || cfg.Readiness == nil || cfg.Worker == nil {
		return nil, errors.New("gateway: Log, Readiness and Worker are required")
	}
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = otel.Noop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:             cfg,
		logger:          logger.With("component", "gateway"),
		tracer:          cfg.Telemetry.Tracer,
		validator:       validator,
		dispatchTimeout: cfg.DispatchTimeout,
		maxBodyBytes:    cfg.MaxBodyBytes,
	}
	if s.dispatchTimeout <= 0 {
		s.dispatchTimeout = defaultDispatchTimeout
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = defaultMaxBodyBytes
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /messages/{sessionId}", s.handleMessages)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/sessions/{sessionId}", s.handleSessionStream)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.maxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = traceMiddleware(h)
	return s.cfg.Telemetry.HTTPHandler(h, "agentgate")
}

// traceMiddleware assigns each request a trace id, reusing X-Trace-ID when
// the caller sends one.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if id == "" || len(id) > maxIDLength {
			id = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), id)))
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("invalid request: body exceeds %d bytes", tooLarge.Limit)
		} else {
			err = fmt.Errorf("invalid request: read body: %v", err)
		}
		s.reject(w, r, err)
		return
	}
	req, err := s.validator.Decode(body)
	if err != nil {
		s.reject(w, r, err)
		return
	}

	result, cerr := s.Chat(r.Context(), req)
	if cerr != nil {
		s.writeChatError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: result.Message})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.InfoContext(r.Context(), "chat rejected", "kind", KindInvalidRequest, "error", err)
	s.cfg.Metrics.ObserveRequest(r.Context(), string(KindInvalidRequest), 0)
	s.writeChatError(w, invalidRequest(err))
}

func (s *Server) writeChatError(w http.ResponseWriter, cerr *ChatError) {
	if cerr.Retryable() && cerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(cerr.RetryAfter))
	}
	writeJSON(w, cerr.Status, errorEnvelope(cerr))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "sessionId is required", Kind: KindInvalidRequest})
		return
	}
	limit := persistence.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "limit must be a positive integer", Kind: KindInvalidRequest})
			return
		}
		limit = min(n, persistence.MaxListLimit)
	}

	items, err := s.cfg.Log.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list messages failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "failed to read messages", Kind: KindInternal})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	storeOK := s.cfg.Log.Ping(ctx) == nil
	state := supervisor.NotStarted
	diagnostic := ""
	if s.cfg.Supervisor != nil {
		state = s.cfg.Supervisor.State()
		if state.Terminal() {
			diagnostic = shared.Summarize(s.cfg.Supervisor.Diagnostic(), diagnosticMaxLen)
		}
	}

	payload := map[string]any{
		"healthy":            storeOK,
		"store_ok":           storeOK,
		"worker_state":       state.String(),
		"worker_ready":       state == supervisor.Ready,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if diagnostic != "" {
		payload["worker_diagnostic"] = diagnostic
	}
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
