package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentgate/internal/bus"
	"github.com/basket/agentgate/internal/gateway"
	"github.com/basket/agentgate/internal/persistence"
	"github.com/basket/agentgate/internal/readiness"
	"github.com/basket/agentgate/internal/supervisor"
	"github.com/basket/agentgate/internal/worker"
)

// fakeWorker is an in-process stand-in for the agent worker's HTTP API.
type fakeWorker struct {
	srv          *httptest.Server
	healthStatus atomic.Int32
	agentHits    atomic.Int32

	mu       sync.Mutex
	agent    http.HandlerFunc
	requests []worker.Request
}

func newFakeWorker(t *testing.T, agent http.HandlerFunc) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{agent: agent}
	fw.healthStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(fw.healthStatus.Load()))
	})
	mux.HandleFunc("POST /agent", func(w http.ResponseWriter, r *http.Request) {
		fw.agentHits.Add(1)
		body, _ := io.ReadAll(r.Body)
		var req worker.Request
		_ = json.Unmarshal(body, &req)
		fw.mu.Lock()
		fw.requests = append(fw.requests, req)
		handler := fw.agent
		fw.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
	})
	fw.srv = httptest.NewServer(mux)
	t.Cleanup(fw.srv.Close)
	return fw
}

func (fw *fakeWorker) lastRequest(t *testing.T) worker.Request {
	t.Helper()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.requests) == 0 {
		t.Fatal("worker received no /agent request")
	}
	return fw.requests[len(fw.requests)-1]
}

func replyJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

type harness struct {
	ts     *httptest.Server
	server *gateway.Server
	store  *persistence.Store
	worker *fakeWorker
	sup    *supervisor.Supervisor
	bus    *bus.Bus
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a gateway to a real SQLite log, an external-mode
// supervisor, a real prober and a fake worker.
func newHarness(t *testing.T, agent http.HandlerFunc, opts ...func(*gateway.Config)) *harness {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.OpenSQLite(filepath.Join(t.TempDir(), "agentgate.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fw := newFakeWorker(t, agent)
	sup := supervisor.New(supervisor.Config{Logger: discardLogger(), Publisher: eventBus})
	if err := sup.Launch(context.Background()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	client := worker.NewClient(worker.Config{BaseURL: fw.srv.URL})
	prober := readiness.New(sup, client, readiness.Config{Timeout: 500 * time.Millisecond, Logger: discardLogger()})

	cfg := gateway.Config{
		Log:             store,
		Readiness:       prober,
		Supervisor:      sup,
		Worker:          client,
		Bus:             eventBus,
		Logger:          discardLogger(),
		DispatchTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, server: srv, store: store, worker: fw, sup: sup, bus: eventBus}
}

func (h *harness) postChat(t *testing.T, body any) (*http.Response, map[string]any) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	resp, err := http.Post(h.ts.URL+"/chat", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	return resp, decodeJSON(t, resp)
}

func (h *harness) history(t *testing.T, sessionID string) []persistence.Message {
	t.Helper()
	items, err := h.store.ListMessages(context.Background(), sessionID, persistence.MaxListLimit)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return items
}

// decodeJSON reads and decodes the response body into a map.
func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode response %q: %v", body, err)
	}
	return out
}

func metadata(t *testing.T, m persistence.Message) map[string]any {
	t.Helper()
	if len(m.Metadata) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(m.Metadata, &out); err != nil {
		t.Fatalf("decode metadata %s: %v", m.Metadata, err)
	}
	return out
}

// flakyLog wraps a Log and fails selected appends.
type flakyLog struct {
	persistence.Log
	calls  atomic.Int32
	failOn map[int32]bool
}

var errStoreDown = errors.New("store down")

func (f *flakyLog) AppendMessage(ctx context.Context, msg persistence.NewMessage) (persistence.Message, error) {
	n := f.calls.Add(1)
	if f.failOn[n] {
		return persistence.Message{}, errStoreDown
	}
	return f.Log.AppendMessage(ctx, msg)
}

// staticReadiness reports a fixed answer.
type staticReadiness bool

func (r staticReadiness) IsReady(context.Context) bool { return bool(r) }

// terminalWorker reports a worker that has already failed.
type terminalWorker struct {
	state      supervisor.State
	diagnostic string
}

func (w terminalWorker) State() supervisor.State { return w.state }
func (w terminalWorker) Diagnostic() string      { return w.diagnostic }
