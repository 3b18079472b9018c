package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), "", []string{"extra"}, &bytes.Buffer{})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true, "worker_state": "ready"})
	}))
	defer ts.Close()

	path := setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	code := runStatusCommand(context.Background(), path, nil, &out)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"worker_state":"ready"`) {
		t.Fatalf("non-terminal output should be raw JSON, got %q", out.String())
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	path := setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	code := runStatusCommand(context.Background(), path, nil, &out)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Fatalf("output should end with newline: %q", out.String())
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	path := setTestConfig(t, "127.0.0.1:1")

	code := runStatusCommand(context.Background(), path, nil, &bytes.Buffer{})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := setTestConfig(t, "127.0.0.1:8080")

	code := runStatusCommand(ctx, path, nil, &bytes.Buffer{})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

// setTestConfig writes a minimal config.yaml to a temp home and returns its
// path.
func setTestConfig(t *testing.T, addr string) string {
	t.Helper()
	home := isolateEnv(t)
	path := filepath.Join(home, "config.yaml")
	yaml := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
