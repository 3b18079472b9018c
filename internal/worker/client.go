// Package worker is the HTTP client for the agent worker's /health and /agent
// endpoints.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "http://127.0.0.1:8001"
	DefaultHealthPath = "/health"
	DefaultAgentPath  = "/agent"

	maxResponseBytes = 4 << 20
)

var (
	// ErrUnreachable means the worker could not be reached at all.
	ErrUnreachable = errors.New("worker unreachable")
	// ErrTimeout means the worker did not answer within the call deadline.
	ErrTimeout = errors.New("worker timed out")
)

// ApplicationError is a structured failure reported by a reachable worker:
// success=false, a non-2xx status, or an unparseable body.
type ApplicationError struct {
	StatusCode int
	Detail     string
}

func (e *ApplicationError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("worker returned status %d: %s", e.StatusCode, e.Detail)
	}
	return "worker reported failure: " + e.Detail
}

// Request is the /agent body. GithubURL is encoded as null when absent.
type Request struct {
	SessionID string  `json:"session_id"`
	RequestID string  `json:"request_id"`
	Query     string  `json:"query"`
	GithubURL *string `json:"github_url"`
}

// Response is the /agent reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Config struct {
	BaseURL    string
	HealthPath string
	AgentPath  string
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to one worker. Deadlines come from the caller's context; the
// http.Client itself has no timeout so probe and dispatch budgets stay
// independent.
type Client struct {
	base       string
	healthPath string
	agentPath  string
	http       *http.Client
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = DefaultHealthPath
	}
	agentPath := cfg.AgentPath
	if agentPath == "" {
		agentPath = DefaultAgentPath
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		base:       base,
		healthPath: healthPath,
		agentPath:  agentPath,
		http:       &http.Client{Transport: transport},
	}
}

func (c *Client) BaseURL() string {
	return c.base
}

// Health performs one GET on the health endpoint. Only a 200 counts as healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+c.healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return &ApplicationError{StatusCode: resp.StatusCode, Detail: "health check failed"}
	}
	return nil
}

// Run dispatches one agent request. A nil error means the worker reported
// success; failures are ErrUnreachable, ErrTimeout (both wrapped) or
// *ApplicationError.
func (c *Client) Run(ctx context.Context, in Request) (Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Response{}, fmt.Errorf("encode agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+c.agentPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", in.RequestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, classifyTransport(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &ApplicationError{StatusCode: resp.StatusCode, Detail: bodyDetail(raw)}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &ApplicationError{StatusCode: resp.StatusCode, Detail: "malformed worker response: " + err.Error()}
	}
	if !out.Success {
		detail := out.Error
		if detail == "" {
			detail = "worker reported failure without detail"
		}
		return out, &ApplicationError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return out, nil
}

// bodyDetail extracts an error string from a non-2xx body, preferring the
// JSON error or detail fields.
func bodyDetail(raw []byte) string {
	var probe struct {
		Error  string `json:"error"`
		Detail any    `json:"detail"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		if probe.Error != "" {
			return probe.Error
		}
		if s, ok := probe.Detail.(string); ok && s != "" {
			return s
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "empty response body"
	}
	return text
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// DetachedTimeout returns a context that keeps ctx's values but ignores its
// cancellation, bounded by d.
func DetachedTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
