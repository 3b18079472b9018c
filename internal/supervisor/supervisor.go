// Package supervisor owns the lifecycle of the backend agent worker process.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentgate/internal/bus"
	"github.com/basket/agentgate/internal/shared"
)

// State is the worker lifecycle state.
type State int32

const (
	NotStarted State = iota
	Launching
	Ready
	Failed
	Crashed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Launching:
		return "launching"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen. There is no
// auto-restart, so Failed and Crashed are permanent for the process lifetime.
func (s State) Terminal() bool {
	return s == Failed || s == Crashed
}

const (
	defaultTailLines = 50
	maxLineBytes     = 1 << 20
	killGrace        = 2 * time.Second
	// outputDrainDelay bounds how long Wait keeps reading output after the
	// worker has exited.
	outputDrainDelay = 500 * time.Millisecond
)

// Publisher receives worker state transitions.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Config describes how to run the worker. An empty Command selects external
// mode: the worker is managed elsewhere and only probed over HTTP.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the inherited environment. Values are expanded
	// with os.ExpandEnv.
	Env       map[string]string
	TailLines int
	Logger    *slog.Logger
	Publisher Publisher
}

// Supervisor launches the worker and tracks its state. It is the only writer
// of the state; everyone else reads it through State.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	state    atomic.Int32
	stopping atomic.Bool

	mu         sync.Mutex
	cmd        *exec.Cmd
	tail       []string
	diagnostic string
	exitCode   int
	exited     bool

	done chan struct{}
}

func New(cfg Config) *Supervisor {
	if cfg.TailLines <= 0 {
		cfg.TailLines = defaultTailLines
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		done:   make(chan struct{}),
	}
}

// External reports whether the supervisor runs without a child process.
func (s *Supervisor) External() bool {
	return s.cfg.Command == ""
}

// Launch starts the worker. Calls after the first are no-ops. A start failure
// moves the worker to Failed and is also returned.
func (s *Supervisor) Launch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.transition(NotStarted, Launching) {
		return nil
	}
	if s.External() {
		s.logger.Info("no worker command configured; expecting an externally managed worker")
		return nil
	}

	// exec.Command rather than CommandContext: the worker outlives the
	// launch context and is torn down by Stop.
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.environ()

	// Writers rather than pipes: Wait returns once the worker exits even if
	// a grandchild still holds the output descriptors open.
	stdout := s.newLineWriter("stdout")
	stderr := s.newLineWriter("stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputDrainDelay
	if err := cmd.Start(); err != nil {
		return s.startFailed(fmt.Errorf("start worker %q: %w", s.cfg.Command, err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.logger.Info("worker launched", "command", s.cfg.Command, "pid", cmd.Process.Pid)
	s.logEnv()

	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		if errors.Is(err, exec.ErrWaitDelay) {
			s.logger.Warn("worker output still open after exit; stopped reading")
			err = nil
		}
		s.OnExit(exitCode(err))
		close(s.done)
	}()
	return nil
}

// logEnv logs the extra worker environment with secret-looking values masked.
func (s *Supervisor) logEnv() {
	if len(s.cfg.Env) == 0 {
		return
	}
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, shared.RedactEnvValue(k, s.cfg.Env[k])))
	}
	s.logger.Debug("worker environment", slog.Group("env", attrs...))
}

func (s *Supervisor) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(s.cfg.Env[k])))
	}
	return env
}

func (s *Supervisor) startFailed(err error) error {
	s.setDiagnostic(err.Error())
	s.transition(Launching, Failed)
	s.logger.Error("worker failed to start", "error", err)
	close(s.done)
	return err
}

// lineWriter splits worker output into lines for the log and the tail.
type lineWriter struct {
	s      *Supervisor
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (s *Supervisor) newLineWriter(stream string) *lineWriter {
	return &lineWriter{s: s, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := strings.TrimSuffix(string(b), "\r")
	w.s.logger.Info("worker output", "stream", w.stream, "line", line)
	w.s.appendTail(line)
}

func (s *Supervisor) appendTail(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line)
	if over := len(s.tail) - s.cfg.TailLines; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// OnExit records a worker exit: Ready becomes Crashed and Launching becomes
// Failed. Other states are left alone.
func (s *Supervisor) OnExit(code int) {
	s.mu.Lock()
	s.exitCode = code
	s.exited = true
	last := ""
	if n := len(s.tail); n > 0 {
		last = s.tail[n-1]
	}
	s.mu.Unlock()

	diag := fmt.Sprintf("worker exited with code %d", code)
	if last != "" {
		diag += ": " + last
	}

	for {
		cur := s.State()
		var next State
		switch cur {
		case Launching:
			next = Failed
		case Ready:
			next = Crashed
		default:
			return
		}
		s.setDiagnostic(diag)
		if !s.transition(cur, next) {
			// Lost a race with MarkReady; re-read and retry.
			continue
		}
		switch {
		case s.stopping.Load():
			s.logger.Info("worker stopped", "exit_code", code)
		case next == Crashed:
			s.logger.Error("worker crashed", "exit_code", code, "diagnostic", diag, "output_tail", s.Tail())
		default:
			s.logger.Error("worker exited before becoming ready", "exit_code", code, "diagnostic", diag, "output_tail", s.Tail())
		}
		return
	}
}

// MarkReady moves Launching to Ready. It reports whether this call performed
// the transition.
func (s *Supervisor) MarkReady() bool {
	if !s.transition(Launching, Ready) {
		return false
	}
	s.logger.Info("worker ready")
	return true
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Diagnostic returns the last failure description, or "".
func (s *Supervisor) Diagnostic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diagnostic
}

// ExitCode returns the worker's exit code once it has exited.
func (s *Supervisor) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

// Tail returns a copy of the most recent output lines.
func (s *Supervisor) Tail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tail))
	copy(out, s.tail)
	return out
}

// Done is closed once a launched worker has exited and its exit has been
// recorded. It never closes in external mode.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop interrupts the worker and waits for it to exit until ctx is done,
// then kills it.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}

	s.stopping.Store(true)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("worker did not exit after interrupt; killing", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	select {
	case <-s.done:
	case <-time.After(killGrace):
	}
	return fmt.Errorf("stop worker: %w", ctx.Err())
}

func (s *Supervisor) setDiagnostic(diag string) {
	s.mu.Lock()
	s.diagnostic = diag
	s.mu.Unlock()
}

func (s *Supervisor) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(bus.TopicWorkerState, bus.WorkerStateEvent{
			From:       from.String(),
			To:         to.String(),
			Diagnostic: s.Diagnostic(),
		})
	}
	return true
}
