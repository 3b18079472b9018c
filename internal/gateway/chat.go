package gateway

import (
	"context"
	"time"

	"github.com/basket/agentgate/internal/otel"
	"github.com/basket/agentgate/internal/persistence"
	"github.com/basket/agentgate/internal/shared"
	"github.com/basket/agentgate/internal/worker"
	"go.opentelemetry.io/otel/codes"
)

// recordTimeout bounds the outcome insert. It runs on its own deadline so a
// timed-out dispatch can still be recorded.
const recordTimeout = 10 * time.Second

// ChatResult is a successful chat outcome.
type ChatResult struct {
	Message string
	// Unrecorded is set when the agent turn could not be appended.
	Unrecorded bool
}

// Chat validates req, gates on worker readiness, records the human turn,
// dispatches to the worker and records exactly one outcome turn.
func (s *Server) Chat(ctx context.Context, req ChatRequest) (ChatResult, *ChatError) {
	start := time.Now()
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithSessionID(ctx, req.SessionID)
	ctx = shared.WithRequestID(ctx, req.RequestID)

	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway.chat",
		otel.AttrSessionID.String(req.SessionID),
		otel.AttrRequestID.String(req.RequestID),
	)
	defer span.End()

	result, cerr := s.chat(ctx, req)

	outcome := "success"
	if cerr != nil {
		outcome = string(cerr.Kind)
		span.SetStatus(codes.Error, cerr.Message)
	}
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	s.cfg.Metrics.ObserveRequest(ctx, outcome, time.Since(start))

	switch {
	case cerr == nil:
		s.logger.InfoContext(ctx, "chat completed", "elapsed", time.Since(start), "recorded", !result.Unrecorded)
	case cerr.Kind == KindInvalidRequest:
		s.logger.InfoContext(ctx, "chat rejected", "kind", cerr.Kind, "error", cerr.Message)
	default:
		attrs := []any{"kind", cerr.Kind, "error", cerr.Message, "persisted", cerr.Persisted, "elapsed", time.Since(start)}
		if cerr.cause != nil {
			attrs = append(attrs, "detail", shared.Summarize(cerr.cause.Error(), detailMaxLen))
		}
		s.logger.WarnContext(ctx, "chat failed", attrs...)
	}
	return result, cerr
}

func (s *Server) chat(ctx context.Context, req ChatRequest) (ChatResult, *ChatError) {
	if err := req.Validate(); err != nil {
		return ChatResult{}, invalidRequest(err)
	}

	if cerr := s.gate(ctx, req.RequestID); cerr != nil {
		return ChatResult{}, cerr
	}

	if err := s.record(ctx, humanTurn(req)); err != nil {
		return ChatResult{}, internalError(req.RequestID, err)
	}

	// From here on the request owes the log one outcome turn, so the rest
	// runs detached from client cancellation.
	resp, err := s.dispatch(context.WithoutCancel(ctx), req)

	recordCtx, cancel := worker.DetachedTimeout(ctx, recordTimeout)
	defer cancel()

	if err != nil {
		cerr := classifyWorkerError(req.RequestID, err)
		cerr.Persisted = s.record(recordCtx, failureTurn(req, cerr)) == nil
		return ChatResult{}, cerr
	}
	// A lost agent turn is logged and counted by record; the client still
	// gets the answer.
	if err := s.record(recordCtx, persistence.NewMessage{
		SessionID: req.SessionID,
		Role:      persistence.RoleAgent,
		Content:   resp.Message,
		Metadata:  map[string]any{"requestId": req.RequestID},
	}); err != nil {
		return ChatResult{Message: resp.Message, Unrecorded: true}, nil
	}
	return ChatResult{Message: resp.Message}, nil
}

// gate admits the request only when the worker is ready.
func (s *Server) gate(ctx context.Context, requestID string) *ChatError {
	ctx, span := otel.StartSpan(ctx, s.tracer, "gateway.gate")
	defer span.End()

	ready := s.cfg.Readiness.IsReady(ctx)
	if s.cfg.Supervisor != nil {
		span.SetAttributes(otel.AttrWorkerState.String(s.cfg.Supervisor.State().String()))
	}
	if ready {
		return nil
	}
	if s.cfg.Supervisor != nil && s.cfg.Supervisor.State().Terminal() {
		return terminal(requestID, s.cfg.Supervisor.Diagnostic())
	}
	return starting(requestID)
}

func (s *Server) dispatch(ctx context.Context, req ChatRequest) (worker.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "worker.agent")
	defer span.End()

	in := worker.Request{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Query:     req.Query,
	}
	if req.RepoURL != "" {
		repo := req.RepoURL
		in.GithubURL = &repo
	}

	start := time.Now()
	resp, err := s.cfg.Worker.Run(ctx, in)
	outcome := "success"
	if err != nil {
		outcome = string(classifyWorkerError(req.RequestID, err).Kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.cfg.Metrics.ObserveWorkerCall(ctx, outcome, time.Since(start))
	return resp, err
}

// record appends a turn. Failures are logged and counted here; callers only
// decide whether the failure changes the response.
func (s *Server) record(ctx context.Context, msg persistence.NewMessage) error {
	if _, err := s.cfg.Log.AppendMessage(ctx, msg); err != nil {
		s.cfg.Metrics.RecordFailed(ctx, string(msg.Role))
		s.logger.ErrorContext(ctx, "record turn failed", "role", msg.Role, "error", err)
		return err
	}
	s.cfg.Metrics.TurnRecorded(ctx, string(msg.Role))
	return nil
}

func humanTurn(req ChatRequest) persistence.NewMessage {
	meta := map[string]any{"requestId": req.RequestID}
	if req.RepoURL != "" {
		meta["repoUrl"] = req.RepoURL
	}
	return persistence.NewMessage{
		SessionID: req.SessionID,
		Role:      persistence.RoleHuman,
		Content:   req.Query,
		Metadata:  meta,
	}
}

func failureTurn(req ChatRequest, cerr *ChatError) persistence.NewMessage {
	meta := map[string]any{
		"error":     true,
		"requestId": req.RequestID,
		"kind":      string(cerr.Kind),
	}
	if cerr.Kind == KindWorkerTimeout {
		meta["timeout"] = true
	}
	if cerr.cause != nil {
		meta["detail"] = shared.Summarize(cerr.cause.Error(), detailMaxLen)
	}
	return persistence.NewMessage{
		SessionID: req.SessionID,
		Role:      persistence.RoleAgent,
		Content:   failureContent,
		Metadata:  meta,
	}
}
