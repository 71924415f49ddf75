package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cogni/internal/logger"
	"cogni/internal/pubsub"
	"cogni/internal/run"
)

// runRequestBody is the ingress payload for starting a run.
type runRequestBody struct {
	GraphID  string        `json:"graphId"`
	Messages []run.Message `json:"messages"`
	Model    string        `json:"model,omitempty"`
	ToolIDs  []string      `json:"toolIds,omitempty"`
}

// handleRun executes a graph and streams its events to the client as SSE
// frames. The terminal frame is always done.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)

	caller, ok := s.resolveCaller(w, r)
	if !ok {
		return
	}

	var body runRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.GraphID == "" || len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "graphId and messages are required")
		return
	}

	req := &run.Request{
		RunID:            uuid.NewString(),
		IngressRequestID: middleware.GetReqID(ctx),
		GraphID:          body.GraphID,
		Messages:         body.Messages,
		Model:            body.Model,
		ToolIDs:          body.ToolIDs,
		Caller:           caller,
	}

	ctx = logger.WithFields(ctx,
		zap.String("run_id", req.RunID),
		zap.String("graph_id", req.GraphID))

	events, final := s.executor.RunGraph(ctx, req)

	// Pre-call failures resolve the final before the stream produces
	// anything; project those straight to an HTTP status instead of a
	// degenerate SSE session.
	if final.Settled() {
		if f, err := final.Wait(ctx); err == nil && !f.OK {
			for range events {
			}
			writeError(w, f.Error.HTTPStatus(), string(f.Error))
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		// Settle usage in-band before the frame goes out: a client that
		// disconnects right after done must not skip billing.
		s.recorder.Observe(ctx, ev)
		s.publishEvent(ctx, req, ev)

		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error("failed to encode stream event", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// publishEvent fans the event out to pub/sub observers. Best effort.
func (s *Server) publishEvent(ctx context.Context, req *run.Request, ev run.Event) {
	if s.events == nil {
		return
	}
	payload := &pubsub.RunEvent{
		RunID:     req.RunID,
		GraphID:   req.GraphID,
		Event:     ev,
		Timestamp: time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, pubsub.RunEventsTopic(req.RunID), payload); err != nil {
		logger.GetLogger(ctx).Debug("run event publish failed", zap.Error(err))
	}
	if err := s.events.Publish(ctx, pubsub.AccountRunsTopic(req.Caller.BillingAccountID.String()), payload); err != nil {
		logger.GetLogger(ctx).Debug("account event publish failed", zap.Error(err))
	}
}

// resolveCaller builds the caller identity from the pre-authenticated
// headers. A user id alone is enough: the account and default key are
// created on first use.
func (s *Server) resolveCaller(w http.ResponseWriter, r *http.Request) (run.Caller, bool) {
	ctx := r.Context()

	caller := run.Caller{
		TraceID:   r.Header.Get(HeaderTraceID),
		SessionID: r.Header.Get(HeaderSessionID),
		UserID:    r.Header.Get(HeaderUserID),
	}

	accountHeader := r.Header.Get(HeaderBillingAccount)
	keyHeader := r.Header.Get(HeaderVirtualKey)

	switch {
	case accountHeader != "" && keyHeader != "":
		accountID, err := uuid.Parse(accountHeader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid billing account id")
			return run.Caller{}, false
		}
		keyID, err := uuid.Parse(keyHeader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid virtual key id")
			return run.Caller{}, false
		}
		caller.BillingAccountID = accountID
		caller.VirtualKeyID = keyID

	case caller.UserID != "":
		userID, err := uuid.Parse(caller.UserID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return run.Caller{}, false
		}
		account, key, err := s.store.GetOrCreateAccount(ctx, userID)
		if err != nil {
			logger.GetLogger(ctx).Error("failed to resolve billing account", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "account resolution failed")
			return run.Caller{}, false
		}
		caller.BillingAccountID = account.ID
		caller.VirtualKeyID = key.ID

	default:
		writeError(w, http.StatusBadRequest, "caller identity headers missing")
		return run.Caller{}, false
	}

	return caller, true
}

// handleRunEvents streams a run's fanned-out events to an observer. This
// is the secondary, best-effort view: the run's own response stream is
// authoritative and billing never depends on this endpoint.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event fan-out not configured")
		return
	}

	runID := chi.URLParam(r, "runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsub := s.events.Subscribe(r.Context(), pubsub.RunEventsTopic(runID))
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for msg := range ch {
		fmt.Fprintf(w, "data: %s\n\n", msg)
		flusher.Flush()
	}
}

// handleListAgents returns the flattened provider catalogs.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.executor.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
