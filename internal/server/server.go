// Package server is the HTTP ingress for the execution and billing core:
// the SSE run endpoint plus account-facing read surfaces. Authentication
// happens upstream; callers arrive with pre-validated identity headers.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"cogni/internal/enum"
	"cogni/internal/graph"
	"cogni/internal/ledger"
	"cogni/internal/llm"
	"cogni/internal/pubsub"
	"cogni/internal/run"
)

// Identity headers set by the authenticating edge.
const (
	HeaderBillingAccount = "X-Billing-Account"
	HeaderVirtualKey     = "X-Virtual-Key"
	HeaderUserID         = "X-User-Id"
	HeaderTraceID        = "X-Trace-Id"
	HeaderSessionID      = "X-Session-Id"
)

// runRateLimit caps run starts per account per minute.
const runRateLimit = 30

// Store is the ledger surface the ingress needs.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*ledger.Account, *ledger.VirtualKey, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, opts ledger.ListEntriesOptions) ([]*ledger.Entry, error)
	ListReceipts(ctx context.Context, accountID uuid.UUID, from, to time.Time, limit int) ([]*ledger.Receipt, error)
	CreditAccount(ctx context.Context, accountID uuid.UUID, amount int64, reason enum.LedgerReason, reference string) (int64, error)
}

// Recorder settles usage facts seen on a run stream in-band.
type Recorder interface {
	Observe(ctx context.Context, ev run.Event)
}

// SpendReader reads upstream spend telemetry.
type SpendReader interface {
	ListSpendLogs(ctx context.Context, accountID string, from, to time.Time, limit int) ([]llm.SpendLog, error)
}

// Server wires the executor, ledger, recorder, and pub/sub fan-out
// behind the HTTP surface.
type Server struct {
	executor graph.Executor
	store    Store
	recorder Recorder
	spend    SpendReader
	events   pubsub.PubSub
}

// New creates a server. spend and events may be nil; the corresponding
// surfaces degrade gracefully.
func New(executor graph.Executor, store Store, recorder Recorder, spend SpendReader, events pubsub.PubSub) *Server {
	return &Server{
		executor: executor,
		store:    store,
		recorder: recorder,
		spend:    spend,
		events:   events,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderBillingAccount, HeaderVirtualKey, HeaderUserID, HeaderTraceID, HeaderSessionID},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/v1", func(r chi.Router) {
		r.With(httprate.Limit(
			runRateLimit,
			time.Minute,
			httprate.WithKeyFuncs(accountRateKey),
		)).Post("/runs", s.handleRun)

		r.Get("/agents", s.handleListAgents)
		r.Get("/runs/{runId}/events", s.handleRunEvents)

		r.Route("/accounts/me", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/ledger", s.handleLedger)
			r.Get("/receipts", s.handleReceipts)
			r.Get("/spend", s.handleSpend)
			r.Post("/credits", s.handleCredit)
		})
	})

	return router
}

// accountRateKey buckets the run rate limit per billing account, falling
// back to IP for unidentified callers.
func accountRateKey(r *http.Request) (string, error) {
	if account := r.Header.Get(HeaderBillingAccount); account != "" {
		return account, nil
	}
	return httprate.KeyByIP(r)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
