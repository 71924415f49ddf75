package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cogni/internal/enum"
	"cogni/internal/ledger"
	"cogni/internal/llm"
)

// resolveAccountID reads the billing account identity for read surfaces.
func (s *Server) resolveAccountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get(HeaderBillingAccount)
	if header == "" {
		writeError(w, http.StatusBadRequest, "billing account header missing")
		return uuid.Nil, false
	}
	accountID, err := uuid.Parse(header)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid billing account id")
		return uuid.Nil, false
	}
	return accountID, true
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(w, r)
	if !ok {
		return
	}

	balance, err := s.store.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "balance unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"billingAccountId": accountID,
		"balanceCredits":   balance,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(w, r)
	if !ok {
		return
	}

	opts := ledger.ListEntriesOptions{Limit: queryInt(r, "limit", 50)}
	if raw := r.URL.Query().Get("reason"); raw != "" {
		reason := enum.LedgerReason(raw)
		opts.Reason = &reason
	}

	entries, err := s.store.ListEntries(r.Context(), accountID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(w, r)
	if !ok {
		return
	}

	from, to, ok := queryRange(w, r)
	if !ok {
		return
	}

	receipts, err := s.store.ListReceipts(r.Context(), accountID, from, to, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "receipts unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(w, r)
	if !ok {
		return
	}
	if s.spend == nil {
		writeError(w, http.StatusNotImplemented, "spend telemetry not configured")
		return
	}

	from, to, ok := queryRange(w, r)
	if !ok {
		return
	}

	logs, err := s.spend.ListSpendLogs(r.Context(), accountID.String(), from, to, queryInt(r, "limit", llm.MaxSpendLogsPerFetch))
	if err != nil {
		if errors.Is(err, llm.ErrRangeTooLarge) {
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "range too large; narrow the window")
			return
		}
		writeError(w, http.StatusBadGateway, "spend telemetry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spend": logs})
}

type creditRequestBody struct {
	AmountCredits int64  `json:"amountCredits"`
	Reference     string `json:"reference,omitempty"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(w, r)
	if !ok {
		return
	}

	var body creditRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AmountCredits <= 0 {
		writeError(w, http.StatusBadRequest, "amountCredits must be positive")
		return
	}

	balance, err := s.store.CreditAccount(r.Context(), accountID, body.AmountCredits, enum.LedgerReasonCredit, body.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "credit failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balanceCredits": balance})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// queryRange parses from/to RFC3339 parameters, defaulting to the last
// 24 hours.
func queryRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return time.Time{}, time.Time{}, false
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return time.Time{}, time.Time{}, false
		}
		to = parsed
	}
	return from, to, true
}
