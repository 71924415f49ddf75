// Package run defines the core domain types of the graph execution
// pipeline: run requests, the event stream, usage facts, and the
// one-shot final result shared between producers and consumers.
package run

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cogni/internal/enum"
)

// Message is a single turn of the conversation handed to a graph.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Caller carries the authenticated identity and correlation ids of the
// requester. Routes validate the identity before a request reaches the
// execution pipeline.
type Caller struct {
	BillingAccountID uuid.UUID
	VirtualKeyID     uuid.UUID
	TraceID          string
	SessionID        string
	UserID           string
	MaskContent      bool
}

// Request describes one graph run.
type Request struct {
	RunID            string
	IngressRequestID string
	GraphID          string
	Messages         []Message
	Model            string
	Caller           Caller
	ToolIDs          []string
}

// Usage holds token counts for a completed call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// UsageFact is the normalized billing fact emitted once per completion
// unit. UsageUnitID is the provider call id and the idempotency join key
// for charge receipts; a successful call without one must fail the run.
type UsageFact struct {
	RunID            string            `json:"runId"`
	Attempt          int               `json:"attempt"`
	Source           enum.UsageSource  `json:"source"`
	ExecutorType     enum.ExecutorType `json:"executorType"`
	BillingAccountID uuid.UUID         `json:"billingAccountId"`
	VirtualKeyID     uuid.UUID         `json:"virtualKeyId"`
	GraphID          string            `json:"graphId"`
	InputTokens      *int64            `json:"inputTokens,omitempty"`
	OutputTokens     *int64            `json:"outputTokens,omitempty"`
	UsageUnitID      string            `json:"usageUnitId"`
	Model            string            `json:"model,omitempty"`
	CostUSD          *decimal.Decimal  `json:"costUsd,omitempty"`
}

// Final is the terminal result of a run. Exactly one of the success
// fields or Error is meaningful depending on OK.
type Final struct {
	OK           bool           `json:"ok"`
	RunID        string         `json:"runId"`
	RequestID    string         `json:"requestId"`
	Content      string         `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Error        enum.ErrorCode `json:"error,omitempty"`
}

// ParseGraphID splits a namespaced graph id ("<provider>:<graph>") into
// its parts.
func ParseGraphID(graphID string) (providerID, graphName string, err error) {
	idx := strings.Index(graphID, ":")
	if idx <= 0 || idx == len(graphID)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedGraphID, graphID)
	}
	return graphID[:idx], graphID[idx+1:], nil
}
