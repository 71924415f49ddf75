// Package llm implements the transport to the upstream LiteLLM proxy:
// single-shot and streaming chat completions, and the spend-logs read
// surface. Every call authenticates with the process-wide master key;
// tenant identity travels as request metadata.
package llm

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"cogni/internal/run"
)

// Response headers carrying billing metadata.
const (
	HeaderResponseCost = "x-litellm-response-cost"
	HeaderCallID       = "x-litellm-call-id"
)

// Params is the input to a completion call.
type Params struct {
	Model       string
	Messages    []run.Message
	Temperature *float64
	MaxTokens   int

	// Caller identity, forwarded as the upstream user/metadata fields.
	Caller run.Caller

	// IngressRequestID correlates the upstream call with the ingress request.
	IngressRequestID string
}

// Result is the outcome of one completed call.
type Result struct {
	Content      string
	FinishReason string
	Usage        *run.Usage

	// CallID is the provider call id. Required downstream for billing.
	CallID string

	// CostUSD is the provider-reported cost, when present.
	CostUSD *decimal.Decimal

	Model string

	// Aborted marks a stream cancelled by the caller; Content holds the
	// partial text accumulated before the abort.
	Aborted bool
}

// StreamEvent is one element of a streaming call: a text delta, a
// provider error, or the terminal done marker.
type StreamEvent struct {
	Delta string
	Err   error
	Done  bool
}

// Deferred is the one-shot final result of a streaming call. The
// transport resolves it in its stream-completion hook, which runs only
// after the consumer finishes iterating the event channel; never await
// it from inside the consumption loop.
type Deferred struct {
	mu      sync.Mutex
	done    chan struct{}
	result  *Result
	err     error
	settled bool
}

// NewDeferred creates an unsettled deferred. Exposed so fakes in other
// packages can stand in for the transport.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve settles the deferred with a result. The first settlement wins.
func (d *Deferred) Resolve(result *Result) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.result = result
	d.settled = true
	close(d.done)
	return true
}

// Reject settles the deferred with an error. The first settlement wins.
func (d *Deferred) Reject(err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.err = err
	d.settled = true
	close(d.done)
	return true
}

// Wait blocks until the call settles or the context is done.
func (d *Deferred) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.result, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the call has settled.
func (d *Deferred) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}
