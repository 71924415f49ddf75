// Package completion implements the completion unit: the single path by
// which a graph step calls the LLM. It gates credits before the call,
// forwards the stream, and emits exactly one normalized usage fact per
// successful call.
package completion

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/ledger"
	"cogni/internal/llm"
	"cogni/internal/logger"
	"cogni/internal/run"
)

// Transport is the streaming LLM surface the unit depends on.
type Transport interface {
	CompleteStream(ctx context.Context, params llm.Params) (<-chan llm.StreamEvent, *llm.Deferred, error)
}

// CreditGate is the pre-call debit surface of the ledger store.
type CreditGate interface {
	DebitForUsage(ctx context.Context, accountID, virtualKeyID uuid.UUID, cost decimal.Decimal, requestID string, metadata map[string]any) (*ledger.Entry, error)
}

// Unit executes one LLM round-trip accounted as one usage_report.
type Unit struct {
	transport    Transport
	gate         CreditGate
	executorType enum.ExecutorType
}

// NewUnit creates a completion unit for the in-process executor.
func NewUnit(transport Transport, gate CreditGate) *Unit {
	return &Unit{
		transport:    transport,
		gate:         gate,
		executorType: enum.ExecutorInproc,
	}
}

// Execute runs one completion. It returns a (stream, final) pair: the
// stream carries text deltas, at most one error, and, after a
// successful call, exactly one usage_report. The upstream done marker
// is swallowed; the graph runner owns the run-level done.
//
// Pre-call failures (credits) surface as a resolved final with an empty
// stream; nothing is thrown into the caller's event loop.
func (u *Unit) Execute(ctx context.Context, req *run.Request, messages []run.Message, model string) (<-chan run.Event, *run.Deferred) {
	ctx = logger.WithFields(ctx,
		zap.String("run_id", req.RunID),
		zap.String("trace_id", req.Caller.TraceID),
		zap.String("ingress_request_id", req.IngressRequestID),
	)
	log := logger.GetLogger(ctx)

	// Pre-call gate. The actual cost is unknowable before the call; the
	// zero-cost debit verifies the account holds a positive balance.
	_, err := u.gate.DebitForUsage(ctx, req.Caller.BillingAccountID, req.Caller.VirtualKeyID,
		decimal.Zero, req.IngressRequestID, map[string]any{"graph_id": req.GraphID})
	if err != nil {
		if ledger.IsInsufficientCredits(err) {
			log.Info("completion gated on insufficient credits",
				zap.String("billing_account_id", req.Caller.BillingAccountID.String()))
			return run.EmptyStream(req, enum.ErrorInsufficientCredits)
		}
		log.Error("pre-call credit gate failed", zap.Error(err))
		return run.EmptyStream(req, run.Normalize(err))
	}

	upstream, upstreamFinal, err := u.transport.CompleteStream(ctx, llm.Params{
		Model:            model,
		Messages:         messages,
		Caller:           req.Caller,
		IngressRequestID: req.IngressRequestID,
	})
	if err != nil {
		code := run.Normalize(err)
		log.Warn("llm stream failed to open", zap.Error(err), zap.String("error_code", string(code)))
		return run.ErrorStream(req, code, "upstream call failed")
	}

	// Small buffer so terminal emissions (usage_report after an abort)
	// still land for a draining consumer.
	events := make(chan run.Event, 4)
	final := run.NewDeferred()

	go u.pump(ctx, req, model, upstream, upstreamFinal, events, final)

	return events, final
}

// pump forwards the upstream stream and settles the unit's final.
//
// The upstream final resolves in the transport's stream-completion hook,
// which runs only after the upstream channel is drained, so this loop
// must fully consume the channel before awaiting the final. Awaiting
// inside the loop would deadlock.
func (u *Unit) pump(ctx context.Context, req *run.Request, model string, upstream <-chan llm.StreamEvent, upstreamFinal *llm.Deferred, events chan<- run.Event, final *run.Deferred) {
	log := logger.GetLogger(ctx)

	sawError := false
	for ev := range upstream {
		switch {
		case ev.Err != nil:
			sawError = true
			run.Emit(ctx, events, run.ErrorEvent(run.Normalize(ev.Err), "provider error mid-stream"))
		case ev.Done:
			// Swallowed: the runner decides when the overall run is done.
		default:
			run.Emit(ctx, events, run.TextDelta(ev.Delta))
		}
	}

	// The transport settles the final even when ctx was cancelled (abort
	// resolves ok with partial content), so waiting must survive our own
	// cancellation.
	result, err := upstreamFinal.Wait(context.WithoutCancel(ctx))
	if err != nil {
		code := run.Normalize(err)
		if !sawError {
			run.Emit(ctx, events, run.ErrorEvent(code, "completion failed"))
		}
		close(events)
		final.Resolve(run.Final{
			OK:        false,
			RunID:     req.RunID,
			RequestID: req.IngressRequestID,
			Error:     code,
		})
		return
	}

	if result.CallID == "" && !result.Aborted {
		// Silent under-billing guard: a completed call with no provider
		// call id must fail the run.
		log.Error("completed call missing provider call id",
			zap.String("invariant", "usage_unit_id_required"))
		run.Emit(ctx, events, run.ErrorEvent(enum.ErrorInternal, "billing correlation lost"))
		close(events)
		final.Resolve(run.Final{
			OK:        false,
			RunID:     req.RunID,
			RequestID: req.IngressRequestID,
			Error:     run.Normalize(run.ErrMissingCallID),
		})
		return
	}

	// An aborted call is billed only when the upstream reported usage
	// before the abort.
	if result.CallID != "" && (!result.Aborted || result.Usage != nil) {
		fact := run.UsageFact{
			RunID:            req.RunID,
			Attempt:          0,
			Source:           enum.UsageSourceLiteLLM,
			ExecutorType:     u.executorType,
			BillingAccountID: req.Caller.BillingAccountID,
			VirtualKeyID:     req.Caller.VirtualKeyID,
			GraphID:          req.GraphID,
			UsageUnitID:      result.CallID,
			Model:            resultModel(result, model),
			CostUSD:          result.CostUSD,
		}
		if result.Usage != nil {
			fact.InputTokens = &result.Usage.InputTokens
			fact.OutputTokens = &result.Usage.OutputTokens
		}
		run.Emit(ctx, events, run.UsageReport(fact))
	}

	close(events)
	final.Resolve(run.Final{
		OK:           true,
		RunID:        req.RunID,
		RequestID:    req.IngressRequestID,
		Content:      result.Content,
		FinishReason: result.FinishReason,
		Usage:        result.Usage,
	})
}

func resultModel(result *llm.Result, fallback string) string {
	if result.Model != "" {
		return result.Model
	}
	return fallback
}
