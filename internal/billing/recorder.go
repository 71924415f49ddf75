// Package billing consumes usage facts from run event streams and
// settles them as idempotent charge receipts against the ledger.
package billing

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/ledger"
	"cogni/internal/logger"
	"cogni/internal/run"
)

// chargeReasonAiUsage is the receipt charge reason for LLM usage.
const chargeReasonAiUsage = "ai_usage"

// Source systems stamped on receipts.
const (
	sourceSystemInproc  = "litellm"
	sourceSystemSandbox = "sandbox_audit"
)

// ReceiptWriter is the settlement surface of the ledger store.
type ReceiptWriter interface {
	RecordChargeReceipt(ctx context.Context, params ledger.ReceiptParams) error
}

// Recorder turns usage facts into charge receipts and ledger debits. The
// provider call id keys each receipt, de-duplicating across retries and
// across concurrent sources of the same call (in-proc report vs sandbox
// audit).
type Recorder struct {
	store         ReceiptWriter
	creditsPerUSD int64
}

// NewRecorder creates a recorder with the given credit conversion.
func NewRecorder(store ReceiptWriter, creditsPerUSD int64) *Recorder {
	return &Recorder{store: store, creditsPerUSD: creditsPerUSD}
}

// CreditsForUSD converts a provider USD cost into whole credits, rounded
// with a minimum of one credit for any non-zero cost.
func (r *Recorder) CreditsForUSD(cost decimal.Decimal) int64 {
	return ledger.CreditsForCost(cost.Mul(decimal.NewFromInt(r.creditsPerUSD)))
}

// Record settles one usage fact. Facts without a usage unit id are
// skipped (defense in depth behind the completion unit's invariant).
// Write failures are returned for the caller to log; the request path
// must not fail on them.
func (r *Recorder) Record(ctx context.Context, fact *run.UsageFact) error {
	log := logger.GetLogger(ctx).With(
		zap.String("component", "usage-recorder"),
		zap.String("run_id", fact.RunID),
	)

	if fact.UsageUnitID == "" {
		log.Warn("dropping usage fact without usage unit id",
			zap.String("graph_id", fact.GraphID))
		return nil
	}

	var credits int64
	if fact.CostUSD != nil {
		credits = r.CreditsForUSD(*fact.CostUSD)
	}

	sourceSystem := sourceSystemInproc
	if fact.ExecutorType == enum.ExecutorSandbox {
		sourceSystem = sourceSystemSandbox
	}

	callID := fact.UsageUnitID
	return r.store.RecordChargeReceipt(ctx, ledger.ReceiptParams{
		RequestID:        fact.UsageUnitID,
		BillingAccountID: fact.BillingAccountID,
		VirtualKeyID:     &fact.VirtualKeyID,
		ChargedCredits:   credits,
		ProviderCallID:   &callID,
		ProviderCostUSD:  fact.CostUSD,
		ChargeReason:     chargeReasonAiUsage,
		SourceSystem:     sourceSystem,
		SourceReference:  fact.RunID,
	})
}

// Observe settles the fact carried by a usage_report event; every other
// event type passes through untouched. Failures are logged, never
// propagated: telemetry and settlement retries must not break a live
// stream.
func (r *Recorder) Observe(ctx context.Context, ev run.Event) {
	if ev.Type != enum.EventUsageReport || ev.Usage == nil {
		return
	}
	if err := r.Record(ctx, ev.Usage); err != nil {
		logger.GetLogger(ctx).Error("failed to record charge receipt",
			zap.String("usage_unit_id", ev.Usage.UsageUnitID),
			zap.Error(err))
	}
}
