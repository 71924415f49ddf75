package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogni/internal/enum"
	"cogni/internal/ledger"
	"cogni/internal/run"
)

type fakeStore struct {
	mu      sync.Mutex
	written []ledger.ReceiptParams
	err     error
}

func (f *fakeStore) RecordChargeReceipt(ctx context.Context, params ledger.ReceiptParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, params)
	return nil
}

func fact(cost string) *run.UsageFact {
	f := &run.UsageFact{
		RunID:            "run-1",
		Source:           enum.UsageSourceLiteLLM,
		ExecutorType:     enum.ExecutorInproc,
		BillingAccountID: uuid.New(),
		VirtualKeyID:     uuid.New(),
		GraphID:          "langgraph:poet",
		UsageUnitID:      "gen-abc",
	}
	if cost != "" {
		c := decimal.RequireFromString(cost)
		f.CostUSD = &c
	}
	return f
}

func TestCreditsForUSD(t *testing.T) {
	recorder := NewRecorder(&fakeStore{}, 1000)

	tests := []struct {
		cost string
		want int64
	}{
		{cost: "0.002", want: 2},
		{cost: "0.0005", want: 1}, // 0.5 credits rounds up via the minimum-one rule
		{cost: "0.0004", want: 1}, // below half a credit still charges one
		{cost: "0", want: 0},
		{cost: "1.2345", want: 1235}, // rounded, not truncated
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, recorder.CreditsForUSD(decimal.RequireFromString(tt.cost)), "cost %s", tt.cost)
	}
}

func TestRecordWritesReceipt(t *testing.T) {
	store := &fakeStore{}
	recorder := NewRecorder(store, 1000)

	f := fact("0.002")
	require.NoError(t, recorder.Record(context.Background(), f))

	require.Len(t, store.written, 1)
	written := store.written[0]
	assert.Equal(t, "gen-abc", written.RequestID)
	assert.Equal(t, int64(2), written.ChargedCredits)
	assert.Equal(t, "litellm", written.SourceSystem)
	assert.Equal(t, "run-1", written.SourceReference)
	require.NotNil(t, written.ProviderCallID)
	assert.Equal(t, "gen-abc", *written.ProviderCallID)
}

func TestRecordSandboxSource(t *testing.T) {
	store := &fakeStore{}
	recorder := NewRecorder(store, 1000)

	f := fact("")
	f.ExecutorType = enum.ExecutorSandbox
	require.NoError(t, recorder.Record(context.Background(), f))

	require.Len(t, store.written, 1)
	assert.Equal(t, "sandbox_audit", store.written[0].SourceSystem)
	assert.Equal(t, int64(0), store.written[0].ChargedCredits)
	assert.Nil(t, store.written[0].ProviderCostUSD)
}

func TestRecordSkipsMissingUnitID(t *testing.T) {
	store := &fakeStore{}
	recorder := NewRecorder(store, 1000)

	f := fact("0.002")
	f.UsageUnitID = ""
	require.NoError(t, recorder.Record(context.Background(), f))
	assert.Empty(t, store.written)
}

func TestObserveIgnoresOtherEvents(t *testing.T) {
	store := &fakeStore{}
	recorder := NewRecorder(store, 1000)
	ctx := context.Background()

	recorder.Observe(ctx, run.TextDelta("x"))
	recorder.Observe(ctx, run.Done())
	assert.Empty(t, store.written)

	recorder.Observe(ctx, run.UsageReport(*fact("0.002")))
	assert.Len(t, store.written, 1)
}

func TestObserveSwallowsWriteFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("transient")}
	recorder := NewRecorder(store, 1000)

	// Must not panic or propagate; the stream keeps flowing.
	recorder.Observe(context.Background(), run.UsageReport(*fact("0.002")))
}
