package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogni/internal/enum"
)

func TestParseGraphID(t *testing.T) {
	tests := []struct {
		name      string
		graphID   string
		provider  string
		graph     string
		expectErr bool
	}{
		{name: "valid", graphID: "langgraph:poet", provider: "langgraph", graph: "poet"},
		{name: "nested name", graphID: "sandbox:team/researcher", provider: "sandbox", graph: "team/researcher"},
		{name: "no separator", graphID: "poet", expectErr: true},
		{name: "empty provider", graphID: ":poet", expectErr: true},
		{name: "empty graph", graphID: "langgraph:", expectErr: true},
		{name: "empty", graphID: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, graph, err := ParseGraphID(tt.graphID)
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrMalformedGraphID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.graph, graph)
		})
	}
}

func TestDeferredResolvesOnce(t *testing.T) {
	d := NewDeferred()
	assert.False(t, d.Settled())

	assert.True(t, d.Resolve(Final{OK: true, Content: "first"}))
	assert.False(t, d.Resolve(Final{OK: false, Error: enum.ErrorInternal}))
	assert.True(t, d.Settled())

	final, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, final.OK)
	assert.Equal(t, "first", final.Content)
}

func TestDeferredConcurrentResolve(t *testing.T) {
	d := NewDeferred()

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if d.Resolve(Final{OK: true, Content: fmt.Sprintf("winner-%d", i)}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestDeferredMultipleWaiters(t *testing.T) {
	d := NewDeferred()

	results := make(chan Final, 3)
	for i := 0; i < 3; i++ {
		go func() {
			f, err := d.Wait(context.Background())
			if err == nil {
				results <- f
			}
		}()
	}

	d.Resolve(Final{OK: true, Content: "shared"})

	for i := 0; i < 3; i++ {
		select {
		case f := <-results:
			assert.Equal(t, "shared", f.Content)
		case <-time.After(time.Second):
			t.Fatal("waiter did not observe resolution")
		}
	}
}

func TestDeferredWaitCancelled(t *testing.T) {
	d := NewDeferred()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want enum.ErrorCode
	}{
		{name: "cancelled", err: context.Canceled, want: enum.ErrorAborted},
		{name: "deadline", err: context.DeadlineExceeded, want: enum.ErrorTimeout},
		{name: "wrapped cancelled", err: fmt.Errorf("stream: %w", context.Canceled), want: enum.ErrorAborted},
		{name: "http 408", err: &ProviderHTTPError{Status: 408}, want: enum.ErrorTimeout},
		{name: "http 429", err: &ProviderHTTPError{Status: 429}, want: enum.ErrorRateLimit},
		{name: "http 400", err: &ProviderHTTPError{Status: 400}, want: enum.ErrorInternal},
		{name: "http 500", err: &ProviderHTTPError{Status: 500}, want: enum.ErrorInternal},
		{name: "graph not found", err: ErrGraphNotFound, want: enum.ErrorNotFound},
		{name: "malformed graph id", err: fmt.Errorf("route: %w", ErrMalformedGraphID), want: enum.ErrorInvalidRequest},
		{name: "missing call id", err: ErrMissingCallID, want: enum.ErrorInternal},
		{name: "coded", err: NewCodedError(enum.ErrorInsufficientCredits, errors.New("balance 0")), want: enum.ErrorInsufficientCredits},
		{name: "unknown", err: errors.New("boom"), want: enum.ErrorInternal},
		{name: "nil", err: nil, want: enum.ErrorInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.err))
		})
	}
}

func TestErrorStream(t *testing.T) {
	req := &Request{RunID: "run-1", IngressRequestID: "req-1"}
	events, final := ErrorStream(req, enum.ErrorInternal, "no provider")

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, enum.EventError, got[0].Type)
	assert.Equal(t, enum.ErrorInternal, got[0].ErrorCode)
	assert.Equal(t, enum.EventDone, got[1].Type)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, f.OK)
	assert.Equal(t, "run-1", f.RunID)
	assert.Equal(t, enum.ErrorInternal, f.Error)
}

func TestEmptyStream(t *testing.T) {
	req := &Request{RunID: "run-2", IngressRequestID: "req-2"}
	events, final := EmptyStream(req, enum.ErrorInsufficientCredits)

	_, open := <-events
	assert.False(t, open, "stream must be empty and closed")

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, f.OK)
	assert.Equal(t, enum.ErrorInsufficientCredits, f.Error)
}
