package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogni/internal/run"
)

func testParams() Params {
	return Params{
		Model: "gpt-4o-mini",
		Messages: []run.Message{
			{Role: "user", Content: "hi"},
		},
		Caller: run.Caller{
			BillingAccountID: uuid.New(),
			VirtualKeyID:     uuid.New(),
			TraceID:          "0123456789abcdef0123456789abcdef",
		},
		IngressRequestID: "req-1",
	}
}

func TestCompleteHappyPath(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set(HeaderCallID, "gen-abc")
		w.Header().Set(HeaderResponseCost, "0.002")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7}
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk-master")
	params := testParams()

	result, err := client.Complete(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-master", gotAuth)
	assert.Equal(t, params.Caller.BillingAccountID.String(), gotBody.User)
	assert.Equal(t, params.Caller.BillingAccountID.String(), gotBody.Metadata["billing_account_id"])
	assert.Equal(t, "req-1", gotBody.Metadata["ingress_request_id"])

	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, "gen-abc", result.CallID)
	require.NotNil(t, result.CostUSD)
	assert.Equal(t, "0.002", result.CostUSD.String())
	require.NotNil(t, result.Usage)
	assert.Equal(t, int64(5), result.Usage.InputTokens)
	assert.Equal(t, int64(7), result.Usage.OutputTokens)
}

func TestCompleteCallIDFromBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "chatcmpl-2", "choices": [{"message": {"content": "x"}, "finish_reason": "stop"}]}`)
	}))
	defer server.Close()

	result, err := NewClient(server.URL, "sk").Complete(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-2", result.CallID)
	assert.Nil(t, result.CostUSD)
}

func TestCompleteMissingCallID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": [{"message": {"content": "x"}, "finish_reason": "stop"}]}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "sk").Complete(context.Background(), testParams())
	assert.ErrorIs(t, err, run.ErrMissingCallID)
}

func TestCompleteHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "sk").Complete(context.Background(), testParams())

	var httpErr *run.ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Status)
}

func sseServer(t *testing.T, lines []string, headers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)

		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func drain(t *testing.T, events <-chan StreamEvent) (deltas []string, sawDone bool, sawErr error) {
	t.Helper()
	for ev := range events {
		switch {
		case ev.Err != nil:
			sawErr = ev.Err
		case ev.Done:
			sawDone = true
		default:
			deltas = append(deltas, ev.Delta)
		}
	}
	return deltas, sawDone, sawErr
}

func TestCompleteStreamHappyPath(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"id": "gen-abc", "choices": [{"delta": {"content": "hel"}}]}`,
		`data: {"id": "gen-abc", "choices": [{"delta": {"content": "lo"}, "finish_reason": "stop"}]}`,
		`data: {"id": "gen-abc", "choices": [], "usage": {"prompt_tokens": 5, "completion_tokens": 7}}`,
		`data: [DONE]`,
	}, map[string]string{HeaderResponseCost: "0.002"})
	defer server.Close()

	events, final, err := NewClient(server.URL, "sk").CompleteStream(context.Background(), testParams())
	require.NoError(t, err)

	deltas, sawDone, sawErr := drain(t, events)
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.True(t, sawDone)
	assert.NoError(t, sawErr)

	result, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, "gen-abc", result.CallID)
	require.NotNil(t, result.Usage)
	assert.Equal(t, int64(7), result.Usage.OutputTokens)
	require.NotNil(t, result.CostUSD)
	assert.Equal(t, "0.002", result.CostUSD.String())
	assert.False(t, result.Aborted)
}

func TestCompleteStreamMalformedLinesSkipped(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"id": "gen-x", "choices": [{"delta": {"content": "a"}}]}`,
		`garbage without prefix`,
		`data: {not json`,
		`data: {"choices": [{"delta": {"content": "b"}}]}`,
		`data: [DONE]`,
	}, nil)
	defer server.Close()

	events, final, err := NewClient(server.URL, "sk").CompleteStream(context.Background(), testParams())
	require.NoError(t, err)

	deltas, sawDone, _ := drain(t, events)
	assert.Equal(t, []string{"a", "b"}, deltas)
	assert.True(t, sawDone)

	result, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ab", result.Content)
	assert.Equal(t, "gen-x", result.CallID)
}

func TestCompleteStreamProviderError(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"id": "gen-err", "choices": [{"delta": {"content": "par"}}]}`,
		`data: {"error": {"message": "model exploded", "type": "server_error"}}`,
	}, nil)
	defer server.Close()

	events, final, err := NewClient(server.URL, "sk").CompleteStream(context.Background(), testParams())
	require.NoError(t, err)

	deltas, sawDone, sawErr := drain(t, events)
	assert.Equal(t, []string{"par"}, deltas)
	assert.False(t, sawDone, "error ends the useful portion of the stream")
	assert.Error(t, sawErr)

	_, err = final.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestCompleteStreamMissingCallID(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"choices": [{"delta": {"content": "x"}, "finish_reason": "stop"}]}`,
		`data: [DONE]`,
	}, nil)
	defer server.Close()

	events, final, err := NewClient(server.URL, "sk").CompleteStream(context.Background(), testParams())
	require.NoError(t, err)

	drain(t, events)

	_, err = final.Wait(context.Background())
	assert.ErrorIs(t, err, run.ErrMissingCallID)
}

func TestCompleteStreamAbortYieldsPartial(t *testing.T) {
	firstDelta := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"id\": \"gen-partial\", \"choices\": [{\"delta\": {\"content\": \"partial\"}}]}\n\n")
		flusher.Flush()
		close(firstDelta)
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, final, err := NewClient(server.URL, "sk").CompleteStream(ctx, testParams())
	require.NoError(t, err)

	var deltas []string
	for ev := range events {
		if ev.Err == nil && !ev.Done {
			deltas = append(deltas, ev.Delta)
		}
		<-firstDelta
		cancel()
	}

	assert.Equal(t, []string{"partial"}, deltas)

	// Abort is not an error: the final resolves ok with the partial content.
	result, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, "partial", result.Content)
}

func TestCompleteStreamFinalSettlesExactlyOnce(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"id": "gen-once", "choices": [{"delta": {"content": "x"}, "finish_reason": "stop"}]}`,
		`data: [DONE]`,
	}, nil)
	defer server.Close()

	events, final, err := NewClient(server.URL, "sk").CompleteStream(context.Background(), testParams())
	require.NoError(t, err)
	drain(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := final.Wait(ctx)
	require.NoError(t, err)
	second, err := final.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestListSpendLogs(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	rows := []map[string]any{
		{"request_id": "r3", "spend": 0.003, "startTime": now.Format(time.RFC3339)},
		{"request_id": "r2", "spend": 0.002, "startTime": now.Add(-time.Hour).Format(time.RFC3339)},
		{"request_id": "r1", "spend": 0.001, "startTime": now.Add(-2 * time.Hour).Format(time.RFC3339)},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acct-1", r.URL.Query().Get("end_user"))
		// Individual-log mode only: date parameters flip the endpoint into
		// aggregation mode.
		assert.Empty(t, r.URL.Query().Get("start_date"))
		assert.Empty(t, r.URL.Query().Get("end_date"))
		json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk")

	logs, err := client.ListSpendLogs(context.Background(), "acct-1", now.Add(-90*time.Minute), now.Add(time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "r3", logs[0].RequestID)
	assert.Equal(t, "r2", logs[1].RequestID)
}

func TestListSpendLogsRangeTooLarge(t *testing.T) {
	now := time.Now().UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A full page whose oldest row is still inside the range start.
		var rows []map[string]any
		for i := 0; i < 5; i++ {
			rows = append(rows, map[string]any{
				"request_id": fmt.Sprintf("r%d", i),
				"spend":      0.001,
				"startTime":  now.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339),
			})
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk")

	_, err := client.ListSpendLogs(context.Background(), "acct-1", now.Add(-24*time.Hour), now, 5)
	assert.ErrorIs(t, err, ErrRangeTooLarge)
}
