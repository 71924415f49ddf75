package graph

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogni/internal/enum"
	"cogni/internal/run"
)

// stubProvider claims a fixed set of graph ids and records invocations.
type stubProvider struct {
	id     string
	claims map[string]bool
	runs   int
	agents []AgentInfo
}

func (s *stubProvider) ProviderID() string { return s.id }

func (s *stubProvider) CanHandle(graphID string) bool { return s.claims[graphID] }

func (s *stubProvider) RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred) {
	s.runs++
	events := make(chan run.Event, 2)
	events <- run.AssistantFinal("from "+s.id, "stop")
	events <- run.Done()
	close(events)

	final := run.NewDeferred()
	final.Resolve(run.Final{OK: true, RunID: req.RunID, Content: "from " + s.id})
	return events, final
}

func (s *stubProvider) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	return s.agents, nil
}

// fakeUnit scripts the completion unit used by the in-process runner.
type fakeUnit struct {
	deltas []string
	fact   *run.UsageFact
	final  run.Final
}

func (f *fakeUnit) Execute(ctx context.Context, req *run.Request, messages []run.Message, model string) (<-chan run.Event, *run.Deferred) {
	events := make(chan run.Event, len(f.deltas)+1)
	for _, d := range f.deltas {
		events <- run.TextDelta(d)
	}
	if f.fact != nil {
		events <- run.UsageReport(*f.fact)
	}
	if !f.final.OK {
		events <- run.ErrorEvent(f.final.Error, "completion failed")
	}
	close(events)

	final := run.NewDeferred()
	final.Resolve(f.final)
	return events, final
}

func testRequest(graphID string) *run.Request {
	return &run.Request{
		RunID:            "run-1",
		IngressRequestID: "req-1",
		GraphID:          graphID,
		Messages:         []run.Message{{Role: "user", Content: "hi"}},
		Model:            "gpt-4o-mini",
	}
}

func drain(t *testing.T, events <-chan run.Event) []run.Event {
	t.Helper()
	var got []run.Event
	for ev := range events {
		got = append(got, ev)
	}
	return got
}

func TestAggregatorFirstRegisteredWins(t *testing.T) {
	first := &stubProvider{id: "langgraph", claims: map[string]bool{"langgraph:poet": true}}
	second := &stubProvider{id: "langgraph2", claims: map[string]bool{"langgraph:poet": true}}
	agg := NewAggregator(first, second)

	events, final := agg.RunGraph(context.Background(), testRequest("langgraph:poet"))
	drain(t, events)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, f.OK)
	assert.Equal(t, 1, first.runs)
	assert.Equal(t, 0, second.runs)
}

func TestAggregatorMissSynthesizesErrorStream(t *testing.T) {
	agg := NewAggregator(&stubProvider{id: "langgraph", claims: map[string]bool{"langgraph:poet": true}})

	events, final := agg.RunGraph(context.Background(), testRequest("claude:poet"))
	got := drain(t, events)

	require.Len(t, got, 2)
	assert.Equal(t, enum.EventError, got[0].Type)
	assert.Equal(t, enum.ErrorInternal, got[0].ErrorCode)
	assert.Equal(t, enum.EventDone, got[1].Type)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, f.OK)
	assert.Equal(t, enum.ErrorInternal, f.Error)
}

func TestAggregatorMalformedGraphID(t *testing.T) {
	agg := NewAggregator()

	_, final := agg.RunGraph(context.Background(), testRequest("no-namespace"))

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, enum.ErrorInvalidRequest, f.Error)
}

func TestAggregatorListAgents(t *testing.T) {
	agg := NewAggregator(
		&stubProvider{id: "a", agents: []AgentInfo{{GraphID: "a:one"}}},
		&stubProvider{id: "b", agents: []AgentInfo{{GraphID: "b:two"}, {GraphID: "b:three"}}},
	)

	agents, err := agg.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 3)
	assert.Equal(t, "a:one", agents[0].GraphID)
}

func TestInprocSingleCompletion(t *testing.T) {
	unit := &fakeUnit{
		deltas: []string{"hel", "lo"},
		fact:   &run.UsageFact{RunID: "run-1", UsageUnitID: "gen-abc"},
		final: run.Final{
			OK: true, RunID: "run-1", Content: "hello", FinishReason: "stop",
			Usage: &run.Usage{InputTokens: 5, OutputTokens: 7},
		},
	}
	provider := NewInprocProvider("langgraph", unit, nil,
		&GraphDef{Name: "poet", Description: "single-shot poet", Run: SingleCompletion()})

	events, final := provider.RunGraph(context.Background(), testRequest("langgraph:poet"))
	got := drain(t, events)

	var types []enum.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []enum.EventType{
		enum.EventTextDelta,
		enum.EventTextDelta,
		enum.EventUsageReport,
		enum.EventAssistantFinal,
		enum.EventDone,
	}, types)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, f.OK)
	assert.Equal(t, "hello", f.Content)
	require.NotNil(t, f.Usage)
	assert.Equal(t, int64(7), f.Usage.OutputTokens)
}

func TestInprocUnknownGraphName(t *testing.T) {
	provider := NewInprocProvider("langgraph", &fakeUnit{final: run.Final{OK: true}}, nil)

	assert.True(t, provider.CanHandle("langgraph:missing"))
	events, final := provider.RunGraph(context.Background(), testRequest("langgraph:missing"))
	drain(t, events)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, f.OK)
	assert.Equal(t, enum.ErrorNotFound, f.Error)
}

func TestInprocCompletionFailurePropagates(t *testing.T) {
	unit := &fakeUnit{final: run.Final{OK: false, Error: enum.ErrorInsufficientCredits}}
	provider := NewInprocProvider("langgraph", unit, nil,
		&GraphDef{Name: "poet", Run: SingleCompletion()})

	events, final := provider.RunGraph(context.Background(), testRequest("langgraph:poet"))
	got := drain(t, events)

	// One error event from the unit, then a single done; no duplicate
	// error for the coded failure.
	var errCount, doneCount int
	for _, ev := range got {
		switch ev.Type {
		case enum.EventError:
			errCount++
		case enum.EventDone:
			doneCount++
		}
	}
	assert.Equal(t, 1, errCount)
	assert.Equal(t, 1, doneCount)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, f.OK)
	assert.Equal(t, enum.ErrorInsufficientCredits, f.Error)
}

func echoTool() *Tool {
	return &Tool{
		ID:              "echo",
		InputSchema:     json.RawMessage(`{"type": "object", "required": ["text"], "properties": {"text": {"type": "string"}}}`),
		OutputSchema:    json.RawMessage(`{"type": "object", "required": ["text"], "properties": {"text": {"type": "string"}, "secret": {"type": "string"}}}`),
		OutputAllowlist: []string{"text"},
		Execute: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"text": in.Text, "secret": "do-not-leak"})
		},
	}
}

func TestToolInvokeHappyPath(t *testing.T) {
	registry := NewToolRegistry(echoTool())
	policy := &ToolPolicy{AllowedTools: map[string]bool{"echo": true}}

	result := registry.Invoke(context.Background(), policy, "echo", json.RawMessage(`{"text": "hi"}`))
	require.True(t, result.OK, "error: %s %s", result.ErrorCode, result.Message)

	var out map[string]string
	require.NoError(t, json.Unmarshal(result.Output, &out))
	assert.Equal(t, "hi", out["text"])
	_, leaked := out["secret"]
	assert.False(t, leaked, "redaction must strip fields outside the allowlist")
}

func TestToolInvokeDenyAllWithoutPolicy(t *testing.T) {
	registry := NewToolRegistry(echoTool())

	result := registry.Invoke(context.Background(), nil, "echo", json.RawMessage(`{"text": "hi"}`))
	assert.False(t, result.OK)
	assert.Equal(t, ToolErrDenied, result.ErrorCode)
}

func TestToolInvokeInvalidInput(t *testing.T) {
	registry := NewToolRegistry(echoTool())
	policy := &ToolPolicy{AllowedTools: map[string]bool{"echo": true}}

	result := registry.Invoke(context.Background(), policy, "echo", json.RawMessage(`{"other": 1}`))
	assert.False(t, result.OK)
	assert.Equal(t, ToolErrInvalidInput, result.ErrorCode)
}

func TestToolInvokeRedactionFailure(t *testing.T) {
	tool := echoTool()
	tool.OutputAllowlist = nil
	registry := NewToolRegistry(tool)
	policy := &ToolPolicy{AllowedTools: map[string]bool{"echo": true}}

	result := registry.Invoke(context.Background(), policy, "echo", json.RawMessage(`{"text": "hi"}`))
	assert.False(t, result.OK)
	assert.Equal(t, ToolErrRedactionFailed, result.ErrorCode)
}

func TestToolInvokeExecutionFailure(t *testing.T) {
	tool := echoTool()
	tool.Execute = func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}
	registry := NewToolRegistry(tool)
	policy := &ToolPolicy{AllowedTools: map[string]bool{"echo": true}}

	result := registry.Invoke(context.Background(), policy, "echo", json.RawMessage(`{"text": "hi"}`))
	assert.False(t, result.OK)
	assert.Equal(t, ToolErrExecution, result.ErrorCode)
}

func TestInprocToolEvents(t *testing.T) {
	unit := &fakeUnit{final: run.Final{OK: true, Content: "done", FinishReason: "stop"}}

	graph := &GraphDef{
		Name: "tooluser",
		Run: func(ctx context.Context, env *Env) (string, string, error) {
			result := env.InvokeTool(ctx, "", "echo", json.RawMessage(`{"text": "hi"}`))
			if !result.OK {
				return "", "", run.NewCodedError(enum.ErrorInternal, errors.New(result.ErrorCode))
			}
			final, err := env.Complete(ctx, env.Request.Messages)
			if err != nil {
				return "", "", err
			}
			return final.Content, final.FinishReason, nil
		},
	}

	provider := NewInprocProvider("langgraph", unit, NewToolRegistry(echoTool()), graph)
	req := testRequest("langgraph:tooluser")
	req.ToolIDs = []string{"echo"}

	events, final := provider.RunGraph(context.Background(), req)
	got := drain(t, events)

	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, enum.EventToolCallStart, got[0].Type)
	assert.Equal(t, enum.EventToolCallResult, got[1].Type)
	assert.Equal(t, got[0].ToolCallID, got[1].ToolCallID, "start and result share the call id")
	assert.False(t, got[1].ToolIsError)
	assert.Equal(t, enum.EventAssistantFinal, got[len(got)-2].Type)
	assert.Equal(t, enum.EventDone, got[len(got)-1].Type)

	f, err := final.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, f.OK)
}

func TestInprocToolDeniedEmitsIsError(t *testing.T) {
	unit := &fakeUnit{final: run.Final{OK: true}}
	graph := &GraphDef{
		Name: "tooluser",
		Run: func(ctx context.Context, env *Env) (string, string, error) {
			result := env.InvokeTool(ctx, "call123xy", "echo", json.RawMessage(`{"text": "hi"}`))
			assert.False(t, result.OK)
			return "halted", "stop", nil
		},
	}
	provider := NewInprocProvider("langgraph", unit, NewToolRegistry(echoTool()), graph)

	// No ToolIDs on the request: deny-all.
	events, _ := provider.RunGraph(context.Background(), testRequest("langgraph:tooluser"))
	got := drain(t, events)

	assert.Equal(t, "call123xy", got[0].ToolCallID)
	assert.True(t, got[1].ToolIsError)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[1].ToolOutput, &payload))
	assert.Equal(t, ToolErrDenied, payload["errorCode"])
}

func TestNewToolCallID(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-zA-Z0-9]{9}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewToolCallID()
		assert.Regexp(t, pattern, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90, "ids should be effectively unique")
}
