package run

import (
	"context"
	"encoding/json"

	"cogni/internal/enum"
)

// Event is one element of a run's event stream. The Type field selects
// which of the payload fields are populated.
//
// Ordering contract per run: at most one done; any usage_report precedes
// the terminal done; at most one assistant_final; an error event ends the
// useful portion of the stream.
type Event struct {
	Type enum.EventType `json:"type"`

	// text_delta
	Delta string `json:"delta,omitempty"`

	// tool_call_start / tool_call_result
	ToolCallID  string          `json:"toolCallId,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput  json.RawMessage `json:"toolOutput,omitempty"`
	ToolIsError bool            `json:"toolIsError,omitempty"`

	// usage_report
	Usage *UsageFact `json:"usage,omitempty"`

	// assistant_final
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`

	// error
	ErrorCode enum.ErrorCode `json:"errorCode,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// TextDelta builds a text_delta event.
func TextDelta(delta string) Event {
	return Event{Type: enum.EventTextDelta, Delta: delta}
}

// ToolCallStart builds a tool_call_start event.
func ToolCallStart(callID, name string, input json.RawMessage) Event {
	return Event{Type: enum.EventToolCallStart, ToolCallID: callID, ToolName: name, ToolInput: input}
}

// ToolCallResult builds a tool_call_result event.
func ToolCallResult(callID, name string, output json.RawMessage, isError bool) Event {
	return Event{Type: enum.EventToolCallResult, ToolCallID: callID, ToolName: name, ToolOutput: output, ToolIsError: isError}
}

// UsageReport builds a usage_report event.
func UsageReport(fact UsageFact) Event {
	return Event{Type: enum.EventUsageReport, Usage: &fact}
}

// AssistantFinal builds an assistant_final event.
func AssistantFinal(content, finishReason string) Event {
	return Event{Type: enum.EventAssistantFinal, Content: content, FinishReason: finishReason}
}

// ErrorEvent builds an error event.
func ErrorEvent(code enum.ErrorCode, message string) Event {
	return Event{Type: enum.EventError, ErrorCode: code, Message: message}
}

// Done builds the terminal done event.
func Done() Event {
	return Event{Type: enum.EventDone}
}

// Emit sends an event without wedging a producer whose consumer has gone
// away. After cancellation it still attempts a non-blocking delivery so a
// consumer draining the tail of an aborted run sees terminal events.
func Emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
		select {
		case events <- ev:
		default:
		}
	}
}

// ErrorStream synthesizes a completed (stream, final) pair carrying a
// single error followed by done. Used for pre-call failures and routing
// misses where no provider ever runs.
func ErrorStream(req *Request, code enum.ErrorCode, message string) (<-chan Event, *Deferred) {
	events := make(chan Event, 2)
	events <- ErrorEvent(code, message)
	events <- Done()
	close(events)

	final := NewDeferred()
	final.Resolve(Final{
		OK:        false,
		RunID:     req.RunID,
		RequestID: req.IngressRequestID,
		Error:     code,
	})
	return events, final
}

// EmptyStream synthesizes a pre-resolved failure pair with no events at
// all. Pre-call gate failures use this so the caller's event loop never
// sees a partial run.
func EmptyStream(req *Request, code enum.ErrorCode) (<-chan Event, *Deferred) {
	events := make(chan Event)
	close(events)

	final := NewDeferred()
	final.Resolve(Final{
		OK:        false,
		RunID:     req.RunID,
		RequestID: req.IngressRequestID,
		Error:     code,
	})
	return events, final
}
