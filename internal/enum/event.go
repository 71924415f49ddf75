package enum

// EventType tags the variants of the run event stream.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallResult EventType = "tool_call_result"
	EventUsageReport    EventType = "usage_report"
	EventAssistantFinal EventType = "assistant_final"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Values returns all possible event type values
func (EventType) Values() []string {
	return []string{
		string(EventTextDelta),
		string(EventToolCallStart),
		string(EventToolCallResult),
		string(EventUsageReport),
		string(EventAssistantFinal),
		string(EventError),
		string(EventDone),
	}
}

// ExecutorType identifies which execution path produced a usage fact.
type ExecutorType string

const (
	ExecutorInproc  ExecutorType = "inproc"
	ExecutorSandbox ExecutorType = "sandbox"
)

// TerminalState is the observability decorator's one-shot run outcome.
type TerminalState string

const (
	TerminalSuccess          TerminalState = "success"
	TerminalError            TerminalState = "error"
	TerminalAborted          TerminalState = "aborted"
	TerminalFinalizationLost TerminalState = "finalization_lost"
)
