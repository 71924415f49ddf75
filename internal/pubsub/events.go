package pubsub

import (
	"time"

	"cogni/internal/run"
)

// RunEvent wraps one run stream event for fan-out to observers. The
// payload is the already-normalized AiEvent; observers must not treat it
// as the primary stream: ordering and delivery are best-effort here,
// the request's own stream is authoritative.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id"`
	Event     run.Event `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// RunTerminalEvent announces a run's terminal outcome.
type RunTerminalEvent struct {
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id"`
	Terminal  string    `json:"terminal"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
