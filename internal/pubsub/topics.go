package pubsub

import "fmt"

// Topic constants and helper functions for subscription topics.
// Topics follow a hierarchical naming convention: {resource}:{id}

const (
	// Topic prefixes for run-specific subscriptions
	prefixRunEvents   = "run:events"
	prefixRunTerminal = "run:terminal"

	// Topic prefix for account-level subscriptions (list views)
	prefixAccountRuns = "account:runs"
)

// RunEventsTopic returns the topic carrying a run's event stream.
// Subscribers receive RunEvent messages.
func RunEventsTopic(runID string) string {
	return fmt.Sprintf("%s:%s", prefixRunEvents, runID)
}

// RunTerminalTopic returns the topic announcing a run's terminal state.
// Subscribers receive RunTerminalEvent messages.
func RunTerminalTopic(runID string) string {
	return fmt.Sprintf("%s:%s", prefixRunTerminal, runID)
}

// AccountRunsTopic returns the topic for all run activity of a billing
// account. Used by list views to receive updates for any run.
func AccountRunsTopic(accountID string) string {
	return fmt.Sprintf("%s:%s", prefixAccountRuns, accountID)
}
