// Package graph defines the pluggable graph provider interface, the
// aggregating executor that routes runs by graph-id namespace, and the
// in-process graph runner.
package graph

import (
	"context"

	"cogni/internal/run"
)

// AgentInfo is one catalog entry exposed by a provider.
type AgentInfo struct {
	GraphID     string `json:"graphId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Provider is a pluggable execution unit owning one or more namespaced
// graph ids ("<providerId>:<graphName>"). RunGraph consumes a request and
// produces a (stream, final) pair; the stream owns its upstream
// resources and the final resolves exactly once.
type Provider interface {
	// ProviderID is the namespace prefix this provider owns.
	ProviderID() string

	// CanHandle reports whether this provider executes the given graph id.
	CanHandle(graphID string) bool

	// RunGraph executes one run. Implementations never return a nil pair;
	// failures surface as an error event and a rejected final.
	RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred)

	// ListAgents returns the provider's catalog.
	ListAgents(ctx context.Context) ([]AgentInfo, error)
}

// Executor is anything that can run a graph: a provider, the aggregator,
// or a decorator wrapping either.
type Executor interface {
	RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred)
	ListAgents(ctx context.Context) ([]AgentInfo, error)
}
