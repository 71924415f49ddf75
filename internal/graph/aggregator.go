package graph

import (
	"context"

	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/logger"
	"cogni/internal/run"
)

// Aggregator routes each run to exactly one provider by a single linear
// search over the registered list; registration order wins ties.
type Aggregator struct {
	providers []Provider
}

// NewAggregator creates an aggregating executor over an ordered provider list.
func NewAggregator(providers ...Provider) *Aggregator {
	return &Aggregator{providers: providers}
}

var _ Executor = (*Aggregator)(nil)

// RunGraph dispatches to the first provider claiming the graph id. A
// malformed id is rejected before the search; a routing miss synthesizes
// an {error, done} stream with an internal final, since an unroutable
// namespace is a deployment defect rather than a caller mistake.
func (a *Aggregator) RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred) {
	log := logger.GetLogger(ctx)

	if _, _, err := run.ParseGraphID(req.GraphID); err != nil {
		log.Warn("rejecting malformed graph id",
			zap.String("graph_id", req.GraphID),
			zap.String("run_id", req.RunID))
		return run.ErrorStream(req, enum.ErrorInvalidRequest, "malformed graph id")
	}

	for _, provider := range a.providers {
		if provider.CanHandle(req.GraphID) {
			return provider.RunGraph(ctx, req)
		}
	}

	log.Error("no provider for graph id",
		zap.String("graph_id", req.GraphID),
		zap.String("run_id", req.RunID))
	return run.ErrorStream(req, enum.ErrorInternal, "no provider for graph id")
}

// ListAgents flat-concatenates the providers' catalogs. A failing
// provider is logged and skipped so one broken catalog does not hide the
// rest.
func (a *Aggregator) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo
	for _, provider := range a.providers {
		infos, err := provider.ListAgents(ctx)
		if err != nil {
			logger.GetLogger(ctx).Warn("provider catalog failed",
				zap.String("provider_id", provider.ProviderID()),
				zap.Error(err))
			continue
		}
		agents = append(agents, infos...)
	}
	return agents, nil
}
