package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/logger"
	"cogni/internal/run"
)

// CompletionStarter abstracts the completion unit: the only path by
// which a graph step calls the LLM.
type CompletionStarter interface {
	Execute(ctx context.Context, req *run.Request, messages []run.Message, model string) (<-chan run.Event, *run.Deferred)
}

// Env is the toolkit handed to a graph function: a completion step bound
// to the run's caller and a policy-checked tool executor. Both feed the
// run's event stream as a side effect.
type Env struct {
	Request *run.Request

	// Complete runs one completion unit over the given messages and
	// returns its final. Stream events (deltas, usage reports) are
	// forwarded to the run stream while it executes.
	Complete func(ctx context.Context, messages []run.Message) (*run.Final, error)

	// InvokeTool runs one tool call through policy, validation, and
	// redaction, emitting the tool_call_start/tool_call_result pair.
	// callID may be a model-provided id; empty generates one.
	InvokeTool func(ctx context.Context, callID, toolID string, input json.RawMessage) ToolResult
}

// GraphFunc is the body of a graph: it composes zero or more completion
// units and tool invocations and returns the final assistant content.
type GraphFunc func(ctx context.Context, env *Env) (content, finishReason string, err error)

// GraphDef is one catalog entry of the in-process runner.
type GraphDef struct {
	Name        string
	Description string
	Run         GraphFunc
}

// SingleCompletion is the minimal graph: one completion unit over the
// request messages.
func SingleCompletion() GraphFunc {
	return func(ctx context.Context, env *Env) (string, string, error) {
		final, err := env.Complete(ctx, env.Request.Messages)
		if err != nil {
			return "", "", err
		}
		return final.Content, final.FinishReason, nil
	}
}

// InprocProvider orchestrates multi-step graphs in-process, delegating
// each LLM step to the completion unit.
type InprocProvider struct {
	id      string
	unit    CompletionStarter
	tools   *ToolRegistry
	catalog map[string]*GraphDef
}

// NewInprocProvider creates an in-process provider owning the given
// namespace and graph catalog.
func NewInprocProvider(id string, unit CompletionStarter, tools *ToolRegistry, graphs ...*GraphDef) *InprocProvider {
	catalog := make(map[string]*GraphDef, len(graphs))
	for _, def := range graphs {
		catalog[def.Name] = def
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &InprocProvider{id: id, unit: unit, tools: tools, catalog: catalog}
}

var _ Provider = (*InprocProvider)(nil)

// ProviderID returns the namespace prefix.
func (p *InprocProvider) ProviderID() string {
	return p.id
}

// CanHandle claims every graph id in this provider's namespace. Unknown
// graph names within the namespace are still routed here and fail with
// not_found, which keeps the miss distinguishable from a routing defect.
func (p *InprocProvider) CanHandle(graphID string) bool {
	return strings.HasPrefix(graphID, p.id+":")
}

// ListAgents returns the catalog sorted by graph name.
func (p *InprocProvider) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	agents := make([]AgentInfo, 0, len(p.catalog))
	for name, def := range p.catalog {
		agents = append(agents, AgentInfo{
			GraphID:     p.id + ":" + name,
			Name:        name,
			Description: def.Description,
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// RunGraph executes a catalog graph. The stream carries the composed
// events of every step, then a single assistant_final once the final
// content is known, then a single done.
func (p *InprocProvider) RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred) {
	_, graphName, err := run.ParseGraphID(req.GraphID)
	if err != nil {
		return run.ErrorStream(req, enum.ErrorInvalidRequest, "malformed graph id")
	}

	def, ok := p.catalog[graphName]
	if !ok {
		return run.ErrorStream(req, enum.ErrorNotFound, fmt.Sprintf("graph %q is not in the %s catalog", graphName, p.id))
	}

	events := make(chan run.Event, 4)
	final := run.NewDeferred()

	go p.execute(ctx, req, def, events, final)

	return events, final
}

func (p *InprocProvider) execute(ctx context.Context, req *run.Request, def *GraphDef, events chan<- run.Event, final *run.Deferred) {
	log := logger.GetLogger(ctx).With(
		zap.String("component", "inproc-runner"),
		zap.String("run_id", req.RunID),
		zap.String("graph_id", req.GraphID),
	)

	policy := policyForRequest(req)
	var lastUsage *run.Usage

	env := &Env{
		Request: req,
		Complete: func(stepCtx context.Context, messages []run.Message) (*run.Final, error) {
			stepEvents, stepFinal := p.unit.Execute(stepCtx, req, messages, req.Model)
			for ev := range stepEvents {
				run.Emit(ctx, events, ev)
			}
			stepResult, err := stepFinal.Wait(context.WithoutCancel(stepCtx))
			if err != nil {
				return nil, err
			}
			if !stepResult.OK {
				return nil, run.NewCodedError(stepResult.Error, errors.New("completion step failed"))
			}
			if stepResult.Usage != nil {
				lastUsage = stepResult.Usage
			}
			return &stepResult, nil
		},
		InvokeTool: func(toolCtx context.Context, callID, toolID string, input json.RawMessage) ToolResult {
			if callID == "" {
				callID = NewToolCallID()
			}
			run.Emit(ctx, events, run.ToolCallStart(callID, toolID, input))

			result := p.tools.Invoke(toolCtx, policy, toolID, input)
			if result.OK {
				run.Emit(ctx, events, run.ToolCallResult(callID, toolID, result.Output, false))
			} else {
				payload, _ := json.Marshal(map[string]string{
					"errorCode": result.ErrorCode,
					"message":   result.Message,
				})
				run.Emit(ctx, events, run.ToolCallResult(callID, toolID, payload, true))
			}
			return result
		},
	}

	content, finishReason, err := def.Run(ctx, env)
	if err != nil {
		code := run.Normalize(err)
		log.Warn("graph run failed", zap.Error(err), zap.String("error_code", string(code)))
		// The completion step already emitted its own error event; a graph
		// failure outside a step still needs one.
		var coded *run.CodedError
		if !errors.As(err, &coded) {
			run.Emit(ctx, events, run.ErrorEvent(code, "graph execution failed"))
		}
		run.Emit(ctx, events, run.Done())
		close(events)
		final.Resolve(run.Final{
			OK:        false,
			RunID:     req.RunID,
			RequestID: req.IngressRequestID,
			Error:     code,
		})
		return
	}

	run.Emit(ctx, events, run.AssistantFinal(content, finishReason))
	run.Emit(ctx, events, run.Done())
	close(events)
	final.Resolve(run.Final{
		OK:           true,
		RunID:        req.RunID,
		RequestID:    req.IngressRequestID,
		Content:      content,
		FinishReason: finishReason,
		Usage:        lastUsage,
	})
}

// policyForRequest builds the tool policy from the run request. No tool
// ids means deny-all.
func policyForRequest(req *run.Request) *ToolPolicy {
	if len(req.ToolIDs) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(req.ToolIDs))
	for _, id := range req.ToolIDs {
		allowed[id] = true
	}
	return &ToolPolicy{AllowedTools: allowed}
}

