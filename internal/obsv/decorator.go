package obsv

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/graph"
	"cogni/internal/logger"
	"cogni/internal/run"
)

// DefaultFinalizationTimeout is how long a run may sit between stream end
// and a definitive outcome before it is recorded as finalization_lost.
const DefaultFinalizationTimeout = 15 * time.Second

// Decorator wraps any executor with tracing: one trace per run, scrubbed
// input and output, and a once-guarded terminal state.
type Decorator struct {
	inner               graph.Executor
	sink                Sink
	finalizationTimeout time.Duration
}

// Option configures a Decorator.
type Option func(*Decorator)

// WithFinalizationTimeout overrides the finalization-lost timer.
func WithFinalizationTimeout(d time.Duration) Option {
	return func(dec *Decorator) {
		dec.finalizationTimeout = d
	}
}

// NewDecorator wraps an executor with the given trace sink.
func NewDecorator(inner graph.Executor, sink Sink, opts ...Option) *Decorator {
	dec := &Decorator{
		inner:               inner,
		sink:                sink,
		finalizationTimeout: DefaultFinalizationTimeout,
	}
	for _, opt := range opts {
		opt(dec)
	}
	return dec
}

var _ graph.Executor = (*Decorator)(nil)

// ListAgents passes discovery through untouched.
func (d *Decorator) ListAgents(ctx context.Context) ([]graph.AgentInfo, error) {
	return d.inner.ListAgents(ctx)
}

// RunGraph creates the run's trace, then observes the inner (stream,
// final) pair until exactly one terminal outcome is recorded.
func (d *Decorator) RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred) {
	// Normalize the trace id before anything downstream sees the request.
	observed := *req
	observed.Caller.TraceID = EnsureTraceID(req.Caller.TraceID)

	trace := &Trace{
		ID:        observed.Caller.TraceID,
		Name:      req.GraphID,
		Input:     d.scrubInput(&observed),
		StartedAt: time.Now().UTC(),
		Metadata: map[string]string{
			"run_id":             req.RunID,
			"graph_id":           req.GraphID,
			"ingress_request_id": req.IngressRequestID,
			"billing_account_id": req.Caller.BillingAccountID.String(),
		},
	}
	if req.Caller.SessionID != "" {
		trace.Metadata["session_id"] = req.Caller.SessionID
	}
	if req.Caller.UserID != "" {
		trace.Metadata["user_id"] = req.Caller.UserID
	}

	if err := d.sink.CreateTrace(ctx, trace); err != nil {
		logger.GetLogger(ctx).Warn("trace create failed", zap.Error(err))
	}

	innerEvents, innerFinal := d.inner.RunGraph(ctx, &observed)

	guard := &terminalGuard{
		decorator: d,
		trace:     trace,
		ctx:       context.WithoutCancel(ctx),
		mask:      req.Caller.MaskContent,
	}

	outer := make(chan run.Event, 4)
	go d.observeStream(ctx, innerEvents, outer, guard)
	go d.observeFinal(ctx, innerFinal, guard)

	return outer, innerFinal
}

// observeStream forwards inner events while feeding the terminal guard.
func (d *Decorator) observeStream(ctx context.Context, inner <-chan run.Event, outer chan<- run.Event, guard *terminalGuard) {
	sawDone := false
	for ev := range inner {
		switch ev.Type {
		case enum.EventAssistantFinal:
			guard.captureContent(ev.Content)
		case enum.EventError:
			guard.resolve(enum.TerminalError, ev.ErrorCode, "")
		case enum.EventDone:
			sawDone = true
		}
		run.Emit(ctx, outer, ev)
		if ev.Type == enum.EventDone {
			guard.streamEnded()
		}
	}
	close(outer)

	// Early close without a done marker (consumer stopped, producer died)
	// arms the same finalization-lost timer.
	if !sawDone {
		guard.streamEnded()
	}
}

// observeFinal maps the final's resolution onto the terminal state. It
// waits on a detached context (an abort still resolves the final) but
// keeps the run's cancelable ctx: a cancelled run whose final resolved
// ok carries only the partial content accumulated before the abort, and
// its terminal outcome is aborted, not success. The final itself has no
// aborted-but-ok shape, so the ctx is the only signal.
func (d *Decorator) observeFinal(ctx context.Context, final *run.Deferred, guard *terminalGuard) {
	f, err := final.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return
	}

	if f.OK {
		if ctx.Err() != nil {
			guard.resolve(enum.TerminalAborted, "", f.Content)
			return
		}
		guard.resolve(enum.TerminalSuccess, "", f.Content)
		return
	}
	if f.Error == enum.ErrorAborted {
		guard.resolve(enum.TerminalAborted, f.Error, f.Content)
		return
	}
	guard.resolve(enum.TerminalError, f.Error, "")
}

// scrubInput prepares the trace input. Masked callers never get content
// recorded, only shape.
func (d *Decorator) scrubInput(req *run.Request) any {
	if req.Caller.MaskContent {
		return map[string]any{"masked": true, "messageCount": len(req.Messages)}
	}
	return Scrub(req.Messages)
}

// terminalGuard enforces exactly one terminal resolution per trace.
type terminalGuard struct {
	decorator *Decorator
	trace     *Trace
	ctx       context.Context
	mask      bool

	mu            sync.Mutex
	resolved      bool
	streamContent string
	sawContent    bool
	timer         *time.Timer
}

func (g *terminalGuard) captureContent(content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streamContent = content
	g.sawContent = true
}

// streamEnded arms the finalization-lost timer. If no definitive outcome
// arrives before it fires, the run terminates as finalization_lost, or
// as success on stream-captured content when an assistant_final was seen
// but the final never settled.
func (g *terminalGuard) streamEnded() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved || g.timer != nil {
		return
	}
	g.timer = time.AfterFunc(g.decorator.finalizationTimeout, func() {
		g.mu.Lock()
		sawContent := g.sawContent
		content := g.streamContent
		g.mu.Unlock()
		if sawContent {
			g.resolve(enum.TerminalSuccess, "", content)
		} else {
			g.resolve(enum.TerminalFinalizationLost, "", "")
		}
	})
}

// resolve records the terminal outcome exactly once: scrub the output,
// update the trace, flush the sink in the background. finalContent wins
// over stream-captured content when both exist.
func (g *terminalGuard) resolve(state enum.TerminalState, code enum.ErrorCode, finalContent string) {
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	if g.timer != nil {
		g.timer.Stop()
	}
	content := finalContent
	if content == "" {
		content = g.streamContent
	}
	g.mu.Unlock()

	now := time.Now().UTC()
	g.trace.Terminal = state
	g.trace.ErrorCode = code
	g.trace.EndedAt = &now

	switch {
	case state == enum.TerminalSuccess || state == enum.TerminalAborted:
		if g.mask {
			g.trace.Output = map[string]any{"masked": true}
		} else {
			g.trace.Output = Scrub(map[string]any{"content": content})
		}
	default:
		g.trace.Output = map[string]any{"errorCode": string(code)}
	}

	log := logger.GetLogger(g.ctx)
	if err := g.decorator.sink.UpdateTrace(g.ctx, g.trace); err != nil {
		log.Warn("trace update failed", zap.Error(err))
	}

	// Flush never blocks the request path.
	go func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.decorator.sink.Flush(flushCtx); err != nil {
			log.Warn("trace flush failed", zap.Error(err))
		}
	}()
}
