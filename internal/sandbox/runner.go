package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/graph"
	"cogni/internal/logger"
	"cogni/internal/run"
)

const (
	RoleSandbox = "sandbox"

	sandboxNamePrefix = "cogni-sandbox-"

	// workspaceMountPath is where the run's workspace directory is mounted
	// read-write inside the sandbox.
	workspaceMountPath = "/workspace"

	requestFileName = "request.json"
	resultFileName  = "result.json"

	// bridgePort is the local port inside the sandbox that tunnels to the
	// proxy's unix socket; the agent's OpenAI-compatible base URL points
	// at it.
	bridgePort = 4000

	// sandboxUser is the non-root uid:gid the agent runs as.
	sandboxUser = "65532:65532"
)

// Config configures sandbox runs.
type Config struct {
	// Image is the agent container image.
	Image string

	// WorkspaceRoot is the host directory under which per-run workspaces
	// are created.
	WorkspaceRoot string

	// RuntimeLimit is the wall-clock limit for one run.
	RuntimeLimit time.Duration

	// MemoryBytes caps container memory.
	MemoryBytes int64

	// PidsLimit caps the number of processes.
	PidsLimit int64
}

// agentRequest is the file handed to the agent in its workspace.
type agentRequest struct {
	RunID     string        `json:"runId"`
	GraphID   string        `json:"graphId"`
	GraphName string        `json:"graphName"`
	Messages  []run.Message `json:"messages"`
	Model     string        `json:"model,omitempty"`
	ToolIDs   []string      `json:"toolIds,omitempty"`
}

// agentResult is the file the agent writes back on success.
type agentResult struct {
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`

	// LLMCalls is the agent's own count of upstream calls. It cross-checks
	// the proxy audit log: calls with no audit entries means billing would
	// be silently incomplete.
	LLMCalls int `json:"llmCalls"`
}

// Provider runs untrusted agents in per-run ephemeral containers. The
// paired egress proxy, not the agent, is the billing authority.
type Provider struct {
	id      string
	client  *client.Client
	proxies *ProxyManager
	config  Config
	agents  []graph.AgentInfo
}

// NewProvider creates the sandbox graph provider.
func NewProvider(id string, cli *client.Client, proxies *ProxyManager, config Config, agents []graph.AgentInfo) *Provider {
	return &Provider{
		id:      id,
		client:  cli,
		proxies: proxies,
		config:  config,
		agents:  agents,
	}
}

var _ graph.Provider = (*Provider)(nil)

// ProviderID returns the namespace prefix.
func (p *Provider) ProviderID() string {
	return p.id
}

// CanHandle claims every graph id in the sandbox namespace.
func (p *Provider) CanHandle(graphID string) bool {
	return strings.HasPrefix(graphID, p.id+":")
}

// ListAgents returns the configured sandbox catalog.
func (p *Provider) ListAgents(ctx context.Context) ([]graph.AgentInfo, error) {
	return p.agents, nil
}

// RunGraph executes one sandboxed run: proxy up, agent container to
// completion, audit log to usage facts, teardown.
func (p *Provider) RunGraph(ctx context.Context, req *run.Request) (<-chan run.Event, *run.Deferred) {
	events := make(chan run.Event, 8)
	final := run.NewDeferred()

	go p.execute(ctx, req, events, final)

	return events, final
}

// runOutcome captures how the agent container ended.
type runOutcome struct {
	exitCode  int
	timedOut  bool
	oomKilled bool
	aborted   bool
	stdout    string
	stderr    string
}

func (p *Provider) execute(ctx context.Context, req *run.Request, events chan<- run.Event, final *run.Deferred) {
	log := logger.GetLogger(ctx).With(
		zap.String("component", "sandbox-runner"),
		zap.String("run_id", req.RunID),
		zap.String("graph_id", req.GraphID),
	)

	fail := func(code enum.ErrorCode, message string) {
		run.Emit(ctx, events, run.ErrorEvent(code, message))
		run.Emit(ctx, events, run.Done())
		close(events)
		final.Resolve(run.Final{
			OK:        false,
			RunID:     req.RunID,
			RequestID: req.IngressRequestID,
			Error:     code,
		})
	}

	_, graphName, err := run.ParseGraphID(req.GraphID)
	if err != nil {
		fail(enum.ErrorInvalidRequest, "malformed graph id")
		return
	}

	workspace, err := p.prepareWorkspace(req, graphName)
	if err != nil {
		log.Error("failed to prepare workspace", zap.Error(err))
		fail(enum.ErrorInternal, "workspace setup failed")
		return
	}
	defer os.RemoveAll(workspace)

	proxy, err := p.proxies.Start(ctx, req)
	if err != nil {
		log.Error("failed to start egress proxy", zap.Error(err))
		fail(enum.ErrorInternal, "proxy setup failed")
		return
	}

	// The proxy and its audit log live until the run is fully settled;
	// teardown happens in settle or here on early failure.
	outcome, runErr := p.runContainer(ctx, req, workspace, proxy)
	if runErr != nil {
		log.Error("sandbox container failed", zap.Error(runErr))
		if _, err := p.proxies.Stop(context.WithoutCancel(ctx), req.RunID); err != nil {
			log.Warn("proxy teardown failed", zap.Error(err))
		}
		if outcome != nil && outcome.aborted {
			fail(enum.ErrorAborted, "run cancelled")
			return
		}
		fail(run.Normalize(runErr), "sandbox execution failed")
		return
	}

	p.settle(ctx, req, workspace, outcome, events, final)
}

// prepareWorkspace creates the per-run host directory and writes the
// agent request file.
func (p *Provider) prepareWorkspace(req *run.Request, graphName string) (string, error) {
	workspace := filepath.Join(p.config.WorkspaceRoot, req.RunID)
	if err := os.MkdirAll(workspace, 0o777); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	request := agentRequest{
		RunID:     req.RunID,
		GraphID:   req.GraphID,
		GraphName: graphName,
		Messages:  req.Messages,
		Model:     req.Model,
		ToolIDs:   req.ToolIDs,
	}
	payload, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		os.RemoveAll(workspace)
		return "", fmt.Errorf("failed to marshal agent request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, requestFileName), payload, 0o644); err != nil {
		os.RemoveAll(workspace)
		return "", fmt.Errorf("failed to write agent request: %w", err)
	}
	return workspace, nil
}

// runContainer creates, starts, and waits out the agent container,
// removing it before returning.
func (p *Provider) runContainer(ctx context.Context, req *run.Request, workspace string, proxy *ProxyHandle) (*runOutcome, error) {
	log := logger.GetLogger(ctx)

	containerConfig := &container.Config{
		Image: p.config.Image,
		Env: []string{
			fmt.Sprintf("OPENAI_BASE_URL=http://127.0.0.1:%d/v1", bridgePort),
			"COGNI_RUN_ID=" + req.RunID,
			"COGNI_PROXY_SOCKET=" + filepath.Join(SocketMountPath, SocketFile),
			"COGNI_WORKSPACE=" + workspaceMountPath,
		},
		User: sandboxUser,
		Labels: map[string]string{
			LabelRole:  RoleSandbox,
			LabelRunID: req.RunID,
		},
	}

	pidsLimit := p.config.PidsLimit
	hostConfig := &container.HostConfig{
		// The agent has no network of its own; its only egress is the
		// proxy's unix socket carried on the shared volume.
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,size=64m",
			"/run": "rw,size=16m",
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: workspaceMountPath,
			},
			{
				Type:   mount.TypeVolume,
				Source: proxy.VolumeName,
				Target: SocketMountPath,
			},
		},
		Resources: container.Resources{
			Memory:    p.config.MemoryBytes,
			PidsLimit: &pidsLimit,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, sandboxNamePrefix+req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		if err := p.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn("failed to remove sandbox container", zap.Error(err))
		}
	}()

	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	outcome := &runOutcome{}

	// Wait for exit with a wall-clock race. Wait on a detached context:
	// caller cancellation must kill the container, not abandon the wait.
	waitCtx := context.WithoutCancel(ctx)
	statusCh, errCh := p.client.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		outcome.exitCode = int(status.StatusCode)
	case err := <-errCh:
		return outcome, fmt.Errorf("error waiting for sandbox container: %w", err)
	case <-time.After(p.config.RuntimeLimit):
		outcome.timedOut = true
		if err := p.client.ContainerKill(waitCtx, containerID, "KILL"); err != nil {
			log.Warn("failed to kill timed-out sandbox", zap.Error(err))
		}
		<-statusCh
	case <-ctx.Done():
		outcome.aborted = true
		if err := p.client.ContainerKill(waitCtx, containerID, "KILL"); err != nil {
			log.Warn("failed to kill cancelled sandbox", zap.Error(err))
		}
		<-statusCh
		return outcome, ctx.Err()
	}

	// OOM shows up in the inspection state, not the exit status.
	if inspect, err := p.client.ContainerInspect(waitCtx, containerID); err == nil && inspect.State != nil {
		outcome.oomKilled = inspect.State.OOMKilled
	}

	stdout, stderr, err := collectLogs(waitCtx, p.client, containerID)
	if err != nil {
		log.Warn("failed to collect sandbox logs", zap.Error(err))
	}
	outcome.stdout = stdout
	outcome.stderr = stderr

	return outcome, nil
}

// settle turns the finished container and the proxy audit log into the
// run's terminal events, then resolves the final.
func (p *Provider) settle(ctx context.Context, req *run.Request, workspace string, outcome *runOutcome, events chan<- run.Event, final *run.Deferred) {
	log := logger.GetLogger(ctx).With(zap.String("run_id", req.RunID))

	// Stop the proxy first: its audit log is the billing source and must
	// be read before any terminal event is emitted so every usage_report
	// precedes done.
	auditLog, err := p.proxies.Stop(context.WithoutCancel(ctx), req.RunID)
	if err != nil {
		log.Warn("proxy teardown reported errors", zap.Error(err))
	}

	entries, parseErr := ParseAuditLogBytes(auditLog, req.RunID)
	if parseErr != nil {
		log.Error("failed to parse audit log", zap.Error(parseErr))
	}
	for _, entry := range entries {
		run.Emit(ctx, events, run.UsageReport(run.UsageFact{
			RunID:            req.RunID,
			Attempt:          0,
			Source:           enum.UsageSourceLiteLLM,
			ExecutorType:     enum.ExecutorSandbox,
			BillingAccountID: req.Caller.BillingAccountID,
			VirtualKeyID:     req.Caller.VirtualKeyID,
			GraphID:          req.GraphID,
			UsageUnitID:      entry.ProviderCallID,
			CostUSD:          entry.CostUSD,
		}))
	}

	fail := func(code enum.ErrorCode, message string) {
		run.Emit(ctx, events, run.ErrorEvent(code, message))
		run.Emit(ctx, events, run.Done())
		close(events)
		final.Resolve(run.Final{
			OK:        false,
			RunID:     req.RunID,
			RequestID: req.IngressRequestID,
			Error:     code,
		})
	}

	switch {
	case outcome.timedOut:
		fail(enum.ErrorTimeout, "sandbox exceeded runtime limit")
		return
	case outcome.oomKilled:
		log.Error("sandbox killed by oom", zap.Int("exit_code", outcome.exitCode))
		fail(enum.ErrorInternal, "sandbox out of memory")
		return
	case outcome.exitCode != 0:
		log.Error("sandbox exited non-zero",
			zap.Int("exit_code", outcome.exitCode),
			zap.String("stderr", truncateForLog(outcome.stderr)))
		fail(enum.ErrorInternal, fmt.Sprintf("sandbox exited with code %d", outcome.exitCode))
		return
	}

	result, err := readAgentResult(workspace)
	if err != nil {
		log.Error("sandbox produced no result", zap.Error(err))
		fail(enum.ErrorInternal, "sandbox produced no result")
		return
	}

	if result.LLMCalls > 0 && len(entries) == 0 {
		// The agent claims it made upstream calls but the billing
		// authority saw none: settling the run would silently under-bill.
		log.Error("audit log empty for run with llm calls",
			zap.String("invariant", "audit_covers_llm_calls"),
			zap.Int("llm_calls", result.LLMCalls))
		fail(enum.ErrorInternal, "billing audit incomplete")
		return
	}

	run.Emit(ctx, events, run.AssistantFinal(result.Content, result.FinishReason))
	run.Emit(ctx, events, run.Done())
	close(events)
	final.Resolve(run.Final{
		OK:           true,
		RunID:        req.RunID,
		RequestID:    req.IngressRequestID,
		Content:      result.Content,
		FinishReason: result.FinishReason,
	})
}

func readAgentResult(workspace string) (*agentResult, error) {
	payload, err := os.ReadFile(filepath.Join(workspace, resultFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent result: %w", err)
	}
	var result agentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to parse agent result: %w", err)
	}
	return &result, nil
}

func truncateForLog(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
