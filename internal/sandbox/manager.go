package sandbox

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"cogni/internal/logger"
	"cogni/internal/run"
)

const (
	// Labels shared by every proxy container and volume so a sweep can
	// reap orphans from crashed runs.
	LabelRole  = "cogni.role"
	LabelRunID = "cogni.run.id"
	RoleProxy  = "llm-proxy"

	// proxyNetworkName is the internal, no-egress network proxies attach to.
	proxyNetworkName = "cogni-proxy-internal"

	// AuditLogPath is where the proxy writes its append-only audit log.
	// Explicitly not /var/log/nginx/access.log: that path is symlinked to
	// stdout on the base image and the export would come back empty.
	AuditLogPath = "/var/log/llm-proxy/audit.log"

	// SocketMountPath is where the per-run socket volume is mounted in
	// both the proxy and the sandbox.
	SocketMountPath = "/sockets"

	// SocketFile is the unix socket the proxy listens on.
	SocketFile = "llm.sock"

	socketVolumePrefix = "cogni-proxy-sock-"
	proxyNamePrefix    = "cogni-proxy-"

	// proxyStopTimeout bounds the graceful stop of a proxy container.
	proxyStopTimeout = 10 * time.Second

	// execDrainTimeout bounds draining a readiness exec stream before the
	// poll fallback takes over.
	execDrainTimeout = 500 * time.Millisecond

	// execPollTimeout bounds the exec-inspect poll fallback.
	execPollTimeout = time.Second
)

// readinessBackoff is the probe schedule for the proxy socket.
var readinessBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// ProxyConfig configures proxy containers.
type ProxyConfig struct {
	// Image is the egress proxy container image.
	Image string

	// UpstreamURL and MasterKey configure the proxy's upstream LLM calls.
	// The master key never enters the sandbox container.
	UpstreamURL string
	MasterKey   string
}

// ProxyHandle identifies one live per-run proxy.
type ProxyHandle struct {
	RunID       string
	ContainerID string
	VolumeName  string
}

// ProxyManager owns the per-run egress proxies: one container plus one
// named socket volume per run, tracked in a process-wide map keyed by
// run id. Inserts happen before container start and deletes in Stop, so
// a crash between the two leaves a labeled orphan the startup sweep can
// reap.
type ProxyManager struct {
	client *client.Client
	config ProxyConfig

	mu      sync.Mutex
	proxies map[string]*ProxyHandle
}

// NewProxyManager creates a proxy manager on the given Docker client.
func NewProxyManager(cli *client.Client, config ProxyConfig) *ProxyManager {
	return &ProxyManager{
		client:  cli,
		config:  config,
		proxies: make(map[string]*ProxyHandle),
	}
}

// SocketVolumeName returns the per-run socket volume name.
func SocketVolumeName(runID string) string {
	return socketVolumePrefix + runID
}

// Start launches the egress proxy for a run and blocks until it is
// accepting connections on its unix socket. On failure every partial
// resource is torn down before returning.
func (m *ProxyManager) Start(ctx context.Context, req *run.Request) (*ProxyHandle, error) {
	log := logger.GetLogger(ctx).With(
		zap.String("component", "proxy-manager"),
		zap.String("run_id", req.RunID),
	)

	handle := &ProxyHandle{
		RunID:      req.RunID,
		VolumeName: SocketVolumeName(req.RunID),
	}

	// Reserve the map slot before anything exists so a concurrent start
	// for the same run fails fast.
	m.mu.Lock()
	if _, exists := m.proxies[req.RunID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("proxy already running for run %s", req.RunID)
	}
	m.proxies[req.RunID] = handle
	m.mu.Unlock()

	if err := m.ensureInternalNetwork(ctx); err != nil {
		m.release(req.RunID)
		return nil, fmt.Errorf("failed to ensure proxy network: %w", err)
	}

	if _, err := m.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: handle.VolumeName,
		Labels: map[string]string{
			LabelRole:  RoleProxy,
			LabelRunID: req.RunID,
		},
	}); err != nil {
		m.release(req.RunID)
		return nil, fmt.Errorf("failed to create socket volume: %w", err)
	}

	metadata, err := json.Marshal(map[string]any{
		"runId":   req.RunID,
		"attempt": 0,
		"graphId": req.GraphID,
	})
	if err != nil {
		m.cleanup(ctx, handle)
		return nil, fmt.Errorf("failed to marshal proxy metadata: %w", err)
	}

	containerConfig := &container.Config{
		Image: m.config.Image,
		Env: []string{
			"PROXY_UPSTREAM_URL=" + m.config.UpstreamURL,
			"PROXY_MASTER_KEY=" + m.config.MasterKey,
			// The billing-account header is injected by the proxy on every
			// outbound call; it is never trusted from inside the sandbox.
			"PROXY_BILLING_ACCOUNT=" + req.Caller.BillingAccountID.String(),
			"PROXY_CALL_METADATA=" + string(metadata),
			"PROXY_AUDIT_LOG=" + AuditLogPath,
			"PROXY_SOCKET=" + path.Join(SocketMountPath, SocketFile),
		},
		Labels: map[string]string{
			LabelRole:  RoleProxy,
			LabelRunID: req.RunID,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(proxyNetworkName),
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: handle.VolumeName,
				Target: SocketMountPath,
			},
		},
	}

	resp, err := m.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, proxyNamePrefix+req.RunID)
	if err != nil {
		m.cleanup(ctx, handle)
		return nil, fmt.Errorf("failed to create proxy container: %w", err)
	}
	handle.ContainerID = resp.ID

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.cleanup(ctx, handle)
		return nil, fmt.Errorf("failed to start proxy container: %w", err)
	}

	if err := m.waitForSocket(ctx, resp.ID); err != nil {
		m.cleanup(ctx, handle)
		return nil, fmt.Errorf("proxy never became ready: %w", err)
	}

	log.Info("proxy ready", zap.String("container_id", resp.ID))
	return handle, nil
}

// Stop exports the proxy's audit log, then tears down the container and
// socket volume. The audit log is returned even when parts of the
// teardown fail, since billing depends on it.
func (m *ProxyManager) Stop(ctx context.Context, runID string) ([]byte, error) {
	m.mu.Lock()
	handle, ok := m.proxies[runID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no proxy for run %s", runID)
	}

	var errs *multierror.Error

	auditLog, err := m.exportAuditLog(ctx, handle.ContainerID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to export audit log: %w", err))
	}

	timeout := int(proxyStopTimeout.Seconds())
	if err := m.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to stop proxy container: %w", err))
	}
	if err := m.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to remove proxy container: %w", err))
	}
	if err := m.client.VolumeRemove(ctx, handle.VolumeName, true); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to remove socket volume: %w", err))
	}

	m.release(runID)
	return auditLog, errs.ErrorOrNil()
}

// StopAll tears down every live proxy. Used on shutdown.
func (m *ProxyManager) StopAll(ctx context.Context) {
	m.mu.Lock()
	runIDs := make([]string, 0, len(m.proxies))
	for runID := range m.proxies {
		runIDs = append(runIDs, runID)
	}
	m.mu.Unlock()

	for _, runID := range runIDs {
		if _, err := m.Stop(ctx, runID); err != nil {
			logger.GetLogger(ctx).Warn("failed to stop proxy during shutdown",
				zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// Sweep reaps proxy containers and socket volumes left behind by crashed
// runs. Call at startup, before any run is accepted.
func (m *ProxyManager) Sweep(ctx context.Context) (int, error) {
	log := logger.GetLogger(ctx).With(zap.String("component", "proxy-manager"))

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelRole+"="+RoleProxy)

	reaped := 0

	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned proxies: %w", err)
	}
	for _, c := range containers {
		if err := m.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn("failed to remove orphaned proxy container",
				zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		reaped++
	}

	volumes, err := m.client.VolumeList(ctx, volume.ListOptions{Filters: filterArgs})
	if err != nil {
		return reaped, fmt.Errorf("failed to list orphaned volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if err := m.client.VolumeRemove(ctx, v.Name, true); err != nil {
			log.Warn("failed to remove orphaned socket volume",
				zap.String("volume", v.Name), zap.Error(err))
			continue
		}
		reaped++
	}

	return reaped, nil
}

// waitForSocket proves the proxy accepts connections by exec-ing
// `test -S <socket>` inside the container with exponential backoff.
func (m *ProxyManager) waitForSocket(ctx context.Context, containerID string) error {
	socketPath := path.Join(SocketMountPath, SocketFile)

	var lastErr error
	for _, delay := range readinessBackoff {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		ok, err := m.execProbe(ctx, containerID, []string{"test", "-S", socketPath})
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = fmt.Errorf("socket %s not present yet", socketPath)
	}
	return fmt.Errorf("readiness probe exhausted: %w", lastErr)
}

// execProbe runs a command inside a container and reports whether it
// exited zero. The attach stream MUST be drained to completion (or a
// bounded timeout) before inspecting the exit code: abandoning it leaks
// an HTTP connection from the client's pool, and after roughly five
// leaks every subsequent Docker call hangs indefinitely.
func (m *ProxyManager) execProbe(ctx context.Context, containerID string, cmd []string) (bool, error) {
	execResp, err := m.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := m.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to attach exec: %w", err)
	}

	if err := drainExec(ctx, attach); err != nil {
		// Drain timed out; fall back to polling the exec state so the
		// connection is still released deterministically.
		attach.Close()
		if err := m.pollExecDone(ctx, execResp.ID); err != nil {
			return false, err
		}
	} else {
		attach.Close()
	}

	inspect, err := m.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode == 0, nil
}

// drainExec consumes the exec output stream within a bounded window.
func drainExec(ctx context.Context, attach types.HijackedResponse) error {
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(io.Discard, io.Discard, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-time.After(execDrainTimeout):
		return fmt.Errorf("exec drain timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollExecDone waits for the exec to finish via inspect polling.
func (m *ProxyManager) pollExecDone(ctx context.Context, execID string) error {
	deadline := time.Now().Add(execPollTimeout)
	for time.Now().Before(deadline) {
		inspect, err := m.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return err
		}
		if !inspect.Running {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exec still running after poll timeout")
}

// exportAuditLog copies the audit log file out of the proxy container.
func (m *ProxyManager) exportAuditLog(ctx context.Context, containerID string) ([]byte, error) {
	reader, _, err := m.client.CopyFromContainer(ctx, containerID, AuditLogPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	// CopyFromContainer returns a tar stream holding the single file.
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audit log archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		return io.ReadAll(tr)
	}
	return nil, fmt.Errorf("audit log not found in archive")
}

// ensureInternalNetwork creates the no-egress proxy network if absent.
func (m *ProxyManager) ensureInternalNetwork(ctx context.Context) error {
	networks, err := m.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name == proxyNetworkName {
			return nil
		}
	}

	_, err = m.client.NetworkCreate(ctx, proxyNetworkName, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels: map[string]string{
			LabelRole: RoleProxy,
		},
	})
	return err
}

// release drops a run's map entry.
func (m *ProxyManager) release(runID string) {
	m.mu.Lock()
	delete(m.proxies, runID)
	m.mu.Unlock()
}

// cleanup tears down partial resources from a failed Start.
func (m *ProxyManager) cleanup(ctx context.Context, handle *ProxyHandle) {
	if handle.ContainerID != "" {
		m.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true})
	}
	m.client.VolumeRemove(ctx, handle.VolumeName, true)
	m.release(handle.RunID)
}
