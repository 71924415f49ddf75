package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuditLog(t *testing.T) {
	log := strings.Join([]string{
		`ts=2026-08-01T10:00:00Z run_id=run-1 litellm_call_id=gen-aaa litellm_response_cost=0.002 status=200`,
		`ts=2026-08-01T10:00:01Z run_id=run-1 litellm_call_id=gen-bbb litellm_response_cost=- status=200`,
		`ts=2026-08-01T10:00:02Z run_id=run-1 litellm_call_id=- litellm_response_cost=0.001 status=502`,
		`ts=2026-08-01T10:00:03Z run_id=run-1 litellm_response_cost=0.001 status=200`,
		`ts=2026-08-01T10:00:04Z run_id=run-1 litellm_call_id=gen-aaa litellm_response_cost=0.002 status=200`,
	}, "\n")

	entries, err := ParseAuditLog(strings.NewReader(log), "run-1")
	require.NoError(t, err)

	// Missing and "-" call ids discarded, duplicate gen-aaa collapsed,
	// log order preserved.
	require.Len(t, entries, 2)
	assert.Equal(t, "gen-aaa", entries[0].ProviderCallID)
	require.NotNil(t, entries[0].CostUSD)
	assert.Equal(t, "0.002", entries[0].CostUSD.String())
	assert.Equal(t, "gen-bbb", entries[1].ProviderCallID)
	assert.Nil(t, entries[1].CostUSD, "dash cost parses to absent")
}

func TestParseAuditLogRunFilter(t *testing.T) {
	log := strings.Join([]string{
		`run_id=run-1 litellm_call_id=gen-mine litellm_response_cost=0.001`,
		`run_id=run-2 litellm_call_id=gen-other litellm_response_cost=0.001`,
		`litellm_call_id=gen-unstamped litellm_response_cost=0.001`,
	}, "\n")

	entries, err := ParseAuditLog(strings.NewReader(log), "run-1")
	require.NoError(t, err)

	// Unstamped lines are kept: a per-run proxy may never write run_id.
	require.Len(t, entries, 2)
	assert.Equal(t, "gen-mine", entries[0].ProviderCallID)
	assert.Equal(t, "gen-unstamped", entries[1].ProviderCallID)
}

func TestParseAuditLogEmpty(t *testing.T) {
	entries, err := ParseAuditLog(strings.NewReader(""), "run-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseAuditLogQuotedValues(t *testing.T) {
	entries, err := ParseAuditLog(strings.NewReader(`litellm_call_id="gen-q" litellm_response_cost="0.5"`), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gen-q", entries[0].ProviderCallID)
	assert.Equal(t, "0.5", entries[0].CostUSD.String())
}

func TestCappedBuffer(t *testing.T) {
	buf := newCappedBuffer(8)

	n, err := buf.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, buf.truncated)

	// Crossing the cap keeps the prefix and keeps accepting writes so the
	// stream demux never stalls.
	n, err = buf.Write([]byte("67890"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, buf.truncated)
	assert.Equal(t, "12345678", buf.String())

	n, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "12345678", buf.String())
}

func TestStdcopyDemuxIntoCappedBuffers(t *testing.T) {
	// Build a multiplexed stream the way the Docker daemon frames it.
	var muxed bytes.Buffer
	stdoutWriter := stdcopy.NewStdWriter(&muxed, stdcopy.Stdout)
	stderrWriter := stdcopy.NewStdWriter(&muxed, stdcopy.Stderr)
	stdoutWriter.Write([]byte("out-line\n"))
	stderrWriter.Write([]byte("err-line\n"))
	stdoutWriter.Write([]byte("more-out\n"))

	outBuf := newCappedBuffer(maxLogBytes)
	errBuf := newCappedBuffer(maxLogBytes)
	_, err := stdcopy.StdCopy(outBuf, errBuf, &muxed)
	require.NoError(t, err)

	assert.Equal(t, "out-line\nmore-out\n", outBuf.String())
	assert.Equal(t, "err-line\n", errBuf.String())
}

func TestReadAgentResult(t *testing.T) {
	workspace := t.TempDir()

	_, err := readAgentResult(workspace)
	assert.Error(t, err, "missing result file is an error")

	payload := `{"content": "a poem", "finishReason": "stop", "llmCalls": 2}`
	require.NoError(t, os.WriteFile(filepath.Join(workspace, resultFileName), []byte(payload), 0o644))

	result, err := readAgentResult(workspace)
	require.NoError(t, err)
	assert.Equal(t, "a poem", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 2, result.LLMCalls)
}

func TestProviderCanHandle(t *testing.T) {
	provider := &Provider{id: "sandbox"}

	assert.True(t, provider.CanHandle("sandbox:researcher"))
	assert.False(t, provider.CanHandle("langgraph:poet"))
	assert.False(t, provider.CanHandle("sandbox"))
}

func TestSocketVolumeName(t *testing.T) {
	assert.Equal(t, "cogni-proxy-sock-run-9", SocketVolumeName("run-9"))
}

func TestReadinessBackoffSchedule(t *testing.T) {
	// The probe schedule is part of the readiness contract.
	var total int64
	for i := 1; i < len(readinessBackoff); i++ {
		assert.Equal(t, readinessBackoff[i-1]*2, readinessBackoff[i], "backoff must double")
	}
	for _, d := range readinessBackoff {
		total += d.Milliseconds()
	}
	assert.Equal(t, int64(1550), total)
}
