package sandbox

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// maxLogBytes caps each of stdout and stderr collected from a sandbox
	// container.
	maxLogBytes = 2 << 20 // 2 MiB

	// logCollectTimeout bounds log collection for a finished run.
	logCollectTimeout = 5 * time.Second

	// truncationMarker is appended to stderr when a stream hit the cap.
	truncationMarker = "\n[output truncated at 2MiB]"
)

// cappedBuffer accumulates up to cap bytes and silently drops the rest,
// recording that truncation happened.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write implements io.Writer. It never returns an error: stdcopy must
// keep draining the multiplexed stream even after the cap is reached,
// otherwise the frames back up and the log read never terminates.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}

// collectLogs reads and demultiplexes a container's stdout/stderr. Docker
// frames both streams over one connection ([streamType, 0, 0, 0,
// size(4-BE), payload]); stdcopy strips the framing. Each stream is
// capped at 2 MiB, and a truncation marker is placed in stderr when
// either stream exceeded the cap.
func collectLogs(ctx context.Context, cli *client.Client, containerID string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, logCollectTimeout)
	defer cancel()

	reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	outBuf := newCappedBuffer(maxLogBytes)
	errBuf := newCappedBuffer(maxLogBytes)

	if _, err := stdcopy.StdCopy(outBuf, errBuf, reader); err != nil && ctx.Err() == nil {
		return outBuf.String(), errBuf.String(), err
	}

	stderr = errBuf.String()
	if outBuf.truncated || errBuf.truncated {
		stderr += truncationMarker
	}
	return outBuf.String(), stderr, nil
}
