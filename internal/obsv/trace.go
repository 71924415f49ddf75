package obsv

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/logger"
)

// Trace is one run's observability record. Input and Output hold
// scrubbed payloads only; raw prompt or response content never enters a
// trace.
type Trace struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Input     any                `json:"input,omitempty"`
	Output    any                `json:"output,omitempty"`
	Terminal  enum.TerminalState `json:"terminal,omitempty"`
	ErrorCode enum.ErrorCode     `json:"errorCode,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   *time.Time         `json:"endedAt,omitempty"`
}

// Sink receives traces. Implementations must be safe for concurrent use;
// sink failures are logged and never fail the request path.
type Sink interface {
	CreateTrace(ctx context.Context, trace *Trace) error
	UpdateTrace(ctx context.Context, trace *Trace) error
	Flush(ctx context.Context) error
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// EnsureTraceID returns the given id when it is already a 32-hex trace
// id, otherwise a fresh one.
func EnsureTraceID(id string) string {
	if traceIDPattern.MatchString(id) {
		return id
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a UUID-derived id; rand failing is effectively
		// unreachable on supported platforms.
		return uuid.New().String()[:32]
	}
	return hex.EncodeToString(buf)
}

// LogSink writes traces to the structured log. It is the default sink
// when no external trace backend is configured.
type LogSink struct{}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) CreateTrace(ctx context.Context, trace *Trace) error {
	logger.GetLogger(ctx).Info("trace created",
		zap.String("trace_id", trace.ID),
		zap.String("name", trace.Name))
	return nil
}

func (s *LogSink) UpdateTrace(ctx context.Context, trace *Trace) error {
	logger.GetLogger(ctx).Info("trace terminated",
		zap.String("trace_id", trace.ID),
		zap.String("terminal", string(trace.Terminal)),
		zap.String("error_code", string(trace.ErrorCode)))
	return nil
}

func (s *LogSink) Flush(ctx context.Context) error {
	return nil
}

// LangfuseSink batches trace events to the Langfuse ingestion API.
type LangfuseSink struct {
	host      string
	publicKey string
	secretKey string
	client    *http.Client

	mu      sync.Mutex
	pending []langfuseEvent
}

type langfuseEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Body      *Trace `json:"body"`
}

// NewLangfuseSink creates a sink against the Langfuse ingestion API.
func NewLangfuseSink(host, publicKey, secretKey string) *LangfuseSink {
	return &LangfuseSink{
		host:      host,
		publicKey: publicKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *LangfuseSink) CreateTrace(ctx context.Context, trace *Trace) error {
	s.enqueue("trace-create", trace)
	return nil
}

func (s *LangfuseSink) UpdateTrace(ctx context.Context, trace *Trace) error {
	s.enqueue("trace-update", trace)
	return nil
}

func (s *LangfuseSink) enqueue(eventType string, trace *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, langfuseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Body:      trace,
	})
}

// Flush posts the pending batch. Failed batches are dropped after
// logging; traces are advisory and must never block or fail a request.
func (s *LangfuseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{"batch": batch})
	if err != nil {
		return fmt.Errorf("failed to marshal trace batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/api/public/ingestion", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build ingestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.publicKey, s.secretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post trace batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trace ingestion returned %d", resp.StatusCode)
	}
	return nil
}
