package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"cogni/internal/logger"
	"cogni/internal/run"
)

// maxSSELineBytes bounds a single server-sent event line.
const maxSSELineBytes = 1 << 20

// streamChunk is one SSE data payload from the upstream proxy.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CompleteStream performs a streaming completion. It returns a lazy event
// sequence and a deferred final result. The final settles exactly once,
// in the stream-completion hook: after a normal end it resolves with the
// accumulated result, after a provider error it rejects, and after
// cancellation it resolves ok with the partial content accumulated so far
// (abort is not an error at this layer).
func (c *Client) CompleteStream(ctx context.Context, params Params) (<-chan StreamEvent, *Deferred, error) {
	body := c.buildRequest(params)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := c.post(ctx, c.streaming, body)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan StreamEvent)
	final := NewDeferred()

	go c.consumeStream(ctx, resp, params, events, final)

	return events, final, nil
}

func (c *Client) consumeStream(ctx context.Context, resp *http.Response, params Params, events chan<- StreamEvent, final *Deferred) {
	defer resp.Body.Close()

	log := logger.GetLogger(ctx).With(
		zap.String("component", "llm-transport"),
		zap.String("ingress_request_id", params.IngressRequestID),
	)

	result := &Result{
		Model:  params.Model,
		CallID: resp.Header.Get(HeaderCallID),
	}
	result.CostUSD = parseCostHeader(ctx, resp.Header.Get(HeaderResponseCost))

	var content strings.Builder
	var streamErr error

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

scan:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Malformed SSE lines are logged and skipped; the stream continues.
			log.Warn("skipping malformed sse line", zap.String("line", truncate(line, 200)))
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn("skipping unparseable sse chunk", zap.Error(err))
			continue
		}

		if chunk.Error != nil {
			streamErr = fmt.Errorf("provider stream error (%s): %s", chunk.Error.Type, chunk.Error.Message)
			select {
			case events <- StreamEvent{Err: streamErr}:
			case <-ctx.Done():
			}
			break
		}

		if result.CallID == "" && chunk.ID != "" {
			result.CallID = chunk.ID
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.Usage = &run.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				result.FinishReason = *choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			select {
			case events <- StreamEvent{Delta: choice.Delta.Content}:
			case <-ctx.Done():
				break scan
			}
		}
	}

	aborted := ctx.Err() != nil
	if err := scanner.Err(); err != nil && streamErr == nil && !aborted {
		streamErr = fmt.Errorf("stream read failed: %w", err)
	}

	result.Content = content.String()
	result.Aborted = aborted && streamErr == nil

	// Terminal marker, then close. The final settles only after the
	// channel closes so a draining consumer observes done before the
	// deferred is ready.
	if streamErr == nil && !aborted {
		select {
		case events <- StreamEvent{Done: true}:
		case <-ctx.Done():
		}
	}
	close(events)

	switch {
	case streamErr != nil:
		final.Reject(streamErr)
	case result.Aborted:
		// Abort is not an error here: whatever was accumulated is the result.
		final.Resolve(result)
	case result.CallID == "":
		// A successful stream without a provider call id cannot be billed.
		final.Reject(run.ErrMissingCallID)
	default:
		final.Resolve(result)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
