package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cogni/internal/logger"
	"cogni/internal/run"
)

const (
	// CompletionTimeout bounds a single-shot completion end to end.
	CompletionTimeout = 30 * time.Second

	// StreamConnectTimeout bounds time to first byte on a stream. There is
	// no overall stream timeout.
	StreamConnectTimeout = 15 * time.Second

	completionsPath = "/v1/chat/completions"
)

// Client talks to the upstream LiteLLM proxy.
type Client struct {
	baseURL   string
	masterKey string

	// oneShot enforces the total completion timeout; streaming bounds only
	// the response headers so long generations are never cut off.
	oneShot   *http.Client
	streaming *http.Client
}

// NewClient creates a transport client for the given proxy endpoint.
func NewClient(baseURL, masterKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		oneShot: &http.Client{
			Timeout: CompletionTimeout,
		},
		streaming: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: StreamConnectTimeout,
			},
		},
	}
}

// request/response wire types (OpenAI-compatible).

type chatRequest struct {
	Model         string            `json:"model"`
	Messages      []run.Message     `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	User          string            `json:"user,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func (c *Client) buildRequest(params Params) *chatRequest {
	req := &chatRequest{
		Model:       params.Model,
		Messages:    params.Messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		User:        params.Caller.BillingAccountID.String(),
		Metadata: map[string]string{
			"billing_account_id": params.Caller.BillingAccountID.String(),
			"virtual_key_id":     params.Caller.VirtualKeyID.String(),
		},
	}
	if params.Caller.TraceID != "" {
		req.Metadata["trace_id"] = params.Caller.TraceID
	}
	if params.IngressRequestID != "" {
		req.Metadata["ingress_request_id"] = params.IngressRequestID
	}
	return req
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.masterKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &run.ProviderHTTPError{Status: resp.StatusCode, Body: string(snippet)}
	}
	return resp, nil
}

// Complete performs a single-shot completion.
func (c *Client) Complete(ctx context.Context, params Params) (*Result, error) {
	resp, err := c.post(ctx, c.oneShot, c.buildRequest(params))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}

	result := &Result{Model: parsed.Model}
	if len(parsed.Choices) > 0 {
		result.Content = parsed.Choices[0].Message.Content
		result.FinishReason = parsed.Choices[0].FinishReason
	}
	if parsed.Usage != nil {
		result.Usage = &run.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}
	}

	result.CallID = resp.Header.Get(HeaderCallID)
	if result.CallID == "" {
		result.CallID = parsed.ID
	}
	if result.CallID == "" {
		return nil, run.ErrMissingCallID
	}
	result.CostUSD = parseCostHeader(ctx, resp.Header.Get(HeaderResponseCost))

	return result, nil
}

// parseCostHeader parses the provider cost header, returning nil when the
// header is absent or unreadable. An unreadable cost is logged; billing
// falls back to the spend-log reconciliation path for it.
func parseCostHeader(ctx context.Context, value string) *decimal.Decimal {
	if value == "" {
		return nil
	}
	cost, err := decimal.NewFromString(value)
	if err != nil {
		logger.GetLogger(ctx).Warn("unparseable provider cost header",
			zap.String("value", value), zap.Error(err))
		return nil
	}
	return &cost
}
