package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"cogni/internal/run"
)

// MaxSpendLogsPerFetch is the upstream page cap for /spend/logs.
const MaxSpendLogsPerFetch = 100

// ErrRangeTooLarge means the requested time range exceeds what a single
// bounded scan can cover; callers should narrow the range rather than
// accept silently truncated data.
var ErrRangeTooLarge = errors.New("spend log range too large for bounded scan")

// SpendLog is one upstream usage telemetry row.
type SpendLog struct {
	RequestID string          `json:"request_id"`
	CallID    string          `json:"call_id"`
	Model     string          `json:"model"`
	Spend     decimal.Decimal `json:"spend"`
	StartTime time.Time       `json:"startTime"`
	EndUser   string          `json:"end_user"`
}

// ListSpendLogs fetches recent spend logs for a billing account and
// filters them to [from, to] in memory. The upstream endpoint switches to
// aggregation mode when start/end date parameters are supplied, so range
// filtering must not be pushed down. If the scan fetched a full page and
// the oldest row is still newer than the range start, the range cannot be
// served completely and ErrRangeTooLarge is returned instead of truncated
// data.
func (c *Client) ListSpendLogs(ctx context.Context, accountID string, from, to time.Time, limit int) ([]SpendLog, error) {
	if limit <= 0 || limit > MaxSpendLogsPerFetch {
		limit = MaxSpendLogsPerFetch
	}

	query := url.Values{}
	query.Set("end_user", accountID)
	query.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/spend/logs?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build spend logs request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.masterKey)

	resp, err := c.oneShot.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spend logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &run.ProviderHTTPError{Status: resp.StatusCode, Body: string(snippet)}
	}

	var logs []SpendLog
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return nil, fmt.Errorf("failed to decode spend logs: %w", err)
	}

	// Rows arrive newest first; the last fetched row is the oldest seen.
	if len(logs) == limit && logs[len(logs)-1].StartTime.After(from) {
		return nil, ErrRangeTooLarge
	}

	filtered := make([]SpendLog, 0, len(logs))
	for _, log := range logs {
		if log.StartTime.Before(from) || log.StartTime.After(to) {
			continue
		}
		filtered = append(filtered, log)
	}
	return filtered, nil
}
