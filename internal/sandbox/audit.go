// Package sandbox runs untrusted agents in one-shot isolated containers,
// pairs each run with an egress proxy that is the authoritative billing
// source, and derives billing entries from the proxy's audit log.
package sandbox

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// Audit log field names, matching the proxy's key=value line grammar.
const (
	auditFieldCallID = "litellm_call_id"
	auditFieldCost   = "litellm_response_cost"
	auditFieldRunID  = "run_id"
)

// AuditEntry is one billable outbound LLM call recorded by the egress
// proxy.
type AuditEntry struct {
	ProviderCallID string
	CostUSD        *decimal.Decimal
}

// ParseAuditLog reads the proxy's append-only audit log. Each line
// carries space-separated key=value pairs; lines with a missing or "-"
// call id are discarded and duplicate call ids are collapsed, keeping
// the first occurrence. Entries are returned in log order.
//
// runID filters to a single run when the field is present; an empty
// runID keeps every line, covering logs from per-run proxies that never
// stamp the field.
func ParseAuditLog(r io.Reader, runID string) ([]AuditEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []AuditEntry
	seen := make(map[string]bool)

	for scanner.Scan() {
		fields := parseAuditLine(scanner.Text())

		if runID != "" {
			if lineRun, ok := fields[auditFieldRunID]; ok && lineRun != runID {
				continue
			}
		}

		callID := fields[auditFieldCallID]
		if callID == "" || callID == "-" {
			continue
		}
		if seen[callID] {
			continue
		}
		seen[callID] = true

		entry := AuditEntry{ProviderCallID: callID}
		if raw, ok := fields[auditFieldCost]; ok && raw != "" && raw != "-" {
			if cost, err := decimal.NewFromString(raw); err == nil {
				entry.CostUSD = &cost
			}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ParseAuditLogBytes is ParseAuditLog over an in-memory log export.
func ParseAuditLogBytes(data []byte, runID string) ([]AuditEntry, error) {
	return ParseAuditLog(bytes.NewReader(data), runID)
}

// parseAuditLine splits one log line into its key=value fields. Tokens
// without "=" are ignored.
func parseAuditLine(line string) map[string]string {
	fields := make(map[string]string)
	for _, token := range strings.Fields(line) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			continue
		}
		fields[key] = strings.Trim(value, `"`)
	}
	return fields
}
