// Package obsv provides the observability decorator: input/output
// scrubbing, trace creation, and a once-guarded terminal state per run.
package obsv

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// maxScrubDepth bounds recursion into nested payloads.
	maxScrubDepth = 10

	// maxScrubBytes caps a scrubbed payload; larger payloads are replaced
	// by a hash summary.
	maxScrubBytes = 50 * 1024

	redactedPlaceholder = "[REDACTED]"
)

// secretPatterns match common credential shapes inside string values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// sensitiveKeys are redacted by field name regardless of value.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"cookie":        true,
	"credential":    true,
	"private_key":   true,
	"master_key":    true,
}

// Scrub deep-copies a payload with secrets removed: string values are
// pattern-scrubbed, sensitive field names are redacted wholesale,
// recursion is depth-limited, and oversized results collapse to a hash
// summary. The input is never mutated.
func Scrub(value any) any {
	scrubbed := scrubValue(normalize(value), 0)

	encoded, err := json.Marshal(scrubbed)
	if err != nil {
		return map[string]any{"_scrub_error": err.Error()}
	}
	if len(encoded) > maxScrubBytes {
		sum := sha256.Sum256(encoded)
		return map[string]any{
			"_truncated":   true,
			"sha256":       hex.EncodeToString(sum[:]),
			"sizeBytes":    len(encoded),
			"maxSizeBytes": maxScrubBytes,
		}
	}
	return scrubbed
}

// normalize round-trips through JSON so arbitrary structs become plain
// maps and slices.
func normalize(value any) any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	var plain any
	if err := json.Unmarshal(encoded, &plain); err != nil {
		return string(encoded)
	}
	return plain
}

func scrubValue(value any, depth int) any {
	if depth > maxScrubDepth {
		return "[depth limit]"
	}

	switch v := value.(type) {
	case string:
		return scrubString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if sensitiveKeys[strings.ToLower(key)] {
				out[key] = redactedPlaceholder
				continue
			}
			out[key] = scrubValue(inner, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = scrubValue(inner, depth+1)
		}
		return out
	default:
		return v
	}
}

func scrubString(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
