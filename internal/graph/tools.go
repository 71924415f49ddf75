package graph

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"cogni/internal/logger"
)

// Tool-level error codes surfaced inside tool_call_result events. These
// are distinct from the run-level taxonomy: a failing tool does not by
// itself fail the run.
const (
	ToolErrDenied          = "denied"
	ToolErrUnknownTool     = "unknown_tool"
	ToolErrInvalidInput    = "invalid_input"
	ToolErrInvalidOutput   = "invalid_output"
	ToolErrExecution       = "execution_failed"
	ToolErrRedactionFailed = "redaction_failed"
)

// Tool is an executable tool with schema contracts and an output
// redaction allowlist.
type Tool struct {
	ID          string
	Description string

	// InputSchema and OutputSchema are JSON Schemas. Both are enforced on
	// every invocation.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// OutputAllowlist names the top-level output fields that survive
	// redaction. An empty allowlist is a configuration error surfaced as
	// redaction_failed at call time, never silently passed through.
	OutputAllowlist []string

	Execute func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ToolPolicy declares which tool ids a run may invoke. The absence of a
// policy is deny-all.
type ToolPolicy struct {
	AllowedTools map[string]bool
}

// Allows reports whether the policy permits the tool id.
func (p *ToolPolicy) Allows(toolID string) bool {
	if p == nil {
		return false
	}
	return p.AllowedTools[toolID]
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	OK        bool
	Output    json.RawMessage
	ErrorCode string
	Message   string
}

// ToolRegistry holds the executable tools known to the in-process runner.
type ToolRegistry struct {
	tools map[string]*Tool
}

// NewToolRegistry creates a registry over the given tools.
func NewToolRegistry(tools ...*Tool) *ToolRegistry {
	registry := &ToolRegistry{tools: make(map[string]*Tool, len(tools))}
	for _, tool := range tools {
		registry.tools[tool.ID] = tool
	}
	return registry
}

// Get returns a tool by id.
func (r *ToolRegistry) Get(toolID string) (*Tool, bool) {
	tool, ok := r.tools[toolID]
	return tool, ok
}

// Invoke runs one tool call through the full pipeline: policy check,
// input validation, execution, output validation, redaction. Failures
// come back as a non-OK result, never as a Go error; the runner turns
// them into tool_call_result events with isError set.
func (r *ToolRegistry) Invoke(ctx context.Context, policy *ToolPolicy, toolID string, input json.RawMessage) ToolResult {
	log := logger.GetLogger(ctx).With(zap.String("tool_id", toolID))

	if !policy.Allows(toolID) {
		return ToolResult{ErrorCode: ToolErrDenied, Message: "tool not allowed for this run"}
	}

	tool, ok := r.tools[toolID]
	if !ok {
		return ToolResult{ErrorCode: ToolErrUnknownTool, Message: "tool is not registered"}
	}

	if err := validateSchema(tool.InputSchema, input); err != nil {
		return ToolResult{ErrorCode: ToolErrInvalidInput, Message: err.Error()}
	}

	output, err := tool.Execute(ctx, input)
	if err != nil {
		log.Warn("tool execution failed", zap.Error(err))
		return ToolResult{ErrorCode: ToolErrExecution, Message: err.Error()}
	}

	if err := validateSchema(tool.OutputSchema, output); err != nil {
		return ToolResult{ErrorCode: ToolErrInvalidOutput, Message: err.Error()}
	}

	redacted, err := redactOutput(output, tool.OutputAllowlist)
	if err != nil {
		// Missing or failing redaction is a hard error: unredacted tool
		// output must never reach the stream.
		log.Error("tool output redaction failed", zap.Error(err))
		return ToolResult{ErrorCode: ToolErrRedactionFailed, Message: err.Error()}
	}

	return ToolResult{OK: true, Output: redacted}
}

// validateSchema checks a document against a JSON Schema.
func validateSchema(schema, document json.RawMessage) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is not defined")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return fmt.Errorf("schema validation errored: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("schema violation: %s", first.String())
	}
	return nil
}

// redactOutput keeps only allowlisted top-level fields of the output
// object.
func redactOutput(output json.RawMessage, allowlist []string) (json.RawMessage, error) {
	if len(allowlist) == 0 {
		return nil, fmt.Errorf("tool has no output allowlist configured")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(output, &fields); err != nil {
		return nil, fmt.Errorf("tool output is not an object: %w", err)
	}

	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = true
	}

	redacted := make(map[string]json.RawMessage, len(allowlist))
	for name, value := range fields {
		if allowed[name] {
			redacted[name] = value
		}
	}

	encoded, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode redacted output: %w", err)
	}
	return encoded, nil
}

const toolCallIDCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewToolCallID generates a stable 9-character alphanumeric id linking a
// tool_call_start to its tool_call_result. Model-provided ids are used
// as-is when present.
func NewToolCallID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; keep the id
		// stable-length regardless.
		for i := range buf {
			buf[i] = toolCallIDCharset[0]
		}
	}
	for i, b := range buf {
		buf[i] = toolCallIDCharset[int(b)%len(toolCallIDCharset)]
	}
	return string(buf)
}
