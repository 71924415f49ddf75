package run

import (
	"context"
	"errors"
	"fmt"

	"cogni/internal/enum"
)

// Sentinel failures of the execution pipeline.
var (
	// ErrGraphNotFound means no registered provider claims the graph id.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrMalformedGraphID means the graph id is not "<provider>:<graph>".
	ErrMalformedGraphID = errors.New("malformed graph id")

	// ErrMissingCallID means a successful call completed without a
	// provider call id. Billing would be silently incomplete, so the run
	// must fail.
	ErrMissingCallID = errors.New("provider call id missing from completed call")
)

// ProviderHTTPError is a non-2xx response from the upstream LLM proxy.
type ProviderHTTPError struct {
	Status int
	Body   string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("upstream llm returned %d: %s", e.Status, e.Body)
}

// CodedError wraps an error with an explicit execution error code,
// bypassing classification.
type CodedError struct {
	Code enum.ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// NewCodedError wraps err with an explicit code.
func NewCodedError(code enum.ErrorCode, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

// Normalize maps a raw failure to the stable error taxonomy. It is the
// single classifier used across the pipeline; only the completion unit
// adds the insufficient-credits mapping at its own boundary.
func Normalize(err error) enum.ErrorCode {
	if err == nil {
		return enum.ErrorInternal
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	if errors.Is(err, context.Canceled) {
		return enum.ErrorAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return enum.ErrorTimeout
	}

	var httpErr *ProviderHTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 408:
			return enum.ErrorTimeout
		case httpErr.Status == 429:
			return enum.ErrorRateLimit
		default:
			// Other provider 4xx/5xx are internal from the caller's view;
			// the distinction lives in logs, not in the taxonomy.
			return enum.ErrorInternal
		}
	}

	if errors.Is(err, ErrGraphNotFound) {
		return enum.ErrorNotFound
	}
	if errors.Is(err, ErrMalformedGraphID) {
		return enum.ErrorInvalidRequest
	}
	if errors.Is(err, ErrMissingCallID) {
		return enum.ErrorInternal
	}

	return enum.ErrorInternal
}
