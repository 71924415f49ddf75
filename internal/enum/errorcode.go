package enum

// ErrorCode is the stable execution error taxonomy. Every raw failure in
// the run pipeline is mapped onto one of these codes before it reaches a
// caller or a trace.
type ErrorCode string

const (
	ErrorAborted             ErrorCode = "aborted"
	ErrorTimeout             ErrorCode = "timeout"
	ErrorRateLimit           ErrorCode = "rate_limit"
	ErrorInsufficientCredits ErrorCode = "insufficient_credits"
	ErrorNotFound            ErrorCode = "not_found"
	ErrorInvalidRequest      ErrorCode = "invalid_request"
	ErrorInternal            ErrorCode = "internal"
)

// Values returns all possible error code values
func (ErrorCode) Values() []string {
	return []string{
		string(ErrorAborted),
		string(ErrorTimeout),
		string(ErrorRateLimit),
		string(ErrorInsufficientCredits),
		string(ErrorNotFound),
		string(ErrorInvalidRequest),
		string(ErrorInternal),
	}
}

// HTTPStatus maps an error code to the status the ingress layer projects it to.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorAborted:
		return 499
	case ErrorTimeout:
		return 504
	case ErrorRateLimit:
		return 429
	case ErrorInsufficientCredits:
		return 402
	case ErrorNotFound:
		return 404
	case ErrorInvalidRequest:
		return 400
	default:
		return 500
	}
}
