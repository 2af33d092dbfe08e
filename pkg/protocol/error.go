package protocol

import "fmt"

// Well-known wire error codes reported by the gateway.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotAuthorized  = "NOT_AUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// WireError is a structured server-reported failure carried on a response
// frame. Callers branch on Code and Retryable rather than string matching.
type WireError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether the server marked this failure as safe to retry.
func (e *WireError) IsRetryable() bool {
	return e.Retryable
}
