package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode identifies the category of a provider failure.
type ErrorCode string

const (
	CodeNetworkError ErrorCode = "NETWORK_ERROR"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeAuthFailed   ErrorCode = "AUTHENTICATION_FAILED"
	CodeAPIError     ErrorCode = "API_ERROR"
	CodeInvalidResp  ErrorCode = "INVALID_RESPONSE"
	CodeUnknown      ErrorCode = "UNKNOWN_ERROR"
)

// ProviderError is a classified provider failure. Retryable reports whether
// the same call may succeed if repeated.
type ProviderError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusError carries an HTTP status code so Classify can use it instead of
// pattern-matching the message.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// Classify reduces an arbitrary failure to a ProviderError. The checks run as
// an ordered cascade: an error that matches several rules takes the first, so
// a 500 whose body mentions "timeout" classifies as TIMEOUT, not API_ERROR.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	var status int
	var se *StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"):
		return &ProviderError{Code: CodeTimeout, Message: msg, Retryable: true}

	case strings.Contains(lower, "network"),
		strings.Contains(lower, "fetch"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"):
		return &ProviderError{Code: CodeNetworkError, Message: msg, Retryable: true}

	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"):
		return &ProviderError{Code: CodeAuthFailed, Message: msg, Retryable: false}

	case status >= 500:
		return &ProviderError{
			Code: CodeAPIError, Message: msg, Retryable: true,
			Details: map[string]any{"status": status},
		}

	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		return &ProviderError{
			Code: CodeAPIError, Message: msg, Retryable: false,
			Details: map[string]any{"status": status},
		}

	case status != 0:
		return &ProviderError{
			Code: CodeAPIError, Message: msg, Retryable: status >= 500,
			Details: map[string]any{"status": status},
		}

	case strings.Contains(lower, "invalid json"),
		strings.Contains(lower, "malformed"),
		strings.Contains(lower, "parse"),
		strings.Contains(lower, "unmarshal"),
		strings.Contains(lower, "invalid response"):
		return &ProviderError{Code: CodeInvalidResp, Message: msg, Retryable: false}

	default:
		// Fail open: unrecognized errors get one more chance.
		return &ProviderError{Code: CodeUnknown, Message: msg, Retryable: true}
	}
}

// IsRetryable reports whether err classifies as retryable.
func IsRetryable(err error) bool {
	pe := Classify(err)
	return pe != nil && pe.Retryable
}
