package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed.
type FailureReason string

const (
	FailureRateLimit      FailureReason = "rate_limit"
	FailureAuth           FailureReason = "auth"
	FailureTimeout        FailureReason = "timeout"
	FailureServerError    FailureReason = "server_error"
	FailureInvalidRequest FailureReason = "invalid_request"
	FailureInvalidArgs    FailureReason = "invalid_tool_arguments"
	FailureUnknown        FailureReason = "unknown"
)

// IsRetryable returns true if retrying the same request may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider with enough
// context for retry decisions and user-facing normalization.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps err with provider context, classifying the reason
// from the error text when no status is known.
func NewProviderError(provider, model string, err error) *ProviderError {
	return &ProviderError{
		Reason:   classifyError(err),
		Provider: provider,
		Model:    model,
		Cause:    err,
	}
}

// WithStatus refines the reason from an HTTP status code.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	switch {
	case status == http.StatusTooManyRequests:
		e.Reason = FailureRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Reason = FailureAuth
	case status == http.StatusBadRequest:
		e.Reason = FailureInvalidRequest
	case status >= 500:
		e.Reason = FailureServerError
	}
	return e
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsInvalidToolArguments reports whether err is an argument-shape failure
// eligible for the one-shot repair path.
func IsInvalidToolArguments(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason == FailureInvalidArgs
	}
	return false
}

func classifyError(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded"):
		return FailureRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return FailureAuth
	case strings.Contains(msg, "invalid tool arguments") || strings.Contains(msg, "invalid_tool_arguments"):
		return FailureInvalidArgs
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") || strings.Contains(msg, "service unavailable"):
		return FailureServerError
	}
	return FailureUnknown
}

// FriendlyMessage rewrites provider error text into the form shown to users.
// Rate-limit and retry-exhaustion noise is replaced; other messages pass
// through with the provider prefix stripped.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}
	reason := classifyError(err)
	if pe, ok := AsProviderError(err); ok {
		reason = pe.Reason
	}
	switch reason {
	case FailureRateLimit:
		return "The model is receiving too many requests right now. Please wait a moment and try again."
	case FailureAuth:
		return "The configured API key was rejected. Check your provider settings."
	case FailureTimeout, FailureServerError:
		return "The model provider is temporarily unavailable. Please try again."
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "max retries exceeded") {
		return "The model provider is temporarily unavailable. Please try again."
	}
	return msg
}
