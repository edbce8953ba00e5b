package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderErrorKind classifies provider failures for retry decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth reports rejected credentials.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest reports a request the provider will
	// never accept as is.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited reports throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable reports a transient failure: 5xx,
	// timeouts, network errors.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown reports an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError is a classified model provider failure. Its text may contain
// provider diagnostics and is only logged.
type ProviderError struct {
	// Provider names the adapter ("anthropic", "openai", "bedrock").
	Provider string
	// Operation is the provider API called ("messages.new").
	Operation string
	// Status is the HTTP status when known.
	Status int
	Kind   ProviderErrorKind
	// Code is the provider error code when known.
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrorKindRateLimited || e.Kind == ProviderErrorKindUnavailable
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("model: ")
	b.WriteString(e.Provider)
	if e.Operation != "" {
		b.WriteString(" " + e.Operation)
	}
	b.WriteString(": " + string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Is matches ErrRateLimited for throttling failures.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// KindForStatus classifies an HTTP status returned by a provider.
func KindForStatus(status int) ProviderErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return ProviderErrorKindUnavailable
	case status >= 400:
		return ProviderErrorKindInvalidRequest
	}
	return ProviderErrorKindUnknown
}

// FromStatus builds a ProviderError classified by its HTTP status.
func FromStatus(provider, operation string, status int, code, message, requestID string, cause error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Operation: operation,
		Status:    status,
		Kind:      KindForStatus(status),
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Cause:     cause,
	}
}
