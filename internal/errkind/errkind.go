// Package errkind defines the closed error taxonomy carried on every error
// that crosses a package boundary. The set of kinds is fixed; callers switch
// on KindOf rather than matching message text.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	InvalidWorkflow     Kind = "invalid_workflow"
	UnresolvedReference Kind = "unresolved_reference"
	SchemaMismatch      Kind = "schema_mismatch"

	Timeout   Kind = "timeout"
	Cancelled Kind = "cancelled"
	Deadline  Kind = "deadline"

	RateLimited Kind = "rate_limited"
	CircuitOpen Kind = "circuit_open"
	Transport   Kind = "transport"

	AuthFailed Kind = "auth_failed"
	Forbidden  Kind = "forbidden"

	BudgetExceeded Kind = "budget_exceeded"
	Conflict       Kind = "conflict"

	// Internal is the last-resort bucket. Errors without an attached kind
	// resolve to Internal and are always logged with run context.
	Internal Kind = "internal"
)

// Error carries a kind, a human message and an optional cause chain.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf resolves the kind of any error. Context errors map to the time
// kinds; foreign errors resolve to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Deadline
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

func Is(err error, k Kind) bool { return KindOf(err) == k }

// Retryable reports whether the kind is retryable at all. Idempotency-class
// gating (time kinds retry only for pure|read) is applied by the caller.
func (k Kind) Retryable() bool {
	switch k {
	case Transport, RateLimited, Timeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the ingress response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput, InvalidWorkflow, UnresolvedReference, SchemaMismatch:
		return http.StatusBadRequest
	case AuthFailed:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Cancelled, Deadline, Timeout:
		return http.StatusGatewayTimeout
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies an upstream HTTP status. Ambiguous 4xx default
// to InvalidInput; 408 and 429 stay retryable per the retry policy.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return New(AuthFailed, "%s", message)
	case status == http.StatusForbidden:
		return New(Forbidden, "%s", message)
	case status == http.StatusRequestTimeout:
		return New(Timeout, "%s", message)
	case status == http.StatusTooManyRequests:
		return New(RateLimited, "%s", message)
	case status == http.StatusConflict:
		return New(Conflict, "%s", message)
	case status >= 500:
		return New(Transport, "upstream %d: %s", status, message)
	case status >= 400:
		return New(InvalidInput, "upstream %d: %s", status, message)
	default:
		return New(Internal, "unexpected status %d: %s", status, message)
	}
}
