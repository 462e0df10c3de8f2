// Package fabricerr defines the error taxonomy shared by the transport,
// pipeline and connector layers. Every failure that crosses a package
// boundary is wrapped in an *Error carrying a Kind and structured details,
// so that retry policy, circuit breaking and checkpoint inspection can all
// key off the same classification.
package fabricerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth           Kind = "auth"
	KindConnection     Kind = "connection" // timeouts, circuit-open, network failures
	KindRateLimited    Kind = "rate-limited"
	KindRequest        Kind = "request" // 4xx other than auth
	KindServer         Kind = "server"  // 5xx
	KindProtocol       Kind = "protocol" // parse failures, CSRF rejections
	KindValidation     Kind = "validation"
	KindObjectNotFound Kind = "object-not-found"
	KindConfiguration  Kind = "configuration"
	KindCancelled      Kind = "cancelled"
)

type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. The cause stays
// reachable through errors.Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail records a structured attribute (URL, method, status, field,
// object id) on the error and returns it for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns a recorded attribute, or nil when absent.
func (e *Error) Detail(key string) any {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// StatusCode returns the HTTP status recorded on the error, or 0.
func (e *Error) StatusCode() int {
	if v, ok := e.Detail("status").(int); ok {
		return v
	}
	return 0
}

// KindOf classifies an arbitrary error. Errors outside the taxonomy report
// an empty kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether the transport retry loop may re-attempt after
// this failure. Authentication failures are deliberately excluded.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindServer, KindRateLimited:
		return true
	}
	return false
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusOf returns the HTTP status recorded on an arbitrary error, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode()
	}
	return 0
}
