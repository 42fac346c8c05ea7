// Package errs provides the structured error envelope shared across the broker.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a broker error category.
type Code string

const (
	// CodeConnection indicates the storage backend is unreachable. Callers may retry.
	CodeConnection Code = "connection"
	// CodeConstraint indicates a malformed record rejected by the backend. Not retryable.
	CodeConstraint Code = "constraint_violation"
	// CodeNotFound indicates a missing event.
	CodeNotFound Code = "not_found"
	// CodeNotRunning indicates an emit against a broker that is not running.
	CodeNotRunning Code = "not_running"
	// CodeInvalidPattern indicates a malformed topic or subscription pattern.
	CodeInvalidPattern Code = "invalid_pattern"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeRecursionLimit indicates re-entrant dispatch went deeper than allowed.
	CodeRecursionLimit Code = "recursion_limit_exceeded"
	// CodeUnavailable indicates the component is shutting down or closed.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the broker.
type E struct {
	Op      string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in err's chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether any envelope in err's chain carries code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}
