// Package errs provides structured error types and helpers shared across the
// Vessel engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeComputation indicates a failure inside a derived or query computation.
	CodeComputation Code = "computation"
	// CodeFetch indicates a query fetcher rejection.
	CodeFetch Code = "fetch"
	// CodeStorage indicates a storage adapter failure.
	CodeStorage Code = "storage"
	// CodeValidation indicates a malformed record or illegal API use.
	CodeValidation Code = "validation"
	// CodeNotFound indicates a missing record or key.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a backend is temporarily unreachable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Vessel stack.
type E struct {
	Scope    string
	Code     Code
	Key      string
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:    strings.TrimSpace(scope),
		Code:     code,
		Key:      "",
		Message:  "",
		Metadata: nil,
		cause:    nil,
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

// WithKey records the storage or cache key associated with the failure.
func WithKey(key string) Option {
	return func(e *E) {
		e.Key = key
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Key != "" {
		parts = append(parts, "key="+strconv.Quote(e.Key))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, unwrapping as needed.
// Errors outside the envelope taxonomy report an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err carries the validation code.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsNotFound reports whether err carries the not-found code.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// Validation returns a standardized programmer-usage error. These surface
// synchronously and are never absorbed into container error state.
func Validation(scope, msg string) *E {
	return New(scope, CodeValidation, WithMessage(strings.TrimSpace(msg)))
}
