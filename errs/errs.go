// Package errs provides the structured error envelope shared by optexec components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category.
type Code string

const (
	// CodeValidation indicates a strategy-specific required parameter is absent or malformed.
	CodeValidation Code = "validation"
	// CodeData indicates market or instrument data could not satisfy the request.
	CodeData Code = "data"
	// CodeUpstream indicates a collaborator capability (broker, quotes, store) failed.
	CodeUpstream Code = "upstream"
	// CodeTimeout indicates a bounded wait elapsed without the expected outcome.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is shut down or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across optexec.
type E struct {
	Component string
	Code      Code
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Fields:    nil,
		cause:     nil,
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

// WithField appends a single key/value pair describing the failure context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Summary returns the message a person reconciling an execution needs, without envelope noise.
func (e *E) Summary() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Is reports whether err carries the provided code anywhere in its chain.
func Is(err error, code Code) bool {
	var target *E
	for err != nil {
		if errors.As(err, &target) {
			if target.Code == code {
				return true
			}
			err = target.cause
			continue
		}
		return false
	}
	return false
}

// Message extracts a human readable description from any error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var target *E
	if errors.As(err, &target) {
		return target.Summary()
	}
	return err.Error()
}

// Validation builds a validation error for the component.
func Validation(component, message string) *E {
	return New(component, CodeValidation, WithMessage(message))
}

// Data builds a data error for the component.
func Data(component, message string) *E {
	return New(component, CodeData, WithMessage(message))
}

// Upstream wraps a collaborator failure.
func Upstream(component, message string, cause error) *E {
	return New(component, CodeUpstream, WithMessage(message), WithCause(cause))
}
