// Package errs provides the structured error envelope used across tickrelay.
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
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeUnavailable indicates a collaborator is absent or closed.
	CodeUnavailable Code = "unavailable"
	// CodeBusy indicates the coordinator gate is held by another operation.
	CodeBusy Code = "busy"
	// CodeNetwork indicates a transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeDecode indicates a payload that could not be decoded.
	CodeDecode Code = "decode"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeDriver indicates the automation driver rejected or failed a call.
	CodeDriver Code = "driver"
)

// E captures structured error information.
type E struct {
	Component   string
	Code        Code
	Asset       string
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithAsset records the asset the failure relates to.
func WithAsset(asset string) Option {
	trimmed := strings.TrimSpace(asset)
	return func(e *E) {
		e.Asset = trimmed
	}
}

// WithRemediation attaches operator guidance.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		k := strings.TrimSpace(key)
		if k == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[k] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	component := e.Component
	if component == "" {
		component = "unknown"
	}
	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts := []string{"component=" + component, "code=" + code}
	if e.Asset != "" {
		parts = append(parts, "asset="+e.Asset)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
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

// Is reports whether any envelope in err's chain carries the given code.
func Is(err error, code Code) bool {
	var target *E
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.cause
	}
	return false
}
