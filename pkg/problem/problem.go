// Package problem defines the error taxonomy shared by every core component.
//
// A Problem carries an error kind, the HTTP status the transport adapter
// should render, and optional structured context (guardrail check traces,
// arbitrary details). Core code never depends on the transport; adapters
// map a Problem onto their wire format.
package problem

import (
	"errors"
	"fmt"
)

// Kind classifies a Problem. Kinds are stable identifiers, not messages.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindInternal        Kind = "internal"
)

// statusByKind maps each kind to its canonical HTTP status.
var statusByKind = map[Kind]int{
	KindBadRequest:      400,
	KindUnauthorized:    401,
	KindForbidden:       403,
	KindNotFound:        404,
	KindConflict:        409,
	KindPayloadTooLarge: 413,
	KindInternal:        500,
}

// Check records the outcome of a single guardrail or policy check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass" | "fail" | "warn"
	Detail string `json:"detail,omitempty"`
}

// Problem is the single error type used across the core.
type Problem struct {
	Kind    Kind    `json:"kind"`
	Status  int     `json:"statusCode"`
	Message string  `json:"error"`
	Checks  []Check `json:"checks,omitempty"`
	Details any     `json:"details,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s (%d): %s", p.Kind, p.Status, p.Message)
}

// WithChecks attaches a guardrail check trace and returns p.
func (p *Problem) WithChecks(checks []Check) *Problem {
	p.Checks = checks
	return p
}

// WithDetails attaches structured details and returns p.
func (p *Problem) WithDetails(details any) *Problem {
	p.Details = details
	return p
}

// New creates a Problem of the given kind.
func New(kind Kind, format string, args ...any) *Problem {
	status, ok := statusByKind[kind]
	if !ok {
		status = 500
	}
	return &Problem{
		Kind:    kind,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

// BadRequest creates a 400 Problem.
func BadRequest(format string, args ...any) *Problem {
	return New(KindBadRequest, format, args...)
}

// Forbidden creates a 403 Problem.
func Forbidden(format string, args ...any) *Problem {
	return New(KindForbidden, format, args...)
}

// NotFound creates a 404 Problem.
func NotFound(format string, args ...any) *Problem {
	return New(KindNotFound, format, args...)
}

// Conflict creates a 409 Problem.
func Conflict(format string, args ...any) *Problem {
	return New(KindConflict, format, args...)
}

// PayloadTooLarge creates a 413 Problem.
func PayloadTooLarge(format string, args ...any) *Problem {
	return New(KindPayloadTooLarge, format, args...)
}

// Internal creates a 500 Problem.
func Internal(format string, args ...any) *Problem {
	return New(KindInternal, format, args...)
}

// From normalizes any error into a Problem. Non-Problem errors are
// classified as internal so unexpected failures never leak raw messages
// with a misleading status.
func From(err error) *Problem {
	if err == nil {
		return nil
	}
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return Internal("%s", err.Error())
}

// IsKind reports whether err is a Problem of the given kind.
func IsKind(err error, kind Kind) bool {
	var p *Problem
	if errors.As(err, &p) {
		return p.Kind == kind
	}
	return false
}
