// Package herrors classifies orchestration errors into kinds that the
// API layer can map onto HTTP status codes.
package herrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the failure class of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindUpstreamUnavailable
	KindCircuitOpen
	KindTimeout
	KindPoolExhausted
	KindConstraintViolation
	KindVectorDimensionMismatch
	KindSchedulerRejected
	KindAuditWriteFailed
	KindAdvisoryDegraded
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindVectorDimensionMismatch:
		return "vector_dimension_mismatch"
	case KindSchedulerRejected:
		return "scheduler_rejected"
	case KindAuditWriteFailed:
		return "audit_write_failed"
	case KindAdvisoryDegraded:
		return "advisory_degraded"
	case KindConfig:
		return "config_error"
	default:
		return "internal"
	}
}

// Error is an error with a Kind attached. The wrapped cause is preserved
// for errors.Is/As chains.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind onto the status code the API surfaces.
// Internal detail for 5xx kinds is suppressed by the API layer, not here.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
