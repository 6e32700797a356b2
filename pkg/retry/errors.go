// Package retry provides error classification and the exponential
// backoff policy that wraps fallible LLM and tool calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maestro-agent/maestro/pkg/protocol"
)

// Kind classifies a failure for the retry decision.
type Kind string

const (
	// KindValidation — input malformed or business constraint violated.
	// Never retried.
	KindValidation Kind = "validation"
	// KindTimeout — wall-clock exceeded for an operation. Retried with
	// backoff.
	KindTimeout Kind = "timeout"
	// KindRateLimit — external service refused due to quotas. Retried
	// with longer backoff; a server-supplied retry-after is honored when
	// it exceeds the computed delay.
	KindRateLimit Kind = "rate_limit"
	// KindExecution — downstream failure (tool, LLM) with a transient
	// cause. Retried unless marked non-recoverable.
	KindExecution Kind = "execution"
	// KindResource — memory/disk/connection exhaustion. Cleanup then
	// limited retry.
	KindResource Kind = "resource"
	// KindConnection — transport-level failure. Recovered at the
	// connection layer, not the task layer.
	KindConnection Kind = "connection"
)

// Error is the classified failure type carried through the pipeline.
type Error struct {
	Kind        Kind
	Recoverable bool
	RetryAfter  time.Duration // server-supplied hint; 0 when absent
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code maps the kind to the wire error code.
func (e *Error) Code() string { return CodeFor(e.Kind) }

// New wraps err with the given kind. Timeout, rate-limit and execution
// errors default to recoverable.
func New(kind Kind, err error) *Error {
	return &Error{
		Kind:        kind,
		Recoverable: kind == KindTimeout || kind == KindRateLimit || kind == KindExecution || kind == KindResource,
		Err:         err,
	}
}

// Validation wraps err as a non-retryable validation failure.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// NonRecoverable marks an execution error that must not be retried.
func NonRecoverable(err error) *Error {
	return &Error{Kind: KindExecution, Recoverable: false, Err: err}
}

// Classify determines the kind of an arbitrary error. Already-classified
// errors keep their kind; context expiry maps to Timeout/Connection;
// everything else is a recoverable Execution failure.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindConnection
	}
	return KindExecution
}

// CodeFor maps a kind to its protocol error code.
func CodeFor(kind Kind) string {
	switch kind {
	case KindValidation:
		return protocol.ErrCodeValidation
	case KindTimeout:
		return protocol.ErrCodeTimeout
	case KindRateLimit:
		return protocol.ErrCodeRateLimit
	default:
		return protocol.ErrCodeExecution
	}
}

// RetryAfterHint extracts a server-supplied retry-after from a classified
// error, or 0.
func RetryAfterHint(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
