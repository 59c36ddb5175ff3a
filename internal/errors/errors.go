// Package errors provides the structured error taxonomy used across the
// extraction engine. Every surfaced failure carries stage, reason,
// certainty and the affected identity so callers can retry precisely.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Code categorizes failures for routing and recovery decisions.
type Code string

const (
	// CodeFetchBlocked marks an anti-bot challenge or proxy failure. It is
	// absorbed by tier escalation and only surfaces when all tiers are
	// exhausted.
	CodeFetchBlocked Code = "FETCH_BLOCKED"

	// CodeTierExhausted marks a page for which every acquisition tier was
	// attempted and rejected.
	CodeTierExhausted Code = "TIER_EXHAUSTED"

	// CodeQuotaExhausted marks an inference-collaborator rate or budget
	// rejection. It is non-retriable within the cool-down window and must
	// escalate immediately instead of busy-retrying.
	CodeQuotaExhausted Code = "QUOTA_EXHAUSTED"

	// CodeMalformedExtraction marks output failing structural validity
	// (impossible price, oversize title, page-chrome text). It triggers
	// correction or uncertain-flagging, never silent acceptance.
	CodeMalformedExtraction Code = "MALFORMED_EXTRACTION"

	// CodeJoinAmbiguous marks a merge that cannot confidently pair
	// structural and visual candidates. The item is kept with low
	// validation coverage, not dropped.
	CodeJoinAmbiguous Code = "JOIN_AMBIGUOUS"

	// CodePersistenceFailure marks a storage-collaborator write rejection.
	// Never retried silently since it may indicate a data-integrity
	// problem.
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"

	// CodeTransient marks ordinary transient faults (timeouts, resets)
	// that are safe to retry within a tier's bounded attempt budget.
	CodeTransient Code = "TRANSIENT"

	CodeInvalidConfig Code = "INVALID_CONFIG"
	CodeInternal      Code = "INTERNAL"
)

// Certainty qualifies whether a failure was positively classified.
type Certainty string

const (
	CertaintyKnown     Certainty = "known_error"
	CertaintyUncertain Certainty = "uncertain"
)

// Error is the structured error type of the engine.
type Error struct {
	Code      Code
	Stage     string
	Reason    string
	Certainty Certainty
	Identity  string
	Retryable bool
	Timestamp time.Time
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Reason)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s [stage=%s]", msg, e.Stage)
	}
	if e.Identity != "" {
		msg = fmt.Sprintf("%s [identity=%s]", msg, e.Identity)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on the error code so errors.Is(err, &Error{Code: ...}) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithContext attaches a contextual key/value pair.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Builder assembles an Error fluently.
type Builder struct {
	err *Error
}

// New starts a builder for the given code and reason. The certainty
// defaults to known_error and the timestamp to now.
func New(code Code, reason string) *Builder {
	return &Builder{err: &Error{
		Code:      code,
		Reason:    reason,
		Certainty: CertaintyKnown,
		Timestamp: time.Now(),
	}}
}

// Newf starts a builder with a formatted reason.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return New(code, fmt.Sprintf(format, args...))
}

// Stage sets the pipeline stage that produced the failure.
func (b *Builder) Stage(stage string) *Builder {
	b.err.Stage = stage
	return b
}

// Identity sets the affected item or page identity.
func (b *Builder) Identity(identity string) *Builder {
	b.err.Identity = identity
	return b
}

// Uncertain marks the failure as not positively classified.
func (b *Builder) Uncertain() *Builder {
	b.err.Certainty = CertaintyUncertain
	return b
}

// Retryable marks the failure as safe to retry.
func (b *Builder) Retryable() *Builder {
	b.err.Retryable = true
	return b
}

// Cause attaches the underlying error.
func (b *Builder) Cause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// Context attaches a contextual key/value pair.
func (b *Builder) Context(key string, value interface{}) *Builder {
	b.err.WithContext(key, value)
	return b
}

// Build returns the assembled error.
func (b *Builder) Build() *Error {
	return b.err
}

// CodeOf extracts the Code from err, or CodeInternal when err is not a
// structured error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether err is safe to retry within the same tier.
// Quota exhaustion is explicitly never retryable within a window.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == CodeQuotaExhausted {
			return false
		}
		return e.Retryable
	}
	return false
}

// CertaintyOf extracts the certainty flag, defaulting to uncertain for
// unclassified errors.
func CertaintyOf(err error) Certainty {
	var e *Error
	if errors.As(err, &e) {
		return e.Certainty
	}
	return CertaintyUncertain
}
