package baton

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error for retry and surfacing policy.
type ErrorKind string

const (
	// KindModelTransient covers rate limits, 5xx responses, and model call
	// timeouts. Default policy: retry with backoff.
	KindModelTransient ErrorKind = "model_transient"
	// KindModelFatal covers auth failures and schema violations. Surfaced as
	// model_end.error; the invocation ends with error.
	KindModelFatal ErrorKind = "model_fatal"
	// KindToolTransient covers network and timeout errors inside a tool.
	// Retried per tool configuration.
	KindToolTransient ErrorKind = "tool_transient"
	// KindToolFatal covers argument validation failures and non-retryable
	// tool errors. Emitted as tool_result.error and fed back to the agent.
	KindToolFatal ErrorKind = "tool_fatal"
	// KindOutputParse marks a structured-output parse failure after
	// corrections; the invocation ends with error, partial value retained.
	KindOutputParse ErrorKind = "output_parse"
	// KindPipelineChanged marks a fingerprint mismatch on resume.
	KindPipelineChanged ErrorKind = "pipeline_structure_changed"
	// KindUnknownPendingCall marks AddToolInput for an unknown call ID.
	KindUnknownPendingCall ErrorKind = "unknown_pending_call"
	// KindOrphanResult marks a tool_result whose call ID has no matching
	// tool_call.
	KindOrphanResult ErrorKind = "orphan_result"
	// KindStateValidation marks a state write rejected by the state schema.
	KindStateValidation ErrorKind = "state_validation"
	// KindCancelled marks external cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// Error is the structured error carried by all engine failures.
type Error struct {
	Kind         ErrorKind
	Message      string
	InvocationID string
	CallID       string
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error with the given kind and formatted message.
func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Transient reports whether err is classified as retryable.
func Transient(err error) bool {
	switch Classify(err) {
	case KindModelTransient, KindToolTransient:
		return true
	}
	return false
}

// Classify extracts the error kind from err. Unclassified tool-side errors
// default to tool_fatal; context cancellation maps to cancelled.
func Classify(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindToolTransient
	}
	return KindToolFatal
}

// TransientError wraps err so the engine classifies it as retryable inside a
// tool body. Tools return this for network failures and upstream timeouts.
func TransientError(err error) error {
	return &Error{Kind: KindToolTransient, Message: "transient", Err: err}
}

// ErrPipelineChanged is returned by Resume when the current pipeline's
// fingerprint does not match the one stored on the session's root
// invocation_start. The check runs before any state replay.
type ErrPipelineChanged struct {
	SessionID          string
	StoredFingerprint  string
	CurrentFingerprint string
}

func (e *ErrPipelineChanged) Error() string {
	return fmt.Sprintf("pipeline structure changed for session %s: stored fingerprint %s, current %s",
		e.SessionID, e.StoredFingerprint, e.CurrentFingerprint)
}
