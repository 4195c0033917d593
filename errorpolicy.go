package baton

import (
	"context"
	"log/slog"
)

// ErrorContext describes a unit failure to an error handler.
type ErrorContext struct {
	Err          error
	Kind         ErrorKind
	UnitName     string
	UnitKind     RunnableKind
	InvocationID string
	// Attempt counts handler-driven retries of this unit, starting at 0.
	Attempt int

	State  *State
	Logger *slog.Logger
}

type recoveryKind int

const (
	recoveryPass recoveryKind = iota
	recoveryRetry
	recoverySkip
	recoveryAbort
	recoveryFallback
)

// Recovery is an error handler's decision.
type Recovery struct {
	kind recoveryKind
	text string
}

// Pass defers to the next handler in the chain. A failure no handler claims
// aborts the run.
func Pass() Recovery { return Recovery{kind: recoveryPass} }

// RetryUnit re-runs the failed unit from its start.
func RetryUnit() Recovery { return Recovery{kind: recoveryRetry} }

// SkipUnit records the unit's invocation as completed and continues the
// enclosing pipeline as if the unit produced no output.
func SkipUnit() Recovery { return Recovery{kind: recoverySkip} }

// Abort ends the run with the original error.
func Abort() Recovery { return Recovery{kind: recoveryAbort} }

// Fallback substitutes text as the unit's output and continues.
func Fallback(text string) Recovery { return Recovery{kind: recoveryFallback, text: text} }

// ErrorHandler inspects a unit failure and decides recovery. Handlers run in
// registration order; the first non-Pass decision wins.
type ErrorHandler func(ctx context.Context, ec *ErrorContext) Recovery

// maxHandlerRetries bounds handler-driven retries of one unit so a handler
// that always answers RetryUnit cannot loop forever.
const maxHandlerRetries = 5

// decide walks the handler chain. A nil chain or all-Pass chain aborts.
func decide(ctx context.Context, handlers []ErrorHandler, ec *ErrorContext) Recovery {
	for _, h := range handlers {
		if r := h(ctx, ec); r.kind != recoveryPass {
			if r.kind == recoveryRetry && ec.Attempt >= maxHandlerRetries {
				return Abort()
			}
			return r
		}
	}
	return Abort()
}
