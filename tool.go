package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultToolTimeout bounds a single tool execution attempt.
const DefaultToolTimeout = 60 * time.Second

// ToolDefinition is the model-facing description of a tool, snapshotted into
// model_start events and hashed into pipeline fingerprints.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// CallResult is the outcome of a synchronous child invocation started with
// Handoffs.Call.
type CallResult struct {
	// Output is the final assistant text of the child invocation.
	Output string
	// Value is the structured output, when the child declared one.
	Value json.RawMessage
	// InvocationID identifies the child's invocation bracket in the log.
	InvocationID string
	// Usage is the run's accumulated token usage at child completion.
	Usage Usage
}

// Handoffs exposes the handoff primitives available inside tools and steps.
// Call blocks until the child completes; Spawn returns a handle to a child
// running concurrently within the same session; Dispatch starts a detached
// child on its own session and returns immediately.
type Handoffs interface {
	Call(ctx context.Context, r Runnable, input string) (*CallResult, error)
	Spawn(ctx context.Context, r Runnable, input string) (*SpawnHandle, error)
	Dispatch(ctx context.Context, r Runnable, input string) (*DispatchHandle, error)
}

// ToolContext carries everything a tool body may touch: validated arguments,
// the yield input on finalize, session state, and the handoff surface.
type ToolContext struct {
	CallID       string
	InvocationID string
	// Args are the model-provided arguments, already schema-validated.
	Args json.RawMessage
	// PreparedArgs is the prepare-phase output, present during finalize.
	PreparedArgs json.RawMessage
	// Input is the external response to a yield, present during finalize.
	Input json.RawMessage

	Session *Session
	State   *State
	Handoff Handoffs
	Logger  *slog.Logger

	// transferTo is set by TransferTo and picked up by the engine after the
	// tool returns.
	transferTo Runnable
}

// BindArgs unmarshals the call arguments into out.
func (tc *ToolContext) BindArgs(out any) error {
	if len(tc.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(tc.Args, out); err != nil {
		return &Error{
			Kind:    KindToolFatal,
			Message: "bind tool arguments",
			CallID:  tc.CallID,
			Err:     err,
		}
	}
	return nil
}

// BindInput unmarshals the yield input into out. Only meaningful during
// finalize.
func (tc *ToolContext) BindInput(out any) error {
	if len(tc.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(tc.Input, out); err != nil {
		return &Error{
			Kind:    KindToolFatal,
			Message: "bind yield input",
			CallID:  tc.CallID,
			Err:     err,
		}
	}
	return nil
}

// TransferTo redirects control to a successor pipeline once the current tool
// returns. The current invocation ends with reason transferred and the
// successor starts as a new root invocation on the same session.
func (tc *ToolContext) TransferTo(r Runnable) {
	tc.transferTo = r
}

// ToolExecFunc is the executable body of a tool phase.
type ToolExecFunc func(ctx context.Context, tc *ToolContext) (any, error)

// ToolMiddleware wraps tool execution. Middleware runs outside retries: one
// wrapped call per engine attempt sequence.
type ToolMiddleware func(next ToolExecFunc) ToolExecFunc

// Tool is a named capability the model can invoke. A plain tool runs Execute
// to completion; a yielding tool declares a yield schema and splits execution
// into Prepare (before the pause) and Finalize (after external input
// arrives).
type Tool struct {
	name        string
	description string
	schema      *Schema
	yieldSchema *Schema

	execute  ToolExecFunc
	prepare  ToolExecFunc
	finalize ToolExecFunc

	timeout       time.Duration
	retries       int
	retryBase     time.Duration
	partialResume bool
	middleware    []ToolMiddleware
}

// ToolOption configures a Tool.
type ToolOption func(*Tool)

// WithToolSchema sets the JSON Schema for the tool's arguments. Invalid
// schemas panic at construction.
func WithToolSchema(raw json.RawMessage) ToolOption {
	return func(t *Tool) { t.schema = MustCompileSchema(raw) }
}

// WithYieldSchema declares the tool as yielding and sets the schema its
// external input must satisfy.
func WithYieldSchema(raw json.RawMessage) ToolOption {
	return func(t *Tool) { t.yieldSchema = MustCompileSchema(raw) }
}

// WithExecute sets the body of a plain tool.
func WithExecute(fn ToolExecFunc) ToolOption {
	return func(t *Tool) { t.execute = fn }
}

// WithPrepare sets the pre-pause phase of a yielding tool. Its return value
// is recorded as the prepared arguments on the tool_yield event.
func WithPrepare(fn ToolExecFunc) ToolOption {
	return func(t *Tool) { t.prepare = fn }
}

// WithFinalize sets the post-input phase of a yielding tool. It sees the
// prepared arguments and the validated external input.
func WithFinalize(fn ToolExecFunc) ToolOption {
	return func(t *Tool) { t.finalize = fn }
}

// WithTimeout bounds each execution attempt. Zero keeps the default.
func WithTimeout(d time.Duration) ToolOption {
	return func(t *Tool) { t.timeout = d }
}

// WithToolRetry retries transient failures up to max extra attempts with
// exponential backoff starting at base.
func WithToolRetry(max int, base time.Duration) ToolOption {
	return func(t *Tool) {
		t.retries = max
		t.retryBase = base
	}
}

// WithPartialResume allows this yielding call to finalize as soon as its own
// input arrives, without waiting for sibling pending calls from the same
// batch.
func WithPartialResume() ToolOption {
	return func(t *Tool) { t.partialResume = true }
}

// WithToolMiddleware appends middleware around the tool body. Middleware runs
// in registration order, outermost first.
func WithToolMiddleware(mw ...ToolMiddleware) ToolOption {
	return func(t *Tool) { t.middleware = append(t.middleware, mw...) }
}

// NewTool builds a tool. A yielding tool must set both Prepare and Finalize;
// a plain tool must set Execute.
func NewTool(name, description string, opts ...ToolOption) *Tool {
	t := &Tool{
		name:        name,
		description: description,
		timeout:     DefaultToolTimeout,
		retryBase:   250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.yieldSchema != nil {
		if t.prepare == nil || t.finalize == nil {
			panic(fmt.Sprintf("baton: yielding tool %q needs both prepare and finalize", name))
		}
	} else if t.execute == nil {
		panic(fmt.Sprintf("baton: tool %q has no execute body", name))
	}
	return t
}

// Name returns the tool's unique name.
func (t *Tool) Name() string { return t.name }

// Description returns the model-facing description.
func (t *Tool) Description() string { return t.description }

// Yields reports whether calls to this tool pause the run for external input.
func (t *Tool) Yields() bool { return t.yieldSchema != nil }

// Definition returns the model-facing definition.
func (t *Tool) Definition() ToolDefinition {
	def := ToolDefinition{Name: t.name, Description: t.description}
	if t.schema != nil {
		def.Schema = t.schema.Raw()
	}
	return def
}

// ValidateArgs checks model-provided arguments against the tool schema.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	if err := t.schema.Validate(args); err != nil {
		return &Error{
			Kind:    KindToolFatal,
			Message: fmt.Sprintf("arguments for tool %q rejected by schema", t.name),
			Err:     err,
		}
	}
	return nil
}

// ValidateInput checks external yield input against the yield schema.
func (t *Tool) ValidateInput(input json.RawMessage) error {
	if t.yieldSchema == nil {
		return nil
	}
	if err := t.yieldSchema.Validate(input); err != nil {
		return &Error{
			Kind:    KindToolFatal,
			Message: fmt.Sprintf("yield input for tool %q rejected by schema", t.name),
			Err:     err,
		}
	}
	return nil
}

// wrap applies the middleware chain to a phase body.
func (t *Tool) wrap(fn ToolExecFunc) ToolExecFunc {
	for i := len(t.middleware) - 1; i >= 0; i-- {
		fn = t.middleware[i](fn)
	}
	return fn
}
