package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RunnableKind identifies the composition type of a Runnable.
type RunnableKind string

const (
	RunnableAgent    RunnableKind = "agent"
	RunnableStep     RunnableKind = "step"
	RunnableSequence RunnableKind = "sequence"
	RunnableParallel RunnableKind = "parallel"
	RunnableLoop     RunnableKind = "loop"
)

// Runnable is a composable execution unit. The five implementations are
// [Agent], [Step], [Sequence], [Parallel], and [Loop]; each run of a
// Runnable opens one invocation bracket in the session log.
type Runnable interface {
	Name() string
	Kind() RunnableKind
}

// ToolChoice constrains which tools a model call may use.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide. The zero value.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone forbids tool calls for the step.
	ToolChoiceNone ToolChoice = "none"
	// ToolChoiceRequired forces at least one tool call.
	ToolChoiceRequired ToolChoice = "required"
)

// ForceTool returns a ToolChoice that forces one specific tool.
func ForceTool(name string) ToolChoice { return ToolChoice("tool:" + name) }

// OutputMode selects how an agent's structured output is collected.
type OutputMode string

const (
	// OutputModeJSON parses the final assistant turn as JSON. The default.
	OutputModeJSON OutputMode = "json"
	// OutputModeTool exposes a synthetic final-answer tool whose validated
	// arguments become the structured output; the model calls it to finish.
	OutputModeTool OutputMode = "tool"
)

// DefaultMaxIterations caps an agent's model-call loop.
const DefaultMaxIterations = 20

// DefaultLoopMax caps a loop's iterations.
const DefaultLoopMax = 100

// Agent is a model-driven Runnable: it loops model calls and tool executions
// until the model stops calling tools or the iteration cap is hit.
type Agent struct {
	name          string
	adapter       ModelAdapter
	model         ModelConfig
	tools         []*Tool
	toolIndex     map[string]*Tool
	stages        []Stage
	toolChoice    ToolChoice
	output        *Schema
	outputMode    OutputMode
	maxIterations int
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTools grants the agent tools. Duplicate names panic.
func WithTools(tools ...*Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			if _, dup := a.toolIndex[t.name]; dup {
				panic(fmt.Sprintf("baton: agent %q: duplicate tool %q", a.name, t.name))
			}
			a.tools = append(a.tools, t)
			a.toolIndex[t.name] = t
		}
	}
}

// WithContext sets the context pipeline rendered before each model call.
// Defaults to IncludeHistory(HistoryAll).
func WithContext(stages ...Stage) AgentOption {
	return func(a *Agent) { a.stages = stages }
}

// WithToolChoice sets the default tool choice for the agent's model calls.
func WithToolChoice(tc ToolChoice) AgentOption {
	return func(a *Agent) { a.toolChoice = tc }
}

// WithOutput declares a structured output schema. The final assistant turn is
// parsed and validated against it; the parsed value lands in RunResult.Value.
func WithOutput(raw json.RawMessage) AgentOption {
	return func(a *Agent) { a.output = MustCompileSchema(raw) }
}

// WithOutputMode selects how the output declared by WithOutput is collected.
// Defaults to OutputModeJSON. Unknown modes panic.
func WithOutputMode(mode OutputMode) AgentOption {
	switch mode {
	case OutputModeJSON, OutputModeTool:
	default:
		panic(fmt.Sprintf("baton: unknown output mode %q", mode))
	}
	return func(a *Agent) { a.outputMode = mode }
}

// WithMaxIterations caps the agent's model-call loop. Defaults to 20.
func WithMaxIterations(n int) AgentOption {
	return func(a *Agent) { a.maxIterations = n }
}

// NewAgent builds a model-driven agent.
func NewAgent(name string, adapter ModelAdapter, model ModelConfig, opts ...AgentOption) *Agent {
	if adapter == nil {
		panic(fmt.Sprintf("baton: agent %q has no model adapter", name))
	}
	a := &Agent{
		name:          name,
		adapter:       adapter,
		model:         model,
		toolIndex:     make(map[string]*Tool),
		outputMode:    OutputModeJSON,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(a)
	}
	if len(a.stages) == 0 {
		a.stages = []Stage{IncludeHistory(HistoryAll)}
	}
	return a
}

func (a *Agent) Name() string       { return a.name }
func (a *Agent) Kind() RunnableKind { return RunnableAgent }

// Tools returns the agent's tools in declaration order.
func (a *Agent) Tools() []*Tool { return a.tools }

// Tool looks up a tool by name.
func (a *Agent) Tool(name string) (*Tool, bool) {
	t, ok := a.toolIndex[name]
	return t, ok
}

// OutputSchema returns the structured output schema, or nil.
func (a *Agent) OutputSchema() json.RawMessage {
	if a.output == nil {
		return nil
	}
	return a.output.Raw()
}

// StepContext carries the inputs visible to a deterministic step, loop
// condition, or parallel merge.
type StepContext struct {
	InvocationID string
	// Input is the run input for the first unit, or the previous unit's
	// output inside a sequence.
	Input string
	// Iteration is the zero-based loop iteration, for loop bodies and
	// conditions.
	Iteration int
	// ResumeInput carries the external input when the step re-runs after a
	// yield it signalled; Resumed is true in that case.
	ResumeInput json.RawMessage
	Resumed     bool

	Session *Session
	State   *State
	Handoff Handoffs
	Logger  *slog.Logger
}

// stepOutcomeKind discriminates StepOutcome.
type stepOutcomeKind int

const (
	outcomeContinue stepOutcomeKind = iota
	outcomeSkip
	outcomeRespond
	outcomeComplete
	outcomeRoute
	outcomeFail
	outcomeYield
)

// StepOutcome is the control-flow result of a step body. Build one with
// Continue, SkipStep, Respond, CompleteWith, RouteTo, FailStep, or
// SignalYield.
type StepOutcome struct {
	kind    stepOutcomeKind
	text    string
	value   json.RawMessage
	target  Runnable
	partial bool
}

// Continue proceeds to the next unit without changing the flowing output.
func Continue() StepOutcome { return StepOutcome{kind: outcomeContinue} }

// SkipStep records the step as skipped and proceeds.
func SkipStep() StepOutcome { return StepOutcome{kind: outcomeSkip} }

// Respond sets the step's output text, which flows to the next unit and is
// appended as an assistant event.
func Respond(text string) StepOutcome { return StepOutcome{kind: outcomeRespond, text: text} }

// CompleteWith ends the enclosing pipeline early with a structured value.
func CompleteWith(value any) StepOutcome {
	raw, err := marshalValue(value)
	if err != nil {
		panic(fmt.Sprintf("baton: CompleteWith: %v", err))
	}
	return StepOutcome{kind: outcomeComplete, value: raw}
}

// RouteTo transfers control to a successor pipeline. The current invocation
// ends with reason transferred.
func RouteTo(r Runnable) StepOutcome { return StepOutcome{kind: outcomeRoute, target: r} }

// FailStep ends the invocation with an error.
func FailStep(msg string) StepOutcome { return StepOutcome{kind: outcomeFail, text: msg} }

// SignalYield pauses the run awaiting external input. The prepared value is
// recorded on the tool_yield event; when input arrives, the step re-runs with
// StepContext.Resumed set and the input in ResumeInput.
func SignalYield(prepared any) StepOutcome {
	raw, err := marshalValue(prepared)
	if err != nil {
		panic(fmt.Sprintf("baton: SignalYield: %v", err))
	}
	return StepOutcome{kind: outcomeYield, value: raw}
}

// PartialResume marks a yield outcome as resumable independently of sibling
// pending calls.
func (o StepOutcome) PartialResume() StepOutcome {
	o.partial = true
	return o
}

// StepFunc is the body of a deterministic step.
type StepFunc func(ctx context.Context, sc *StepContext) (StepOutcome, error)

// Step is a deterministic Runnable: arbitrary Go code with full access to
// session state and the handoff surface, no model involved.
type Step struct {
	name string
	fn   StepFunc
}

// NewStep builds a deterministic step.
func NewStep(name string, fn StepFunc) *Step {
	if fn == nil {
		panic(fmt.Sprintf("baton: step %q has no body", name))
	}
	return &Step{name: name, fn: fn}
}

func (s *Step) Name() string       { return s.name }
func (s *Step) Kind() RunnableKind { return RunnableStep }

// Sequence runs its children in order, feeding each child's output to the
// next. Child names must be unique within the sequence.
type Sequence struct {
	name     string
	children []Runnable
}

// NewSequence builds an ordered pipeline.
func NewSequence(name string, children ...Runnable) *Sequence {
	if len(children) == 0 {
		panic(fmt.Sprintf("baton: sequence %q has no children", name))
	}
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		if seen[c.Name()] {
			panic(fmt.Sprintf("baton: sequence %q: duplicate child %q", name, c.Name()))
		}
		seen[c.Name()] = true
	}
	return &Sequence{name: name, children: children}
}

func (s *Sequence) Name() string        { return s.name }
func (s *Sequence) Kind() RunnableKind  { return RunnableSequence }
func (s *Sequence) Children() []Runnable { return s.children }

// BranchResult is one branch's outcome handed to a parallel merge.
type BranchResult struct {
	Name   string
	Output string
	Value  json.RawMessage
	Err    error
}

// MergeContext carries branch outcomes into a merge function. State writes
// are attributed to the parallel's name.
type MergeContext struct {
	Branches []BranchResult
	State    *State
	Logger   *slog.Logger
}

// MergeFunc combines branch outcomes. The returned map, if non-nil, is
// applied as one atomic session-state update.
type MergeFunc func(ctx context.Context, mc *MergeContext) (map[string]any, error)

// Parallel runs its children concurrently on the same session. The first
// branch failure cancels the rest; yields across branches accumulate into one
// pending set.
type Parallel struct {
	name     string
	children []Runnable
	merge    MergeFunc
}

// ParallelOption configures a Parallel.
type ParallelOption func(*Parallel)

// WithMerge sets the merge function applied after all branches complete.
func WithMerge(fn MergeFunc) ParallelOption {
	return func(p *Parallel) { p.merge = fn }
}

// NewParallel builds a concurrent fan-out.
func NewParallel(name string, children []Runnable, opts ...ParallelOption) *Parallel {
	if len(children) == 0 {
		panic(fmt.Sprintf("baton: parallel %q has no children", name))
	}
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		if seen[c.Name()] {
			panic(fmt.Sprintf("baton: parallel %q: duplicate child %q", name, c.Name()))
		}
		seen[c.Name()] = true
	}
	p := &Parallel{name: name, children: children}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Parallel) Name() string        { return p.name }
func (p *Parallel) Kind() RunnableKind  { return RunnableParallel }
func (p *Parallel) Children() []Runnable { return p.children }

// Condition gates loop iterations. It runs before each iteration; returning
// false ends the loop with reason completed.
type Condition func(ctx context.Context, sc *StepContext) (bool, error)

// Loop repeats its inner Runnable until the condition fails or the iteration
// cap is reached.
type Loop struct {
	name   string
	inner  Runnable
	while  Condition
	max    int
	yields bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithWhile sets the loop condition, checked before each iteration. Without
// one the loop runs until the cap.
func WithWhile(cond Condition) LoopOption {
	return func(l *Loop) { l.while = cond }
}

// WithLoopMax caps iterations. Defaults to 100. Hitting the cap ends the
// invocation with reason max_iterations.
func WithLoopMax(n int) LoopOption {
	return func(l *Loop) { l.max = n }
}

// LoopYields lets yields inside the body pause the loop itself: the loop
// frame re-emits invocation_yield and resumes mid-iteration. Without it, a
// yield inside the body fails the loop.
func LoopYields() LoopOption {
	return func(l *Loop) { l.yields = true }
}

// NewLoop builds an iterating wrapper around inner.
func NewLoop(name string, inner Runnable, opts ...LoopOption) *Loop {
	if inner == nil {
		panic(fmt.Sprintf("baton: loop %q has no inner runnable", name))
	}
	l := &Loop{name: name, inner: inner, max: DefaultLoopMax}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) Name() string       { return l.name }
func (l *Loop) Kind() RunnableKind { return RunnableLoop }
func (l *Loop) Inner() Runnable    { return l.inner }

var (
	_ Runnable = (*Agent)(nil)
	_ Runnable = (*Step)(nil)
	_ Runnable = (*Sequence)(nil)
	_ Runnable = (*Parallel)(nil)
	_ Runnable = (*Loop)(nil)
)
