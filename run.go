package baton

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// RunStatus is the outward status of a finished Run call.
type RunStatus string

const (
	// RunCompleted means the pipeline ran to a terminal end.
	RunCompleted RunStatus = "completed"
	// RunYielded means the pipeline paused awaiting external input; persist
	// the session, collect input with AddToolInput, and Run again.
	RunYielded RunStatus = "yielded"
	// RunError means the pipeline failed.
	RunError RunStatus = "error"
)

// RunResult is the outcome of one Run call.
type RunResult struct {
	Status RunStatus
	// Output is the final assistant text.
	Output string
	// Value is the structured output when the terminal agent declared one,
	// or the branch map of a terminal parallel.
	Value json.RawMessage

	// PendingCalls lists the inputs the run is waiting on when yielded.
	PendingCalls []PendingCall
	// YieldedInvocationID is the deepest frame awaiting input when yielded.
	YieldedInvocationID string

	// Err is the failure when Status is RunError.
	Err error

	SessionID string
	Usage     Usage
	// Iterations counts the model calls performed by this run's pipeline.
	Iterations int
	// Events is the session log after the run.
	Events []Event
}

// AwaitingInput reports whether the run paused for external input.
func (r *RunResult) AwaitingInput() bool { return r.Status == RunYielded }

type runOptions struct {
	session    *Session
	input      string
	hasInput   bool
	service    SessionService
	handlers   []ErrorHandler
	middleware []ToolMiddleware
	onStream   StreamFunc
	cfg        *Config
	logger     *slog.Logger
	tracer     Tracer
	detached   *sync.WaitGroup
}

// RunOption configures one Run call.
type RunOption func(*runOptions)

// WithSession runs against an existing session instead of a fresh one. A
// yielded session resumes where it paused.
func WithSession(s *Session) RunOption {
	return func(o *runOptions) { o.session = s }
}

// WithInput seeds a user message before the run starts.
func WithInput(text string) RunOption {
	return func(o *runOptions) {
		o.input = text
		o.hasInput = true
	}
}

// WithSessionService saves the session through svc when the run finishes,
// and backs Dispatch children.
func WithSessionService(svc SessionService) RunOption {
	return func(o *runOptions) { o.service = svc }
}

// WithErrorHandlers installs the error handler chain for unit failures.
func WithErrorHandlers(handlers ...ErrorHandler) RunOption {
	return func(o *runOptions) { o.handlers = append(o.handlers, handlers...) }
}

// WithMiddleware wraps every tool execution in the run, outside any
// per-tool middleware.
func WithMiddleware(mw ...ToolMiddleware) RunOption {
	return func(o *runOptions) { o.middleware = append(o.middleware, mw...) }
}

// WithOnStream registers a live feed of log events and model deltas.
func WithOnStream(fn StreamFunc) RunOption {
	return func(o *runOptions) { o.onStream = fn }
}

// WithConfig overrides the runner configuration.
func WithConfig(cfg *Config) RunOption {
	return func(o *runOptions) { o.cfg = cfg }
}

// WithLogger sets the run's logger. Defaults to a no-op logger.
func WithLogger(logger *slog.Logger) RunOption {
	return func(o *runOptions) { o.logger = logger }
}

// WithTracer sets the run's tracer. Defaults to a no-op tracer.
func WithTracer(tracer Tracer) RunOption {
	return func(o *runOptions) { o.tracer = tracer }
}

// Run executes a pipeline to completion, a yield, or an error. Cancellation
// via ctx ends open invocations with reason cancelled.
func Run(ctx context.Context, r Runnable, opts ...RunOption) (*RunResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return run(ctx, r, &o)
}

func run(ctx context.Context, r Runnable, o *runOptions) (*RunResult, error) {
	if o.cfg == nil {
		o.cfg = DefaultConfig()
	}
	if o.logger == nil {
		o.logger = nopLogger()
	}
	session := o.session
	if session == nil {
		session = NewSession(WithAppName(o.cfg.AppName), WithSessionLogger(o.logger))
	}

	sv := newSupervisor(session, o.cfg, o.logger, o.tracer)
	sv.fingerprint = Fingerprint(r)
	sv.handlers = o.handlers
	sv.middleware = o.middleware
	sv.onStream = o.onStream
	sv.service = o.service
	sv.detached = o.detached

	stopFeed := func() {}
	if o.onStream != nil {
		events, cancel := session.Subscribe(256)
		feedDone := make(chan struct{})
		go func() {
			defer close(feedDone)
			for ev := range events {
				ev := ev
				o.onStream(StreamEvent{Kind: StreamLogEvent, Event: &ev})
			}
		}()
		var once sync.Once
		stopFeed = func() {
			once.Do(func() {
				cancel()
				<-feedDone
			})
		}
		defer stopFeed()
	}

	if o.hasInput {
		if _, err := session.AddMessage(UserEvent(o.input)); err != nil {
			return nil, err
		}
	}

	var out outcome
	if resumable(session) {
		out = sv.resumeRun(ctx, r)
	} else {
		out = sv.runUnit(ctx, r, frame{}, o.input)
	}

	// A transfer chain is a series of root invocations on the same session.
	for out.kind == okTransferred {
		origin := &Handoff{Type: HandoffTransfer, InvocationID: out.invocationID}
		sv.fingerprint = Fingerprint(out.target)
		out = sv.runUnit(ctx, out.target, frame{origin: origin}, out.output)
	}

	sv.spawns.Wait()

	result := buildResult(session, sv, out)
	if o.onStream != nil {
		// Drain the log feed before the done marker so it is the last event
		// a subscriber sees.
		stopFeed()
		done := StreamEvent{Kind: StreamDone, Status: result.Status}
		if result.Err != nil {
			done.Error = result.Err.Error()
		}
		o.onStream(done)
	}
	if o.service != nil {
		if err := o.service.SaveSession(ctx, session); err != nil {
			o.logger.Error("save session", "session_id", session.ID(), "err", err)
		}
	}
	if result.Status == RunError {
		return result, result.Err
	}
	return result, nil
}

// resumable reports whether the session paused mid-run and should resume
// rather than start a fresh root invocation.
func resumable(session *Session) bool {
	if session.Status() == StatusAwaitingInput {
		return true
	}
	tree := BuildTree(session.Events())
	root := tree.LatestRoot()
	return root != nil && root.State != InvocationClosed
}

func buildResult(session *Session, sv *supervisor, out outcome) *RunResult {
	result := &RunResult{
		SessionID: session.ID(),
		Usage:     sv.totalUsage(),
		Events:    session.Events(),
	}
	for _, ev := range result.Events {
		if ev.Type == EventModelStart {
			result.Iterations++
		}
	}
	switch out.kind {
	case okYielded:
		result.Status = RunYielded
		result.PendingCalls = session.PendingCalls()
		if len(result.PendingCalls) > 0 {
			result.YieldedInvocationID = result.PendingCalls[0].InvocationID
		}
	case okFailed:
		result.Status = RunError
		result.Err = out.err
	default:
		result.Status = RunCompleted
		result.Output = out.output
		result.Value = out.value
	}
	return result
}

// Runner binds shared run configuration: a session service, error handlers,
// logging, tracing, and the dispatched-children registry. Zero value is not
// usable; build one with NewRunner.
type Runner struct {
	cfg      *Config
	service  SessionService
	logger   *slog.Logger
	tracer   Tracer
	handlers []ErrorHandler

	detached sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerConfig sets the configuration.
func WithRunnerConfig(cfg *Config) RunnerOption {
	return func(r *Runner) { r.cfg = cfg }
}

// WithRunnerService sets the session service used for persistence and
// dispatched children.
func WithRunnerService(svc SessionService) RunnerOption {
	return func(r *Runner) { r.service = svc }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithRunnerTracer sets the tracer.
func WithRunnerTracer(tracer Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = tracer }
}

// WithRunnerErrorHandlers sets the default error handler chain.
func WithRunnerErrorHandlers(handlers ...ErrorHandler) RunnerOption {
	return func(r *Runner) { r.handlers = append(r.handlers, handlers...) }
}

// NewRunner builds a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:    DefaultConfig(),
		logger: nopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a pipeline with the runner's defaults. Per-call options
// override them.
func (r *Runner) Run(ctx context.Context, unit Runnable, opts ...RunOption) (*RunResult, error) {
	o := runOptions{
		service:  r.service,
		handlers: r.handlers,
		cfg:      r.cfg,
		logger:   r.logger,
		tracer:   r.tracer,
		detached: &r.detached,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return run(ctx, unit, &o)
}

// ResumeSession loads a stored session and resumes it against r's pipeline.
func (r *Runner) ResumeSession(ctx context.Context, unit Runnable, sessionID string, opts ...RunOption) (*RunResult, error) {
	if r.service == nil {
		return nil, &ErrSessionNotFound{ID: sessionID}
	}
	session, err := r.service.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	opts = append([]RunOption{WithSession(session)}, opts...)
	return r.Run(ctx, unit, opts...)
}

// Wait blocks until all dispatched children have finished. Call during
// shutdown.
func (r *Runner) Wait() {
	r.detached.Wait()
}
