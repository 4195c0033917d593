package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxOutputCorrections bounds re-asks when structured output fails to parse.
const maxOutputCorrections = 1

// finalAnswerTool is the synthetic tool an agent with OutputModeTool exposes;
// its arguments carry the structured output.
const finalAnswerTool = "final_answer"

// outcomeKind discriminates the internal result of running one unit.
type outcomeKind int

const (
	okCompleted outcomeKind = iota
	okSkipped
	okCompleteEarly
	okYielded
	okTransferred
	okFailed
)

// outcome is the internal result of one unit's run, propagated up the
// composition tree.
type outcome struct {
	kind   outcomeKind
	reason EndReason

	output string
	value  json.RawMessage

	// pending lists unresolved call IDs when kind is okYielded.
	pending []string
	// invocationID is the frame that produced this outcome.
	invocationID string

	target Runnable
	err    error
}

func completedOutcome(invID, output string) outcome {
	return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: output}
}

func failedOutcome(invID string, err error) outcome {
	reason := EndError
	if Classify(err) == KindCancelled {
		reason = EndCancelled
	}
	return outcome{kind: okFailed, reason: reason, invocationID: invID, err: err}
}

// supervisor drives one run over one session. It owns event emission,
// invocation bracketing, tool execution, and handoffs. A supervisor is
// single-use.
type supervisor struct {
	session    *Session
	cfg        *Config
	logger     *slog.Logger
	tracer     Tracer
	handlers   []ErrorHandler
	middleware []ToolMiddleware
	onStream   StreamFunc
	service    SessionService

	fingerprint string

	usageMu sync.Mutex
	usage   Usage

	// spawns tracks in-flight Spawn children; the run waits for them.
	spawns sync.WaitGroup
	// detached tracks Dispatch children, shared with the runner so shutdown
	// can wait for them. May be nil.
	detached *sync.WaitGroup
}

func newSupervisor(session *Session, cfg *Config, logger *slog.Logger, tracer Tracer) *supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = nopLogger()
	}
	if tracer == nil {
		tracer = nopTracer{}
	}
	return &supervisor{
		session: session,
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
	}
}

func (sv *supervisor) append(ev Event) Event {
	out, err := sv.session.AppendEvent(ev)
	if err != nil {
		sv.logger.Error("append event failed",
			"session_id", sv.session.ID(), "event_type", string(ev.Type), "err", err)
		return ev
	}
	return out
}

func (sv *supervisor) addUsage(u Usage) {
	sv.usageMu.Lock()
	sv.usage.Add(u)
	sv.usageMu.Unlock()
}

func (sv *supervisor) totalUsage() Usage {
	sv.usageMu.Lock()
	defer sv.usageMu.Unlock()
	return sv.usage
}

func (sv *supervisor) emitDelta(d Delta) {
	if sv.onStream != nil {
		sv.onStream(StreamEvent{Kind: StreamDelta, Delta: &d})
	}
}

// frame describes where a unit runs in the invocation tree.
type frame struct {
	parentID string
	origin   *Handoff
	// invocationID preassigns the frame's invocation ID so callers can hand
	// it out before the unit starts. Empty means generate one.
	invocationID  string
	loopIteration int
	loopMax       int
}

// runUnit runs one unit with error-handler mediation: a failed attempt is
// offered to the handler chain, which may retry, skip, substitute a
// fallback, or abort.
func (sv *supervisor) runUnit(ctx context.Context, r Runnable, fr frame, input string) outcome {
	for attempt := 0; ; attempt++ {
		out := sv.runOnce(ctx, r, fr, input)
		if out.kind != okFailed || out.reason == EndCancelled {
			return out
		}
		rec := decide(ctx, sv.handlers, &ErrorContext{
			Err:          out.err,
			Kind:         Classify(out.err),
			UnitName:     r.Name(),
			UnitKind:     r.Kind(),
			InvocationID: out.invocationID,
			Attempt:      attempt,
			State:        sv.session.State(r.Name()),
			Logger:       sv.logger,
		})
		switch rec.kind {
		case recoveryRetry:
			sv.logger.Info("retrying unit after error",
				"unit", r.Name(), "attempt", attempt+1, "err", out.err)
			continue
		case recoverySkip:
			return outcome{kind: okSkipped, reason: EndCompleted, invocationID: out.invocationID, output: input}
		case recoveryFallback:
			return outcome{kind: okCompleted, reason: EndCompleted, invocationID: out.invocationID, output: rec.text}
		default:
			return out
		}
	}
}

// runOnce opens an invocation bracket, dispatches by kind, and closes the
// bracket for every outcome except a yield, which leaves the frame open.
func (sv *supervisor) runOnce(ctx context.Context, r Runnable, fr frame, input string) outcome {
	invID := fr.invocationID
	if invID == "" {
		invID = NewID()
	}
	payload := &InvocationPayload{
		AgentName:          r.Name(),
		Kind:               r.Kind(),
		ParentInvocationID: fr.parentID,
		HandoffOrigin:      fr.origin,
		LoopIteration:      fr.loopIteration,
		LoopMax:            fr.loopMax,
	}
	if fr.parentID == "" {
		payload.Fingerprint = sv.fingerprint
		payload.SessionVersion = SessionVersion
	}
	sv.append(Event{Type: EventInvocationStart, InvocationID: invID, Invocation: payload})

	ctx, span := sv.tracer.StartSpan(ctx, "baton.invocation",
		StringAttr("unit.name", r.Name()),
		StringAttr("unit.kind", string(r.Kind())),
		StringAttr("invocation.id", invID))
	out := sv.dispatch(ctx, r, invID, input)
	if out.kind == okFailed {
		span.RecordError(out.err)
	}
	span.End()

	out.invocationID = invID
	sv.closeFrame(out, invID)
	return out
}

// closeFrame emits invocation_end for a finished frame. Yielded frames stay
// open.
func (sv *supervisor) closeFrame(out outcome, invID string) {
	if out.kind == okYielded {
		return
	}
	p := &InvocationPayload{Reason: out.reason}
	if out.kind == okTransferred && out.target != nil {
		p.HandoffTarget = &HandoffTarget{AgentName: out.target.Name(), Kind: out.target.Kind()}
	}
	sv.append(Event{Type: EventInvocationEnd, InvocationID: invID, Invocation: p})
}

func (sv *supervisor) dispatch(ctx context.Context, r Runnable, invID, input string) outcome {
	if err := ctx.Err(); err != nil {
		return failedOutcome(invID, &Error{Kind: KindCancelled, Message: "run cancelled", Err: err})
	}
	switch u := r.(type) {
	case *Agent:
		return sv.runAgent(ctx, u, invID, 0)
	case *Step:
		return sv.runStep(ctx, u, invID, input, nil, 0)
	case *Sequence:
		return sv.runSequence(ctx, u, invID, input, 0)
	case *Parallel:
		return sv.runParallel(ctx, u, invID, input)
	case *Loop:
		return sv.runLoop(ctx, u, invID, input, 0)
	default:
		return failedOutcome(invID, fmt.Errorf("unknown runnable kind %s", r.Kind()))
	}
}

// ---- agent ----

// runAgent drives the model-call loop from startStep. The loop ends when the
// model stops calling tools, a tool transfers, a yield pauses the run, or
// the iteration cap is hit.
func (sv *supervisor) runAgent(ctx context.Context, a *Agent, invID string, startStep int) outcome {
	corrections := 0
	lastText := ""
	for step := startStep; step < startStep+a.maxIterations; step++ {
		if err := ctx.Err(); err != nil {
			return failedOutcome(invID, &Error{Kind: KindCancelled, Message: "run cancelled", Err: err})
		}
		res, err := sv.modelStep(ctx, a, invID, step)
		if err != nil {
			return failedOutcome(invID, err)
		}
		sv.addUsage(res.Usage)

		for _, ev := range res.StepEvents {
			ev.InvocationID = invID
			sv.append(ev)
			if ev.Type == EventAssistant {
				lastText = ev.Text
			}
		}

		calls := res.ToolCalls
		var finalCall *ToolCallPayload
		if a.output != nil && a.outputMode == OutputModeTool {
			rest := make([]ToolCallPayload, 0, len(calls))
			for i := range calls {
				if calls[i].Name == finalAnswerTool {
					c := calls[i]
					finalCall = &c
				} else {
					rest = append(rest, calls[i])
				}
			}
			calls = rest
		}

		if finalCall == nil && (len(calls) == 0 || res.Terminal) {
			if a.output != nil {
				if a.outputMode == OutputModeTool {
					if corrections < maxOutputCorrections {
						corrections++
						sv.append(Event{Type: EventSystem, InvocationID: invID,
							Text: "Finish by calling the " + finalAnswerTool +
								" tool with arguments matching the required output schema."})
						continue
					}
					return failedOutcome(invID, &Error{
						Kind:         KindOutputParse,
						Message:      "model finished without calling " + finalAnswerTool,
						InvocationID: invID,
					})
				}
				value, perr := sv.parseStructuredOutput(a, lastText)
				if perr != nil {
					if corrections < maxOutputCorrections {
						corrections++
						sv.append(Event{Type: EventSystem, InvocationID: invID,
							Text: "Your previous answer did not match the required output schema: " +
								perr.Error() + ". Answer again with valid JSON only."})
						continue
					}
					return failedOutcome(invID, &Error{
						Kind:         KindOutputParse,
						Message:      "structured output failed validation after correction",
						InvocationID: invID,
						Err:          perr,
					})
				}
				return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: lastText, value: value}
			}
			return completedOutcome(invID, lastText)
		}

		if len(calls) > 0 {
			batch := sv.runToolBatch(ctx, a, invID, calls)
			if batch.transfer != nil {
				return outcome{kind: okTransferred, reason: EndTransferred, invocationID: invID, target: batch.transfer, output: lastText}
			}
			if len(batch.pending) > 0 {
				sv.append(Event{Type: EventInvocationYield, InvocationID: invID, Invocation: &InvocationPayload{
					PendingCallIDs: batch.pending,
					YieldIndex:     sv.nextYieldIndex(invID),
				}})
				return outcome{kind: okYielded, invocationID: invID, pending: batch.pending}
			}
			if batch.err != nil {
				return failedOutcome(invID, batch.err)
			}
		}

		if finalCall != nil {
			value, verr := sv.recordFinalAnswer(a, invID, finalCall)
			if verr != nil {
				if corrections < maxOutputCorrections {
					corrections++
					sv.append(Event{Type: EventSystem, InvocationID: invID,
						Text: "Your " + finalAnswerTool + " arguments did not match the required output schema: " +
							verr.Error() + ". Call it again with valid arguments."})
					continue
				}
				return failedOutcome(invID, &Error{
					Kind:         KindOutputParse,
					Message:      "structured output failed validation after correction",
					InvocationID: invID,
					Err:          verr,
				})
			}
			return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: lastText, value: value}
		}
	}
	return outcome{kind: okCompleted, reason: EndMaxIterations, invocationID: invID, output: lastText}
}

// modelStep renders context, emits the model_start/model_end pair, and runs
// one adapter call with transient retries.
func (sv *supervisor) modelStep(ctx context.Context, a *Agent, invID string, step int) (*ModelStepResult, error) {
	rc, err := sv.renderContext(ctx, a, invID, step)
	if err != nil {
		return nil, &Error{Kind: KindModelFatal, Message: "render context", InvocationID: invID, Err: err}
	}
	sv.append(Event{Type: EventModelStart, InvocationID: invID, ModelStart: &ModelStartPayload{
		StepIndex:    step,
		Messages:     rc.Messages,
		Tools:        rc.Tools,
		OutputSchema: rc.OutputSchema,
	}})

	deltas := make(chan Delta, 64)
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		for d := range deltas {
			d.InvocationID = invID
			sv.emitDelta(d)
		}
	}()

	mctx, span := sv.tracer.StartSpan(ctx, "baton.model_step",
		StringAttr("model.provider", a.model.Provider),
		StringAttr("model.name", a.model.Name),
		IntAttr("step.index", step))
	start := time.Now()
	res, _, err := retryCall(mctx, sv.cfg.ModelRetry.Max, sv.cfg.ModelRetry.Base.Std(),
		func() (*ModelStepResult, error) {
			actx := mctx
			cancel := func() {}
			if d := sv.cfg.ModelTimeout.Std(); d > 0 {
				actx, cancel = context.WithTimeout(mctx, d)
			}
			defer cancel()
			r, aerr := a.adapter.Step(actx, rc, a.model, deltas)
			if aerr != nil && actx.Err() == context.DeadlineExceeded && mctx.Err() == nil {
				return r, &Error{Kind: KindModelTransient, Message: "model step timed out", InvocationID: invID, Err: actx.Err()}
			}
			return r, aerr
		})
	duration := time.Since(start).Milliseconds()
	close(deltas)
	pump.Wait()

	end := &ModelEndPayload{DurationMS: duration}
	if res != nil {
		end.Usage = res.Usage
		end.FinishReason = res.FinishReason
		end.ModelName = res.ModelName
	}
	if err != nil {
		end.Error = err.Error()
		end.FinishReason = FinishError
		span.RecordError(err)
	}
	span.End()
	sv.append(Event{Type: EventModelEnd, InvocationID: invID, ModelEnd: end})

	if err != nil {
		kind := KindModelFatal
		if Transient(err) || Classify(err) == KindCancelled {
			kind = KindModelTransient
			if Classify(err) == KindCancelled {
				kind = KindCancelled
			}
		}
		return nil, &Error{Kind: kind, Message: "model step failed", InvocationID: invID, Err: err}
	}
	return res, nil
}

func (sv *supervisor) renderContext(ctx context.Context, a *Agent, invID string, step int) (*RenderContext, error) {
	events := sv.session.Events()
	tree := BuildTree(events)
	lineage := make(map[string]bool)
	for _, id := range tree.Lineage(invID) {
		lineage[id] = true
	}
	defs := make([]ToolDefinition, 0, len(a.tools)+1)
	for _, t := range a.tools {
		defs = append(defs, t.Definition())
	}
	// Tool-mode output exposes the synthetic final-answer tool instead of a
	// schema instruction; the model must call it to finish.
	var outputSchema json.RawMessage
	if a.output != nil {
		if a.outputMode == OutputModeTool {
			defs = append(defs, ToolDefinition{
				Name:        finalAnswerTool,
				Description: "Record the final answer. Arguments must match the required output schema.",
				Schema:      a.output.Raw(),
			})
		} else {
			outputSchema = a.OutputSchema()
		}
	}
	rc := &RenderContext{
		InvocationID:    invID,
		AgentName:       a.name,
		StepIndex:       step,
		Tools:           defs,
		ToolChoice:      a.toolChoice,
		OutputSchema:    outputSchema,
		Events:          events,
		Lineage:         lineage,
		HandoffSubtrees: tree.HandoffSubtrees(),
		Session:         sv.session,
		State:           sv.session.State(a.name),
		Agent:           a,
	}
	if err := Render(ctx, rc, a.stages); err != nil {
		return nil, err
	}
	return rc, nil
}

// recordFinalAnswer logs the final-answer call and validates its arguments
// against the agent's output schema. The tool_call/tool_result pair lands in
// the session log like any other tool execution.
func (sv *supervisor) recordFinalAnswer(a *Agent, invID string, call *ToolCallPayload) (json.RawMessage, error) {
	if call.CallID == "" {
		call.CallID = NewID()
	}
	c := *call
	sv.append(Event{Type: EventToolCall, InvocationID: invID, ToolCall: &c})

	value := call.Args
	var verr error
	var probe any
	if err := json.Unmarshal(value, &probe); err != nil {
		verr = fmt.Errorf("final answer arguments are not valid JSON: %w", err)
	} else if err := a.output.Validate(value); err != nil {
		verr = err
	}
	if verr != nil {
		sv.appendToolResult(invID, *call, nil, verr, 0, 0, false)
		return nil, verr
	}
	sv.appendToolResult(invID, *call, value, nil, 0, 0, false)
	return value, nil
}

func (sv *supervisor) parseStructuredOutput(a *Agent, text string) (json.RawMessage, error) {
	raw := json.RawMessage(extractJSON(text))
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := a.output.Validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// extractJSON trims surrounding prose and code fences around a JSON body.
func extractJSON(text string) string {
	start, end := -1, -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{', '[':
			if start == -1 {
				start = i
			}
			depth++
		case '}', ']':
			depth--
			if depth == 0 && start != -1 {
				end = i + 1
			}
		}
	}
	if start >= 0 && end > start {
		return text[start:end]
	}
	return text
}

func (sv *supervisor) nextYieldIndex(invID string) int {
	n := 0
	for _, ev := range sv.session.Events() {
		if ev.Type == EventInvocationYield && ev.InvocationID == invID {
			n++
		}
	}
	return n + 1
}

// ---- tools ----

type toolBatch struct {
	pending  []string
	transfer Runnable
	err      error
}

// runToolBatch emits tool_call events for the whole batch, then executes the
// calls with bounded concurrency. Yields and transfers are collected; a
// transfer wins over everything else in the batch.
func (sv *supervisor) runToolBatch(ctx context.Context, a *Agent, invID string, calls []ToolCallPayload) toolBatch {
	for i := range calls {
		if calls[i].CallID == "" {
			calls[i].CallID = NewID()
		}
		if t, ok := a.Tool(calls[i].Name); ok {
			calls[i].Yields = t.Yields()
		}
		c := calls[i]
		sv.append(Event{Type: EventToolCall, InvocationID: invID, ToolCall: &c})
	}

	results := make([]toolCallResult, len(calls))
	var wg sync.WaitGroup
	var sem chan struct{}
	if n := sv.cfg.MaxParallelTools; n > 0 {
		sem = make(chan struct{}, n)
	}
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = sv.runToolCall(ctx, a, invID, calls[i])
		}(i)
	}
	wg.Wait()

	var batch toolBatch
	for _, r := range results {
		if r.transfer != nil && batch.transfer == nil {
			batch.transfer = r.transfer
		}
		if r.pendingID != "" {
			batch.pending = append(batch.pending, r.pendingID)
		}
		if r.fatal != nil && batch.err == nil {
			batch.err = r.fatal
		}
	}
	return batch
}

type toolCallResult struct {
	pendingID string
	transfer  Runnable
	// fatal is set only for engine-level failures; ordinary tool errors are
	// recorded on the tool_result event and fed back to the model.
	fatal error
}

// runToolCall executes one tool call. Argument validation failures and body
// errors become tool_result.error; a yielding tool runs its prepare phase and
// pauses with a tool_yield.
func (sv *supervisor) runToolCall(ctx context.Context, a *Agent, invID string, call ToolCallPayload) toolCallResult {
	t, ok := a.Tool(call.Name)
	if !ok {
		sv.appendToolResult(invID, call, nil, fmt.Errorf("unknown tool %q", call.Name), 0, 0, false)
		return toolCallResult{}
	}

	tc := &ToolContext{
		CallID:       call.CallID,
		InvocationID: invID,
		Args:         call.Args,
		Session:      sv.session,
		State:        sv.session.State(t.name),
		Handoff:      &handoffSurface{sv: sv, invocationID: invID, callID: call.CallID},
		Logger:       sv.logger.With("tool", t.name, "call_id", call.CallID),
	}

	if err := t.ValidateArgs(call.Args); err != nil {
		sv.appendToolResult(invID, call, nil, err, 0, 0, false)
		return toolCallResult{}
	}

	ctx, span := sv.tracer.StartSpan(ctx, "baton.tool",
		StringAttr("tool.name", t.name),
		StringAttr("call.id", call.CallID),
		BoolAttr("tool.yields", t.Yields()))
	defer span.End()

	if t.Yields() {
		prepared, _, _, err := sv.execPhase(ctx, t, t.prepare, tc)
		if err != nil {
			span.RecordError(err)
			sv.appendToolResult(invID, call, nil, err, 0, 0, false)
			return toolCallResult{}
		}
		sv.append(Event{Type: EventToolYield, InvocationID: invID, ToolYield: &ToolYieldPayload{
			CallID:        call.CallID,
			Name:          t.name,
			PreparedArgs:  prepared,
			PartialResume: t.partialResume,
		}})
		return toolCallResult{pendingID: call.CallID}
	}

	start := time.Now()
	result, retries, timedOut, err := sv.execPhase(ctx, t, t.execute, tc)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
	}
	sv.appendToolResult(invID, call, result, err, duration, retries, timedOut)
	if tc.transferTo != nil {
		return toolCallResult{transfer: tc.transferTo}
	}
	return toolCallResult{}
}

// execPhase runs one tool phase through its middleware with per-attempt
// timeout and transient retries.
func (sv *supervisor) execPhase(ctx context.Context, t *Tool, fn ToolExecFunc, tc *ToolContext) (json.RawMessage, int, bool, error) {
	wrapped := t.wrap(fn)
	// Run-level middleware sits outside the tool's own chain.
	for i := len(sv.middleware) - 1; i >= 0; i-- {
		wrapped = sv.middleware[i](wrapped)
	}
	timeout := t.timeout
	if timeout <= 0 {
		timeout = sv.cfg.ToolTimeout.Std()
	}
	timedOut := false
	value, retries, err := retryCall(ctx, t.retries, t.retryBase, func() (any, error) {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := wrapped(actx, tc)
		if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			timedOut = true
			return v, &Error{Kind: KindToolTransient, Message: "tool attempt timed out", CallID: tc.CallID, Err: actx.Err()}
		}
		timedOut = false
		return v, err
	})
	if err != nil {
		return nil, retries, timedOut, err
	}
	// A returned Runnable is a transfer target; the tool's result is void.
	if r, ok := value.(Runnable); ok {
		tc.transferTo = r
		return nil, retries, false, nil
	}
	raw, merr := marshalValue(value)
	if merr != nil {
		return nil, retries, false, &Error{Kind: KindToolFatal, Message: "marshal tool result", CallID: tc.CallID, Err: merr}
	}
	return raw, retries, false, nil
}

func (sv *supervisor) appendToolResult(invID string, call ToolCallPayload, result json.RawMessage, err error, durationMS int64, retries int, timedOut bool) {
	p := &ToolResultPayload{
		CallID:     call.CallID,
		Name:       call.Name,
		Result:     result,
		DurationMS: durationMS,
		RetryCount: retries,
		TimedOut:   timedOut,
	}
	if err != nil {
		p.Error = err.Error()
	}
	sv.append(Event{Type: EventToolResult, InvocationID: invID, ToolResult: p})
}

// ---- step ----

// runStep executes a deterministic step body and maps its outcome. A
// SignalYield creates a synthetic pending call named after the step so that
// AddToolInput and resume treat step yields and tool yields the same way.
func (sv *supervisor) runStep(ctx context.Context, s *Step, invID, input string, resumeInput json.RawMessage, iteration int) outcome {
	sc := &StepContext{
		InvocationID: invID,
		Input:        input,
		Iteration:    iteration,
		ResumeInput:  resumeInput,
		Resumed:      resumeInput != nil,
		Session:      sv.session,
		State:        sv.session.State(s.name),
		Handoff:      &handoffSurface{sv: sv, invocationID: invID},
		Logger:       sv.logger.With("step", s.name),
	}
	out, err := s.fn(ctx, sc)
	if err != nil {
		return failedOutcome(invID, err)
	}
	switch out.kind {
	case outcomeContinue:
		return completedOutcome(invID, input)
	case outcomeSkip:
		return outcome{kind: okSkipped, reason: EndCompleted, invocationID: invID, output: input}
	case outcomeRespond:
		sv.append(Event{Type: EventAssistant, InvocationID: invID, Text: out.text})
		return completedOutcome(invID, out.text)
	case outcomeComplete:
		return outcome{kind: okCompleteEarly, reason: EndCompleted, invocationID: invID, value: out.value, output: input}
	case outcomeRoute:
		return outcome{kind: okTransferred, reason: EndTransferred, invocationID: invID, target: out.target, output: input}
	case outcomeFail:
		return failedOutcome(invID, newError(KindToolFatal, "step %s failed: %s", s.name, out.text))
	case outcomeYield:
		callID := NewID()
		sv.append(Event{Type: EventToolCall, InvocationID: invID, ToolCall: &ToolCallPayload{
			CallID: callID, Name: s.name, Yields: true,
		}})
		sv.append(Event{Type: EventToolYield, InvocationID: invID, ToolYield: &ToolYieldPayload{
			CallID: callID, Name: s.name, PreparedArgs: out.value, PartialResume: out.partial,
		}})
		sv.append(Event{Type: EventInvocationYield, InvocationID: invID, Invocation: &InvocationPayload{
			PendingCallIDs: []string{callID},
			YieldIndex:     sv.nextYieldIndex(invID),
		}})
		return outcome{kind: okYielded, invocationID: invID, pending: []string{callID}}
	default:
		return failedOutcome(invID, fmt.Errorf("step %s returned unknown outcome", s.name))
	}
}

// ---- sequence ----

// runSequence runs children in order from index start, feeding each child's
// output to the next. A yield anywhere propagates up with the sequence frame
// left open; CompleteWith ends the sequence early.
func (sv *supervisor) runSequence(ctx context.Context, s *Sequence, invID, input string, start int) outcome {
	output := input
	var value json.RawMessage
	for i := start; i < len(s.children); i++ {
		child := s.children[i]
		out := sv.runUnit(ctx, child, frame{parentID: invID}, output)
		switch out.kind {
		case okCompleted:
			output = out.output
			value = out.value
		case okSkipped:
			// output flows through unchanged
		case okCompleteEarly:
			return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: output, value: out.value}
		case okYielded:
			return outcome{kind: okYielded, invocationID: invID, pending: out.pending}
		case okTransferred:
			return outcome{kind: okTransferred, reason: EndTransferred, invocationID: invID, target: out.target, output: out.output}
		case okFailed:
			return outcome{kind: okFailed, reason: out.reason, invocationID: invID, err: out.err}
		}
	}
	return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: output, value: value}
}

// ---- parallel ----

// runParallel fans children out concurrently on the shared session. The
// first failure cancels the remaining branches; yields accumulate across
// branches into one pending set. When every branch completes, the merge
// function runs and its map lands in session state as a single update.
func (sv *supervisor) runParallel(ctx context.Context, p *Parallel, invID, input string) outcome {
	results := make([]outcome, len(p.children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range p.children {
		i, child := i, child
		g.Go(func() error {
			results[i] = sv.runUnit(gctx, child, frame{parentID: invID}, input)
			if results[i].kind == okFailed {
				return results[i].err
			}
			return nil
		})
	}
	gerr := g.Wait()

	var pending []string
	for _, r := range results {
		if r.kind == okYielded {
			pending = append(pending, r.pending...)
		}
		if r.kind == okTransferred {
			return outcome{kind: okTransferred, reason: EndTransferred, invocationID: invID, target: r.target, output: r.output}
		}
	}
	if gerr != nil {
		return outcome{kind: okFailed, reason: EndError, invocationID: invID, err: gerr}
	}
	if len(pending) > 0 {
		return outcome{kind: okYielded, invocationID: invID, pending: pending}
	}
	return sv.mergeParallel(ctx, p, invID, results)
}

func (sv *supervisor) mergeParallel(ctx context.Context, p *Parallel, invID string, results []outcome) outcome {
	branches := make(map[string]string, len(p.children))
	mc := &MergeContext{
		State:  sv.session.State(p.name),
		Logger: sv.logger.With("parallel", p.name),
	}
	for i, child := range p.children {
		mc.Branches = append(mc.Branches, BranchResult{
			Name:   child.Name(),
			Output: results[i].output,
			Value:  results[i].value,
			Err:    results[i].err,
		})
		branches[child.Name()] = results[i].output
	}
	if p.merge != nil {
		updates, err := p.merge(ctx, mc)
		if err != nil {
			return failedOutcome(invID, fmt.Errorf("merge %s: %w", p.name, err))
		}
		if len(updates) > 0 {
			if err := mc.State.Update(updates); err != nil {
				return failedOutcome(invID, err)
			}
		}
	}
	value, _ := marshalValue(branches)
	return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, value: value}
}

// ---- loop ----

// runLoop repeats the inner unit from iteration start. The condition is
// checked before each iteration; a false condition completes the loop, the
// cap ends it with max_iterations. Yields inside the body pause the loop only
// when the loop was built with LoopYields.
func (sv *supervisor) runLoop(ctx context.Context, l *Loop, invID, input string, start int) outcome {
	output := input
	var value json.RawMessage
	for iter := start; iter < l.max; iter++ {
		if err := ctx.Err(); err != nil {
			return failedOutcome(invID, &Error{Kind: KindCancelled, Message: "run cancelled", Err: err})
		}
		if l.while != nil {
			sc := &StepContext{
				InvocationID: invID,
				Input:        output,
				Iteration:    iter,
				Session:      sv.session,
				State:        sv.session.State(l.name),
				Logger:       sv.logger.With("loop", l.name),
			}
			ok, err := l.while(ctx, sc)
			if err != nil {
				return failedOutcome(invID, fmt.Errorf("loop %s condition: %w", l.name, err))
			}
			if !ok {
				return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: output, value: value}
			}
		}
		out := sv.runUnit(ctx, l.inner, frame{parentID: invID, loopIteration: iter + 1, loopMax: l.max}, output)
		switch out.kind {
		case okCompleted, okSkipped:
			output = out.output
			value = out.value
		case okCompleteEarly:
			return outcome{kind: okCompleted, reason: EndCompleted, invocationID: invID, output: output, value: out.value}
		case okYielded:
			if !l.yields {
				return failedOutcome(invID, newError(KindToolFatal,
					"loop %s: yield inside loop without LoopYields", l.name))
			}
			sv.append(Event{Type: EventInvocationYield, InvocationID: invID, Invocation: &InvocationPayload{
				PendingCallIDs: out.pending,
				YieldIndex:     sv.nextYieldIndex(invID),
			}})
			return outcome{kind: okYielded, invocationID: invID, pending: out.pending}
		case okTransferred:
			return outcome{kind: okTransferred, reason: EndTransferred, invocationID: invID, target: out.target, output: out.output}
		case okFailed:
			return outcome{kind: okFailed, reason: out.reason, invocationID: invID, err: out.err}
		}
	}
	return outcome{kind: okCompleted, reason: EndMaxIterations, invocationID: invID, output: output, value: value}
}

// ---- handoffs ----

// handoffSurface implements Handoffs for one call site.
type handoffSurface struct {
	sv           *supervisor
	invocationID string
	callID       string
}

var _ Handoffs = (*handoffSurface)(nil)

func (h *handoffSurface) origin(t HandoffType) *Handoff {
	return &Handoff{Type: t, CallID: h.callID, InvocationID: h.invocationID}
}

// Call runs a child synchronously under the current invocation and returns
// its result. A yield inside a synchronous call cannot pause the blocked
// caller and is surfaced as an error.
func (h *handoffSurface) Call(ctx context.Context, r Runnable, input string) (*CallResult, error) {
	out := h.sv.runUnit(ctx, r, frame{parentID: h.invocationID, origin: h.origin(HandoffCall)}, input)
	return h.sv.callResult(out)
}

func (sv *supervisor) callResult(out outcome) (*CallResult, error) {
	switch out.kind {
	case okCompleted, okSkipped, okCompleteEarly:
		return &CallResult{
			Output:       out.output,
			Value:        out.value,
			InvocationID: out.invocationID,
			Usage:        sv.totalUsage(),
		}, nil
	case okYielded:
		return nil, newError(KindToolFatal, "child invocation %s yielded inside a synchronous call", out.invocationID)
	case okTransferred:
		return nil, newError(KindToolFatal, "child invocation %s transferred inside a synchronous call", out.invocationID)
	default:
		return nil, out.err
	}
}

// Spawn starts a child concurrently on the same session and returns a handle.
// The run waits for unawaited spawns before finishing. The child's context
// descends from the parent's, so cancelling the parent cancels the spawn.
func (h *handoffSurface) Spawn(ctx context.Context, r Runnable, input string) (*SpawnHandle, error) {
	cctx, cancel := context.WithCancel(ctx)
	handle := newSpawnHandle("", cancel)
	h.sv.spawns.Add(1)
	go func() {
		defer h.sv.spawns.Done()
		out := h.sv.runUnit(cctx, r, frame{parentID: h.invocationID, origin: h.origin(HandoffSpawn)}, input)
		res, err := h.sv.callResult(out)
		handle.invocationID = out.invocationID
		handle.resolve(res, err)
	}()
	return handle, nil
}

// Dispatch starts a detached child invocation on the caller's session and
// returns immediately. The child outlives its parent: the run does not wait
// for it, and cancelling the parent does not cancel it. The session stays
// open until every dispatched invocation ends; Runner.Wait blocks on them.
func (h *handoffSurface) Dispatch(ctx context.Context, r Runnable, input string) (*DispatchHandle, error) {
	invID := NewID()
	handle := &DispatchHandle{InvocationID: invID, SessionID: h.sv.session.ID()}
	if h.sv.detached != nil {
		h.sv.detached.Add(1)
	}
	dctx := context.WithoutCancel(ctx)
	go func() {
		if h.sv.detached != nil {
			defer h.sv.detached.Done()
		}
		out := h.sv.runUnit(dctx, r, frame{
			parentID:     h.invocationID,
			invocationID: invID,
			origin:       h.origin(HandoffDispatch),
		}, input)
		if out.kind == okFailed {
			h.sv.logger.Error("dispatched invocation failed",
				"session_id", h.sv.session.ID(), "invocation_id", invID, "unit", r.Name(), "err", out.err)
		}
		if h.sv.service != nil {
			if err := h.sv.service.SaveSession(dctx, h.sv.session); err != nil {
				h.sv.logger.Error("save session after dispatch",
					"session_id", h.sv.session.ID(), "err", err)
			}
		}
	}()
	return handle, nil
}
