package baton

import (
	"context"
	"fmt"
	"time"
)

// resumeRun continues a yielded session. The pipeline fingerprint is checked
// against the stored root before anything else; state was already replayed
// from the log when the session was restored.
func (sv *supervisor) resumeRun(ctx context.Context, r Runnable) outcome {
	tree := BuildTree(sv.session.Events())
	root := tree.LatestRoot()
	if root == nil {
		return sv.runUnit(ctx, r, frame{}, "")
	}
	if root.Fingerprint != sv.fingerprint {
		return outcome{kind: okFailed, reason: EndError, invocationID: root.InvocationID, err: &ErrPipelineChanged{
			SessionID:          sv.session.ID(),
			StoredFingerprint:  root.Fingerprint,
			CurrentFingerprint: sv.fingerprint,
		}}
	}
	return sv.resumeUnit(ctx, r, root, tree)
}

// resumeUnit re-enters one open frame and closes it when its work finishes.
// Frames that are still waiting for input come back as yielded with no events
// emitted.
func (sv *supervisor) resumeUnit(ctx context.Context, r Runnable, node *InvocationNode, tree *Tree) outcome {
	if node.AgentName != r.Name() || node.Kind != r.Kind() {
		return outcome{kind: okFailed, reason: EndError, invocationID: node.InvocationID, err: &ErrPipelineChanged{
			SessionID:          sv.session.ID(),
			StoredFingerprint:  fmt.Sprintf("%s %q", node.Kind, node.AgentName),
			CurrentFingerprint: fmt.Sprintf("%s %q", r.Kind(), r.Name()),
		}}
	}
	out := sv.resumeDispatch(ctx, r, node, tree)
	out.invocationID = node.InvocationID
	sv.closeFrame(out, node.InvocationID)
	return out
}

func (sv *supervisor) resumeDispatch(ctx context.Context, r Runnable, node *InvocationNode, tree *Tree) outcome {
	switch u := r.(type) {
	case *Agent:
		return sv.resumeAgent(ctx, u, node)
	case *Step:
		return sv.resumeStep(ctx, u, node)
	case *Sequence:
		return sv.resumeSequence(ctx, u, node, tree)
	case *Parallel:
		return sv.resumeParallel(ctx, u, node, tree)
	case *Loop:
		return sv.resumeLoop(ctx, u, node, tree)
	default:
		return failedOutcome(node.InvocationID, fmt.Errorf("cannot resume runnable kind %s", r.Kind()))
	}
}

// pendingFor returns the unresolved pending calls recorded on one frame.
func (sv *supervisor) pendingFor(node *InvocationNode) []PendingCall {
	var out []PendingCall
	for _, pc := range sv.session.PendingCalls() {
		if pc.InvocationID == node.InvocationID {
			out = append(out, pc)
		}
	}
	return out
}

// resumeReady decides whether a frame's pending set allows finalizing now:
// either every call has input, or at least one satisfied call allows partial
// resume.
func resumeReady(pending []PendingCall) (finalize []PendingCall, remaining []PendingCall, ready bool) {
	allSatisfied := true
	for _, pc := range pending {
		if !pc.Satisfied {
			allSatisfied = false
		}
	}
	if allSatisfied {
		return pending, nil, len(pending) > 0
	}
	for _, pc := range pending {
		if pc.Satisfied && pc.PartialResume {
			finalize = append(finalize, pc)
		} else if !pc.Satisfied {
			remaining = append(remaining, pc)
		} else {
			remaining = append(remaining, pc)
		}
	}
	return finalize, remaining, len(finalize) > 0
}

// resumeAgent finalizes the satisfied yielding calls and re-enters the model
// loop at the step after the last recorded model_start.
func (sv *supervisor) resumeAgent(ctx context.Context, a *Agent, node *InvocationNode) outcome {
	pending := sv.pendingFor(node)
	finalize, remaining, ready := resumeReady(pending)
	if !ready {
		return outcome{kind: okYielded, invocationID: node.InvocationID, pending: node.PendingCallIDs}
	}

	sv.append(Event{Type: EventInvocationResume, InvocationID: node.InvocationID, Invocation: &InvocationPayload{}})

	for _, pc := range finalize {
		sv.finalizeCall(ctx, a, node, pc)
	}
	if len(remaining) > 0 {
		ids := make([]string, len(remaining))
		for i, pc := range remaining {
			ids[i] = pc.CallID
		}
		sv.append(Event{Type: EventInvocationYield, InvocationID: node.InvocationID, Invocation: &InvocationPayload{
			PendingCallIDs: ids,
			YieldIndex:     sv.nextYieldIndex(node.InvocationID),
		}})
		return outcome{kind: okYielded, invocationID: node.InvocationID, pending: ids}
	}

	nextStep := 0
	for _, ev := range node.Events {
		if ev.Type == EventModelStart {
			nextStep = ev.ModelStart.StepIndex + 1
		}
	}
	return sv.runAgent(ctx, a, node.InvocationID, nextStep)
}

// finalizeCall runs a yielding tool's finalize phase against the arrived
// input and records the tool_result.
func (sv *supervisor) finalizeCall(ctx context.Context, a *Agent, node *InvocationNode, pc PendingCall) {
	call := ToolCallPayload{CallID: pc.CallID, Name: pc.Name, Yields: true}
	for _, ev := range node.Events {
		if ev.Type == EventToolCall && ev.ToolCall.CallID == pc.CallID {
			call.Args = ev.ToolCall.Args
		}
	}
	t, ok := a.Tool(pc.Name)
	if !ok {
		sv.appendToolResult(node.InvocationID, call, nil, fmt.Errorf("unknown tool %q", pc.Name), 0, 0, false)
		return
	}
	if err := t.ValidateInput(pc.Input); err != nil {
		sv.appendToolResult(node.InvocationID, call, nil, err, 0, 0, false)
		return
	}
	tc := &ToolContext{
		CallID:       pc.CallID,
		InvocationID: node.InvocationID,
		Args:         call.Args,
		PreparedArgs: pc.PreparedArgs,
		Input:        pc.Input,
		Session:      sv.session,
		State:        sv.session.State(t.name),
		Handoff:      &handoffSurface{sv: sv, invocationID: node.InvocationID, callID: pc.CallID},
		Logger:       sv.logger.With("tool", t.name, "call_id", pc.CallID),
	}
	start := time.Now()
	result, retries, timedOut, err := sv.execPhase(ctx, t, t.finalize, tc)
	sv.appendToolResult(node.InvocationID, call, result, err, time.Since(start).Milliseconds(), retries, timedOut)
}

// resumeStep resolves the step's synthetic pending call and re-runs the body
// with the input visible on the StepContext.
func (sv *supervisor) resumeStep(ctx context.Context, s *Step, node *InvocationNode) outcome {
	pending := sv.pendingFor(node)
	if len(pending) == 0 || !pending[0].Satisfied {
		return outcome{kind: okYielded, invocationID: node.InvocationID, pending: node.PendingCallIDs}
	}
	pc := pending[0]
	sv.append(Event{Type: EventInvocationResume, InvocationID: node.InvocationID, Invocation: &InvocationPayload{}})
	sv.appendToolResult(node.InvocationID,
		ToolCallPayload{CallID: pc.CallID, Name: pc.Name, Yields: true},
		pc.Input, nil, 0, 0, false)
	return sv.runStep(ctx, s, node.InvocationID, "", pc.Input, node.LoopIteration)
}

// resumeSequence re-enters the yielded child, then runs the remaining
// children under the still-open sequence frame.
func (sv *supervisor) resumeSequence(ctx context.Context, s *Sequence, node *InvocationNode, tree *Tree) outcome {
	cnode := lastYieldedChild(node)
	if cnode == nil {
		return failedOutcome(node.InvocationID, fmt.Errorf("sequence %s has no yielded child to resume", s.name))
	}
	idx := -1
	for i, c := range s.children {
		if c.Name() == cnode.AgentName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return failedOutcome(node.InvocationID, fmt.Errorf("sequence %s has no child %q", s.name, cnode.AgentName))
	}
	out := sv.resumeUnit(ctx, s.children[idx], cnode, tree)
	switch out.kind {
	case okCompleted, okSkipped:
		return sv.runSequence(ctx, s, node.InvocationID, out.output, idx+1)
	case okCompleteEarly:
		return outcome{kind: okCompleted, reason: EndCompleted, invocationID: node.InvocationID, value: out.value, output: out.output}
	case okYielded:
		return outcome{kind: okYielded, invocationID: node.InvocationID, pending: out.pending}
	case okTransferred:
		return outcome{kind: okTransferred, reason: EndTransferred, invocationID: node.InvocationID, target: out.target, output: out.output}
	default:
		return outcome{kind: okFailed, reason: out.reason, invocationID: node.InvocationID, err: out.err}
	}
}

// resumeParallel re-enters every yielded branch; branches that already closed
// contribute their recorded output. The merge runs once all branches finish.
func (sv *supervisor) resumeParallel(ctx context.Context, p *Parallel, node *InvocationNode, tree *Tree) outcome {
	childNodes := make(map[string]*InvocationNode, len(node.Children))
	for _, c := range node.Children {
		childNodes[c.AgentName] = c
	}
	results := make([]outcome, len(p.children))
	var pending []string
	for i, child := range p.children {
		cnode, ok := childNodes[child.Name()]
		if !ok {
			results[i] = failedOutcome(node.InvocationID, fmt.Errorf("parallel %s: no recorded branch %q", p.name, child.Name()))
			continue
		}
		if !hasYield(cnode) {
			results[i] = outcome{kind: okCompleted, reason: EndCompleted, invocationID: cnode.InvocationID, output: nodeOutput(cnode)}
			continue
		}
		results[i] = sv.resumeUnit(ctx, child, cnode, tree)
		switch results[i].kind {
		case okYielded:
			pending = append(pending, results[i].pending...)
		case okTransferred:
			return outcome{kind: okTransferred, reason: EndTransferred, invocationID: node.InvocationID, target: results[i].target}
		case okFailed:
			return outcome{kind: okFailed, reason: results[i].reason, invocationID: node.InvocationID, err: results[i].err}
		}
	}
	if len(pending) > 0 {
		return outcome{kind: okYielded, invocationID: node.InvocationID, pending: pending}
	}
	return sv.mergeParallel(ctx, p, node.InvocationID, results)
}

// resumeLoop re-enters the yielded iteration, then continues the remaining
// iterations under the still-open loop frame.
func (sv *supervisor) resumeLoop(ctx context.Context, l *Loop, node *InvocationNode, tree *Tree) outcome {
	cnode := lastYieldedChild(node)
	if cnode == nil {
		return failedOutcome(node.InvocationID, fmt.Errorf("loop %s has no yielded iteration to resume", l.name))
	}
	if node.State == InvocationYielded {
		sv.append(Event{Type: EventInvocationResume, InvocationID: node.InvocationID, Invocation: &InvocationPayload{}})
	}
	out := sv.resumeUnit(ctx, l.inner, cnode, tree)
	switch out.kind {
	case okCompleted, okSkipped:
		return sv.runLoop(ctx, l, node.InvocationID, out.output, cnode.LoopIteration)
	case okCompleteEarly:
		return outcome{kind: okCompleted, reason: EndCompleted, invocationID: node.InvocationID, value: out.value}
	case okYielded:
		sv.append(Event{Type: EventInvocationYield, InvocationID: node.InvocationID, Invocation: &InvocationPayload{
			PendingCallIDs: out.pending,
			YieldIndex:     sv.nextYieldIndex(node.InvocationID),
		}})
		return outcome{kind: okYielded, invocationID: node.InvocationID, pending: out.pending}
	case okTransferred:
		return outcome{kind: okTransferred, reason: EndTransferred, invocationID: node.InvocationID, target: out.target}
	default:
		return outcome{kind: okFailed, reason: out.reason, invocationID: node.InvocationID, err: out.err}
	}
}

// lastYieldedChild returns the last child frame containing a yield.
func lastYieldedChild(node *InvocationNode) *InvocationNode {
	for i := len(node.Children) - 1; i >= 0; i-- {
		if hasYield(node.Children[i]) {
			return node.Children[i]
		}
	}
	return nil
}

// nodeOutput recovers a closed frame's textual output: its last assistant
// event.
func nodeOutput(node *InvocationNode) string {
	out := ""
	var walk func(n *InvocationNode)
	walk = func(n *InvocationNode) {
		for _, ev := range n.Events {
			if ev.Type == EventAssistant {
				out = ev.Text
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(node)
	return out
}
