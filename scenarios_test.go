package baton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// stubAdapter scripts a sequence of model steps. Each Step call consumes the
// next script entry.
type stubAdapter struct {
	mu     sync.Mutex
	script []scriptedStep
	calls  int
}

type scriptedStep struct {
	text      string
	thought   string
	toolCalls []ToolCallPayload
	err       error
}

func (s *stubAdapter) Step(_ context.Context, _ *RenderContext, _ ModelConfig, _ chan<- Delta) (*ModelStepResult, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.script) {
		return nil, fmt.Errorf("stub adapter: unscripted step %d", i)
	}
	st := s.script[i]
	if st.err != nil {
		return nil, st.err
	}
	res := &ModelStepResult{
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: FinishStop,
		ModelName:    "stub-1",
	}
	if st.thought != "" {
		res.StepEvents = append(res.StepEvents, ThoughtEvent(st.thought, nil))
	}
	if st.text != "" {
		res.StepEvents = append(res.StepEvents, AssistantEvent(st.text))
	}
	if len(st.toolCalls) != 0 {
		res.ToolCalls = st.toolCalls
		res.FinishReason = FinishToolCalls
	}
	return res, nil
}

func (s *stubAdapter) stepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// eventTypes projects a log onto its type sequence.
func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i := range events {
		out[i] = events[i].Type
	}
	return out
}

// assertSubsequence checks that want appears in order within got.
func assertSubsequence(t *testing.T, got []EventType, want []EventType) {
	t.Helper()
	j := 0
	for _, g := range got {
		if j < len(want) && g == want[j] {
			j++
		}
	}
	if j != len(want) {
		t.Fatalf("log missing expected subsequence at %s\ngot:  %v\nwant: %v", want[j], got, want)
	}
}

func findEvent(events []Event, match func(*Event) bool) *Event {
	for i := range events {
		if match(&events[i]) {
			return &events[i]
		}
	}
	return nil
}

func TestSimpleCompletion(t *testing.T) {
	calculate := NewTool("calculate", "Evaluate an arithmetic expression.",
		WithToolSchema(json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`)),
		WithExecute(func(_ context.Context, tc *ToolContext) (any, error) {
			var args struct {
				Expression string `json:"expression"`
			}
			if err := tc.BindArgs(&args); err != nil {
				return nil, err
			}
			if args.Expression != "134/4" {
				return nil, fmt.Errorf("unexpected expression %q", args.Expression)
			}
			return 33.5, nil
		}),
	)
	adapter := &stubAdapter{script: []scriptedStep{
		{toolCalls: []ToolCallPayload{{Name: "calculate", Args: json.RawMessage(`{"expression":"134/4"}`)}}},
		{text: "33.5"},
	}}
	agent := NewAgent("calc_agent", adapter, ModelConfig{Provider: "stub", Name: "stub-1"},
		WithTools(calculate))

	result, err := Run(context.Background(), agent, WithInput("What is 134/4?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %s, want %s", result.Status, RunCompleted)
	}
	if result.Output != "33.5" {
		t.Fatalf("output = %q, want %q", result.Output, "33.5")
	}

	assertSubsequence(t, eventTypes(result.Events), []EventType{
		EventUser,
		EventInvocationStart,
		EventModelStart,
		EventToolCall,
		EventToolResult,
		EventModelStart,
		EventAssistant,
		EventInvocationEnd,
	})

	root := findEvent(result.Events, func(e *Event) bool { return e.Type == EventInvocationStart })
	if root.Invocation.Fingerprint == "" {
		t.Fatal("root invocation_start has no fingerprint")
	}
	if root.Invocation.Fingerprint != Fingerprint(agent) {
		t.Fatal("recorded fingerprint differs from Fingerprint(agent)")
	}
	tr := findEvent(result.Events, func(e *Event) bool { return e.Type == EventToolResult })
	if string(tr.ToolResult.Result) != "33.5" {
		t.Fatalf("tool result = %s, want 33.5", tr.ToolResult.Result)
	}
	end := findEvent(result.Events, func(e *Event) bool { return e.Type == EventInvocationEnd })
	if end.Invocation.Reason != EndCompleted {
		t.Fatalf("end reason = %s, want %s", end.Invocation.Reason, EndCompleted)
	}
	if result.Usage.InputTokens == 0 || result.Iterations != 2 {
		t.Fatalf("usage/iterations not aggregated: %+v iterations=%d", result.Usage, result.Iterations)
	}
}

func purchasePipeline(adapter ModelAdapter, name string) *Agent {
	requestApproval := NewTool("request_approval", "Ask a human to approve the purchase.",
		WithToolSchema(json.RawMessage(`{"type":"object","properties":{"item":{"type":"string"}}}`)),
		WithYieldSchema(json.RawMessage(`{"type":"object","properties":{"approved":{"type":"boolean"}},"required":["approved"]}`)),
		WithPrepare(func(_ context.Context, tc *ToolContext) (any, error) {
			return map[string]any{"quote": "3 licenses, $300"}, nil
		}),
		WithFinalize(func(_ context.Context, tc *ToolContext) (any, error) {
			var in struct {
				Approved bool `json:"approved"`
			}
			if err := tc.BindInput(&in); err != nil {
				return nil, err
			}
			return map[string]any{"approved": in.Approved}, nil
		}),
	)
	makePurchase := NewTool("make_purchase", "Execute the purchase.",
		WithExecute(func(_ context.Context, _ *ToolContext) (any, error) {
			return map[string]any{"status": "completed"}, nil
		}),
	)
	return NewAgent(name, adapter, ModelConfig{Provider: "stub", Name: "stub-1"},
		WithTools(requestApproval, makePurchase))
}

func TestYieldResume(t *testing.T) {
	adapter := &stubAdapter{script: []scriptedStep{
		{toolCalls: []ToolCallPayload{{Name: "request_approval", Args: json.RawMessage(`{"item":"licenses"}`)}}},
		{toolCalls: []ToolCallPayload{{Name: "make_purchase"}}},
		{text: "Purchase complete."},
	}}
	agent := purchasePipeline(adapter, "purchase_agent")
	session := NewSession()

	result, err := Run(context.Background(), agent,
		WithSession(session), WithInput("Buy 3 licenses"))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if result.Status != RunYielded {
		t.Fatalf("status = %s, want %s", result.Status, RunYielded)
	}
	if len(result.PendingCalls) != 1 || result.PendingCalls[0].Name != "request_approval" {
		t.Fatalf("pending calls = %+v, want one request_approval", result.PendingCalls)
	}
	pc := result.PendingCalls[0]
	if !strings.Contains(string(pc.PreparedArgs), "licenses") {
		t.Fatalf("prepared args = %s, want quote", pc.PreparedArgs)
	}
	if session.Status() != StatusAwaitingInput {
		t.Fatalf("session status = %s, want %s", session.Status(), StatusAwaitingInput)
	}

	if _, err := session.AddToolInput(pc.CallID, json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("AddToolInput: %v", err)
	}

	result, err = Run(context.Background(), agent, WithSession(session))
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("resume status = %s, want %s", result.Status, RunCompleted)
	}

	types := eventTypes(result.Events)
	assertSubsequence(t, types, []EventType{
		EventToolYield,
		EventInvocationYield,
		EventToolInput,
		EventInvocationResume,
		EventToolResult, // request_approval finalized
		EventToolCall,   // make_purchase
		EventToolResult,
		EventAssistant,
		EventInvocationEnd,
	})

	var lastResult *Event
	for i := range result.Events {
		if result.Events[i].Type == EventToolResult {
			lastResult = &result.Events[i]
		}
	}
	if lastResult.ToolResult.Name != "make_purchase" ||
		!strings.Contains(string(lastResult.ToolResult.Result), "completed") {
		t.Fatalf("last tool_result = %+v, want completed make_purchase", lastResult.ToolResult)
	}
	if len(session.PendingCalls()) != 0 {
		t.Fatalf("pending calls remain after resume: %+v", session.PendingCalls())
	}
}

func TestStructuralChangeRejectsResume(t *testing.T) {
	adapter := &stubAdapter{script: []scriptedStep{
		{toolCalls: []ToolCallPayload{{Name: "request_approval", Args: json.RawMessage(`{}`)}}},
	}}
	agent := purchasePipeline(adapter, "purchase_agent")
	session := NewSession()

	result, err := Run(context.Background(), agent,
		WithSession(session), WithInput("Buy 3 licenses"))
	if err != nil || result.Status != RunYielded {
		t.Fatalf("first run: status=%v err=%v", result.Status, err)
	}
	if _, err := session.AddToolInput(result.PendingCalls[0].CallID, json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("AddToolInput: %v", err)
	}

	renamed := purchasePipeline(adapter, "purchase_agent_v2")
	stepsBefore := adapter.stepCount()
	result, err = Run(context.Background(), renamed, WithSession(session))
	if err == nil {
		t.Fatal("resume with renamed agent succeeded, want pipeline change error")
	}
	var pce *ErrPipelineChanged
	if !errors.As(err, &pce) {
		t.Fatalf("err = %v, want *ErrPipelineChanged", err)
	}
	if pce.StoredFingerprint == pce.CurrentFingerprint {
		t.Fatal("stored and current fingerprints are equal")
	}
	if result.Status != RunError {
		t.Fatalf("status = %s, want %s", result.Status, RunError)
	}
	if ev := findEvent(session.Events(), func(e *Event) bool { return e.Type == EventInvocationResume }); ev != nil {
		t.Fatal("invocation_resume appended despite fingerprint mismatch")
	}
	if adapter.stepCount() != stepsBefore {
		t.Fatal("model adapter was called despite fingerprint mismatch")
	}
}

func TestParallelMerge(t *testing.T) {
	a := NewStep("a", func(_ context.Context, sc *StepContext) (StepOutcome, error) {
		if err := sc.State.Set("x", 1); err != nil {
			return StepOutcome{}, err
		}
		return Continue(), nil
	})
	b := NewStep("b", func(_ context.Context, sc *StepContext) (StepOutcome, error) {
		if err := sc.State.Set("y", 2); err != nil {
			return StepOutcome{}, err
		}
		return Continue(), nil
	})
	p := NewParallel("p", []Runnable{a, b},
		WithMerge(func(_ context.Context, mc *MergeContext) (map[string]any, error) {
			return map[string]any{"merged": true}, nil
		}))

	session := NewSession()
	result, err := Run(context.Background(), p, WithSession(session))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %s, want %s", result.Status, RunCompleted)
	}

	state := session.State("test")
	var x, y int
	if ok, _ := state.GetInto("x", &x); !ok || x != 1 {
		t.Fatalf("state.x = %d (present=%v), want 1", x, ok)
	}
	if ok, _ := state.GetInto("y", &y); !ok || y != 2 {
		t.Fatalf("state.y = %d (present=%v), want 2", y, ok)
	}

	changes := 0
	var sources []string
	for _, ev := range session.Events() {
		if ev.Type == EventStateChange {
			changes++
			sources = append(sources, ev.StateChange.Source)
		}
	}
	if changes != 3 {
		t.Fatalf("state_change events = %d (%v), want 3 (a, b, merge)", changes, sources)
	}
	merge := findEvent(session.Events(), func(e *Event) bool {
		return e.Type == EventStateChange && e.StateChange.Source == "p"
	})
	if merge == nil {
		t.Fatalf("no merge state_change attributed to the parallel, sources=%v", sources)
	}
}

func TestLoopExitPhrase(t *testing.T) {
	inputs := []string{"hi", "goodbye"}
	next := 0
	chat := NewStep("chat", func(_ context.Context, sc *StepContext) (StepOutcome, error) {
		if next >= len(inputs) {
			return StepOutcome{}, fmt.Errorf("no more scripted inputs")
		}
		msg := inputs[next]
		next++
		if _, err := sc.Session.AddMessage(UserEvent(msg)); err != nil {
			return StepOutcome{}, err
		}
		return Respond("echo: " + msg), nil
	})
	loop := NewLoop("conversation", chat,
		WithWhile(func(_ context.Context, sc *StepContext) (bool, error) {
			last := ""
			for _, ev := range sc.Session.Events() {
				if ev.Type == EventUser {
					last = ev.Text
				}
			}
			return !strings.Contains(last, "goodbye"), nil
		}),
		WithLoopMax(100),
	)

	session := NewSession()
	result, err := Run(context.Background(), loop, WithSession(session))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %s, want %s", result.Status, RunCompleted)
	}

	tree := BuildTree(session.Events())
	root := tree.LatestRoot()
	if root == nil || root.Kind != RunnableLoop {
		t.Fatalf("root = %+v, want loop invocation", root)
	}
	if len(root.Children) != 2 {
		t.Fatalf("loop children = %d, want 2", len(root.Children))
	}
	if root.Reason != EndCompleted {
		t.Fatalf("loop end reason = %s, want %s (condition returned false)", root.Reason, EndCompleted)
	}
}

func TestTransfer(t *testing.T) {
	specialistAdapter := &stubAdapter{script: []scriptedStep{
		{text: "Specialist here: resolved."},
	}}
	specialist := NewAgent("specialistAgent", specialistAdapter, ModelConfig{Provider: "stub", Name: "stub-1"})

	escalate := NewTool("escalate", "Hand the conversation to a specialist.",
		WithExecute(func(_ context.Context, tc *ToolContext) (any, error) {
			tc.TransferTo(specialist)
			return map[string]any{"escalated": true}, nil
		}),
	)
	frontAdapter := &stubAdapter{script: []scriptedStep{
		{toolCalls: []ToolCallPayload{{Name: "escalate"}}},
	}}
	front := NewAgent("frontAgent", frontAdapter, ModelConfig{Provider: "stub", Name: "stub-1"},
		WithTools(escalate))

	session := NewSession()
	if err := session.State("test").Set("ticket", "T-100"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	result, err := Run(context.Background(), front,
		WithSession(session), WithInput("I need help"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %s, want %s", result.Status, RunCompleted)
	}
	if result.Output != "Specialist here: resolved." {
		t.Fatalf("output = %q, want specialist answer", result.Output)
	}

	tree := BuildTree(session.Events())
	if len(tree.Roots) != 2 {
		t.Fatalf("roots = %d, want 2 (transfer chain)", len(tree.Roots))
	}
	source, successor := tree.Roots[0], tree.Roots[1]
	if source.Reason != EndTransferred {
		t.Fatalf("source end reason = %s, want %s", source.Reason, EndTransferred)
	}
	if source.HandoffTarget == nil || source.HandoffTarget.AgentName != "specialistAgent" {
		t.Fatalf("source handoff target = %+v, want specialistAgent", source.HandoffTarget)
	}
	if successor.HandoffOrigin == nil ||
		successor.HandoffOrigin.Type != HandoffTransfer ||
		successor.HandoffOrigin.InvocationID != source.InvocationID {
		t.Fatalf("successor origin = %+v, want transfer from %s", successor.HandoffOrigin, source.InvocationID)
	}
	if successor.Reason != EndCompleted {
		t.Fatalf("successor end reason = %s, want %s", successor.Reason, EndCompleted)
	}

	// State carries across the transfer: same session, same store.
	var ticket string
	if ok, _ := session.State("test").GetInto("ticket", &ticket); !ok || ticket != "T-100" {
		t.Fatalf("ticket = %q (present=%v), want T-100", ticket, ok)
	}
}
