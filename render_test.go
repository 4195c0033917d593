package baton

import (
	"context"
	"strings"
	"testing"
)

func renderOver(t *testing.T, events []Event, stages ...Stage) *RenderContext {
	t.Helper()
	tree := BuildTree(events)
	rc := &RenderContext{
		Events:          events,
		Lineage:         map[string]bool{},
		HandoffSubtrees: tree.HandoffSubtrees(),
	}
	if err := Render(context.Background(), rc, stages); err != nil {
		t.Fatalf("Render: %v", err)
	}
	return rc
}

func messageTexts(msgs []RenderedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role + ":" + m.Text
	}
	return out
}

func TestIncludeHistoryAll(t *testing.T) {
	events := []Event{
		{Type: EventUser, Text: "hi"},
		{Type: EventThought, Text: "thinking"},
		{Type: EventAssistant, Text: "hello"},
		{Type: EventModelEnd, ModelEnd: &ModelEndPayload{}},
	}
	rc := renderOver(t, events, IncludeHistory(HistoryAll))
	got := messageTexts(rc.Messages)
	want := []string{"user:hi", "thought:thinking", "assistant:hello"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
}

func TestInjectSystemMessagePrepends(t *testing.T) {
	events := []Event{{Type: EventUser, Text: "hi"}}
	rc := renderOver(t, events,
		IncludeHistory(HistoryAll),
		InjectSystemMessage("You are terse."),
	)
	if rc.Messages[0].Role != RoleSystem || rc.Messages[0].Text != "You are terse." {
		t.Fatalf("first message = %+v, want injected system", rc.Messages[0])
	}
}

func TestPruneReasoningAndUserWindow(t *testing.T) {
	events := []Event{
		{Type: EventUser, Text: "one"},
		{Type: EventThought, Text: "hmm"},
		{Type: EventUser, Text: "two"},
		{Type: EventUser, Text: "three"},
	}
	rc := renderOver(t, events,
		IncludeHistory(HistoryAll),
		PruneReasoning(),
		PruneUserMessages(2),
	)
	got := messageTexts(rc.Messages)
	want := []string{"user:two", "user:three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
}

func TestWrapAndEnrichUserMessages(t *testing.T) {
	events := []Event{
		{Type: EventUser, Text: "hi"},
		{Type: EventAssistant, Text: "yo"},
	}
	rc := renderOver(t, events,
		IncludeHistory(HistoryAll),
		WrapUserMessages("<u>", "</u>"),
		EnrichUserMessages(strings.ToUpper),
	)
	if rc.Messages[0].Text != "<U>HI</U>" {
		t.Fatalf("user = %q, want wrapped+enriched", rc.Messages[0].Text)
	}
	if rc.Messages[1].Text != "yo" {
		t.Fatalf("assistant = %q, want untouched", rc.Messages[1].Text)
	}
}

func TestHistoryInvocationScoping(t *testing.T) {
	mine, other := NewID(), NewID()
	events := []Event{
		{Type: EventUser, Text: "seed"},
		{Type: EventAssistant, Text: "theirs", InvocationID: other},
		{Type: EventAssistant, Text: "ours", InvocationID: mine},
	}
	tree := BuildTree(events)
	rc := &RenderContext{
		InvocationID:    mine,
		Events:          events,
		Lineage:         map[string]bool{mine: true},
		HandoffSubtrees: tree.HandoffSubtrees(),
	}
	if err := Render(context.Background(), rc, []Stage{IncludeHistory(HistoryInvocation)}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	got := messageTexts(rc.Messages)
	want := []string{"user:seed", "assistant:ours"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
}

func TestExcludeChildInvocationEvents(t *testing.T) {
	rootID, spawnID := NewID(), NewID()
	events := []Event{
		{Type: EventInvocationStart, InvocationID: rootID, Invocation: &InvocationPayload{
			AgentName: "main", Kind: RunnableAgent,
		}},
		{Type: EventAssistant, Text: "mine", InvocationID: rootID},
		{Type: EventInvocationStart, InvocationID: spawnID, Invocation: &InvocationPayload{
			AgentName: "sub", Kind: RunnableAgent, ParentInvocationID: rootID,
			HandoffOrigin: &Handoff{Type: HandoffSpawn, InvocationID: rootID},
		}},
		{Type: EventAssistant, Text: "spawned", InvocationID: spawnID},
	}
	rc := renderOver(t, events,
		IncludeHistory(HistoryAll),
		InjectSystemMessage("sys"),
		ExcludeChildInvocationEvents(),
	)
	got := messageTexts(rc.Messages)
	want := []string{"system:sys", "assistant:mine"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
}

func TestLimitToolsAndToolChoice(t *testing.T) {
	rc := &RenderContext{
		Tools: []ToolDefinition{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	}
	stages := []Stage{
		LimitTools("c", "a"),
		SetToolChoice(ForceTool("a")),
	}
	if err := Render(context.Background(), rc, stages); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(rc.Tools) != 2 || rc.Tools[0].Name != "a" || rc.Tools[1].Name != "c" {
		t.Fatalf("tools = %+v, want a and c in declaration order", rc.Tools)
	}
	if rc.ToolChoice != ForceTool("a") {
		t.Fatalf("tool choice = %s, want forced a", rc.ToolChoice)
	}
}

func TestRenderSchemaAppendsInstruction(t *testing.T) {
	rc := &RenderContext{OutputSchema: []byte(`{"type":"object"}`)}
	if err := Render(context.Background(), rc, []Stage{RenderSchema()}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(rc.Messages) != 1 || rc.Messages[0].Role != RoleSystem ||
		!strings.Contains(rc.Messages[0].Text, `{"type":"object"}`) {
		t.Fatalf("messages = %+v, want schema instruction", rc.Messages)
	}

	empty := &RenderContext{}
	if err := Render(context.Background(), empty, []Stage{RenderSchema()}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(empty.Messages) != 0 {
		t.Fatal("RenderSchema emitted without a schema")
	}
}

func TestExcludeChildInvocationInstructions(t *testing.T) {
	rootID, callID := NewID(), NewID()
	events := []Event{
		{Type: EventInvocationStart, InvocationID: rootID, Invocation: &InvocationPayload{
			AgentName: "main", Kind: RunnableAgent,
		}},
		{Type: EventUser, Text: "help", InvocationID: rootID},
		{Type: EventInvocationStart, InvocationID: callID, Invocation: &InvocationPayload{
			AgentName: "sub", Kind: RunnableAgent, ParentInvocationID: rootID,
			HandoffOrigin: &Handoff{Type: HandoffCall, InvocationID: rootID},
		}},
		{Type: EventSystem, Text: "child instructions", InvocationID: callID},
		{Type: EventAssistant, Text: "child answer", InvocationID: callID},
	}
	rc := renderOver(t, events,
		IncludeHistory(HistoryAll),
		InjectSystemMessage("sys"),
		ExcludeChildInvocationInstructions(),
	)
	got := messageTexts(rc.Messages)
	// The child's instructions go; its conversational turn stays.
	want := []string{"system:sys", "user:help", "assistant:child answer"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
}
