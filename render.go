package baton

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles used in rendered context snapshots.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleThought   = "thought"
	RoleTool      = "tool"
)

// HistoryMode selects which slice of the log IncludeHistory renders.
type HistoryMode string

const (
	// HistoryAll renders every textual turn in the session log.
	HistoryAll HistoryMode = "all"
	// HistoryInvocation renders only turns from the current invocation and
	// its ancestors, plus messages seeded before the run.
	HistoryInvocation HistoryMode = "invocation"
	// HistorySession renders the session's own turns, excluding everything
	// inside child invocations created by handoffs.
	HistorySession HistoryMode = "session"
)

// RenderContext is the mutable working set a context pipeline shapes into one
// model call. Stages run in order; the final Messages, Tools, ToolChoice, and
// OutputSchema are snapshotted into the model_start event and handed to the
// adapter.
//
// Messages carries the generic textual rendering. Adapters that need the
// provider-native tool wire format should walk Events instead; tool_call and
// tool_result events are rendered into Messages as role "tool" summaries.
type RenderContext struct {
	InvocationID string
	AgentName    string
	StepIndex    int

	Messages     []RenderedMessage
	Tools        []ToolDefinition
	ToolChoice   ToolChoice
	OutputSchema json.RawMessage

	// Events is the full session log at render time.
	Events []Event
	// Lineage holds the current invocation ID and its ancestors.
	Lineage map[string]bool
	// HandoffSubtrees holds every invocation ID inside a child invocation
	// created by a handoff, transitively.
	HandoffSubtrees map[string]bool

	Session *Session
	State   *State
	Agent   *Agent
}

// Stage is one transformation in a context pipeline.
type Stage struct {
	name  string
	apply func(ctx context.Context, rc *RenderContext) error
}

// NewStage builds a custom stage.
func NewStage(name string, apply func(ctx context.Context, rc *RenderContext) error) Stage {
	return Stage{name: name, apply: apply}
}

// Render runs the stages in order over rc.
func Render(ctx context.Context, rc *RenderContext, stages []Stage) error {
	for _, st := range stages {
		if err := st.apply(ctx, rc); err != nil {
			return fmt.Errorf("context stage %s: %w", st.name, err)
		}
	}
	return nil
}

// InjectSystemMessage prepends a fixed system message.
func InjectSystemMessage(text string) Stage {
	return NewStage("inject_system_message", func(_ context.Context, rc *RenderContext) error {
		rc.Messages = append([]RenderedMessage{{Role: RoleSystem, Text: text}}, rc.Messages...)
		return nil
	})
}

// InjectUserMessage appends a fixed user message.
func InjectUserMessage(text string) Stage {
	return NewStage("inject_user_message", func(_ context.Context, rc *RenderContext) error {
		rc.Messages = append(rc.Messages, RenderedMessage{Role: RoleUser, Text: text})
		return nil
	})
}

// IncludeHistory renders log events into messages per mode.
func IncludeHistory(mode HistoryMode) Stage {
	return NewStage("include_history", func(_ context.Context, rc *RenderContext) error {
		for i := range rc.Events {
			ev := &rc.Events[i]
			if !historyIncludes(rc, mode, ev) {
				continue
			}
			if msg, ok := renderEvent(ev); ok {
				rc.Messages = append(rc.Messages, msg)
			}
		}
		return nil
	})
}

func historyIncludes(rc *RenderContext, mode HistoryMode, ev *Event) bool {
	switch mode {
	case HistoryInvocation:
		return ev.InvocationID == "" || rc.Lineage[ev.InvocationID]
	case HistorySession:
		return !rc.HandoffSubtrees[ev.InvocationID]
	default:
		return true
	}
}

func renderEvent(ev *Event) (RenderedMessage, bool) {
	msg := RenderedMessage{srcInvocation: ev.InvocationID}
	switch ev.Type {
	case EventUser:
		msg.Role, msg.Text = RoleUser, ev.Text
	case EventAssistant:
		msg.Role, msg.Text = RoleAssistant, ev.Text
	case EventSystem:
		msg.Role, msg.Text = RoleSystem, ev.Text
	case EventThought:
		if ev.Text == "" {
			return RenderedMessage{}, false
		}
		msg.Role, msg.Text = RoleThought, ev.Text
	case EventToolResult:
		text := string(ev.ToolResult.Result)
		if ev.ToolResult.Error != "" {
			text = "error: " + ev.ToolResult.Error
		}
		msg.Role = RoleTool
		msg.Text = fmt.Sprintf("[%s] %s", ev.ToolResult.Name, text)
	default:
		return RenderedMessage{}, false
	}
	return msg, true
}

// WrapUserMessages surrounds each user message with a prefix and suffix.
func WrapUserMessages(prefix, suffix string) Stage {
	return NewStage("wrap_user_messages", func(_ context.Context, rc *RenderContext) error {
		for i := range rc.Messages {
			if rc.Messages[i].Role == RoleUser {
				rc.Messages[i].Text = prefix + rc.Messages[i].Text + suffix
			}
		}
		return nil
	})
}

// EnrichUserMessages rewrites each user message through fn.
func EnrichUserMessages(fn func(text string) string) Stage {
	return NewStage("enrich_user_messages", func(_ context.Context, rc *RenderContext) error {
		for i := range rc.Messages {
			if rc.Messages[i].Role == RoleUser {
				rc.Messages[i].Text = fn(rc.Messages[i].Text)
			}
		}
		return nil
	})
}

// PruneReasoning drops thought messages from the rendered context.
func PruneReasoning() Stage {
	return NewStage("prune_reasoning", func(_ context.Context, rc *RenderContext) error {
		kept := rc.Messages[:0]
		for _, m := range rc.Messages {
			if m.Role != RoleThought {
				kept = append(kept, m)
			}
		}
		rc.Messages = kept
		return nil
	})
}

// PruneUserMessages keeps only the last n user messages, dropping earlier
// ones.
func PruneUserMessages(keepLast int) Stage {
	return NewStage("prune_user_messages", func(_ context.Context, rc *RenderContext) error {
		total := 0
		for _, m := range rc.Messages {
			if m.Role == RoleUser {
				total++
			}
		}
		drop := total - keepLast
		if drop <= 0 {
			return nil
		}
		kept := rc.Messages[:0]
		for _, m := range rc.Messages {
			if m.Role == RoleUser && drop > 0 {
				drop--
				continue
			}
			kept = append(kept, m)
		}
		rc.Messages = kept
		return nil
	})
}

// ExcludeChildInvocationEvents removes messages that originated inside
// handoff child invocations. Messages injected by other stages are kept.
func ExcludeChildInvocationEvents() Stage {
	return NewStage("exclude_child_invocation_events", func(_ context.Context, rc *RenderContext) error {
		kept := rc.Messages[:0]
		for _, m := range rc.Messages {
			if m.srcInvocation != "" && rc.HandoffSubtrees[m.srcInvocation] {
				continue
			}
			kept = append(kept, m)
		}
		rc.Messages = kept
		return nil
	})
}

// ExcludeChildInvocationInstructions removes system instructions that
// originated inside handoff child invocations, keeping their conversational
// turns.
func ExcludeChildInvocationInstructions() Stage {
	return NewStage("exclude_child_invocation_instructions", func(_ context.Context, rc *RenderContext) error {
		kept := rc.Messages[:0]
		for _, m := range rc.Messages {
			if m.Role == RoleSystem && m.srcInvocation != "" && rc.HandoffSubtrees[m.srcInvocation] {
				continue
			}
			kept = append(kept, m)
		}
		rc.Messages = kept
		return nil
	})
}

// LimitTools restricts the rendered tool set to the named tools, preserving
// declaration order.
func LimitTools(names ...string) Stage {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return NewStage("limit_tools", func(_ context.Context, rc *RenderContext) error {
		kept := rc.Tools[:0]
		for _, def := range rc.Tools {
			if allowed[def.Name] {
				kept = append(kept, def)
			}
		}
		rc.Tools = kept
		return nil
	})
}

// SetToolChoice overrides the tool choice for this model call.
func SetToolChoice(tc ToolChoice) Stage {
	return NewStage("set_tool_choice", func(_ context.Context, rc *RenderContext) error {
		rc.ToolChoice = tc
		return nil
	})
}

// RenderSchema appends a system instruction telling the model to answer with
// JSON matching the agent's output schema. No-op when the agent declares none.
func RenderSchema() Stage {
	return NewStage("render_schema", func(_ context.Context, rc *RenderContext) error {
		if len(rc.OutputSchema) == 0 {
			return nil
		}
		var b strings.Builder
		b.WriteString("Respond with a single JSON document matching this schema:\n")
		b.Write(rc.OutputSchema)
		rc.Messages = append(rc.Messages, RenderedMessage{Role: RoleSystem, Text: b.String()})
		return nil
	})
}
