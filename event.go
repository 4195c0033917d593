package baton

import "encoding/json"

// EventType identifies the kind of a log event.
type EventType string

const (
	// EventUser is a user message turn.
	EventUser EventType = "user"
	// EventAssistant is an assistant message turn.
	EventAssistant EventType = "assistant"
	// EventSystem is a system message turn.
	EventSystem EventType = "system"
	// EventThought is a model reasoning turn. May carry opaque provider
	// context (encrypted content or signature) with empty text.
	EventThought EventType = "thought"

	// EventToolCall records a tool invocation requested by the model.
	EventToolCall EventType = "tool_call"
	// EventToolResult records the outcome of a tool execution.
	EventToolResult EventType = "tool_result"
	// EventToolYield records that a yielding tool has paused with prepared arguments.
	EventToolYield EventType = "tool_yield"
	// EventToolInput carries the external response that resumes a yielding call.
	EventToolInput EventType = "tool_input"

	// EventStateChange records one or more session state mutations.
	EventStateChange EventType = "state_change"

	// EventModelStart opens one model call with a context snapshot.
	EventModelStart EventType = "model_start"
	// EventModelEnd closes one model call with usage and outcome.
	EventModelEnd EventType = "model_end"

	// EventInvocationStart opens an invocation bracket.
	EventInvocationStart EventType = "invocation_start"
	// EventInvocationEnd closes an invocation bracket with a terminal reason.
	EventInvocationEnd EventType = "invocation_end"
	// EventInvocationYield suspends an invocation awaiting external input.
	EventInvocationYield EventType = "invocation_yield"
	// EventInvocationResume reopens a yielded invocation.
	EventInvocationResume EventType = "invocation_resume"
)

// Event is an immutable record in a session's append-only log. The ID is an
// opaque ordered token; CreatedAt is wall-clock for display only. Exactly one
// payload field is set, matching Type. Textual turns (user, assistant,
// system, thought) use Text.
type Event struct {
	ID           string    `json:"id"`
	CreatedAt    int64     `json:"created_at"`
	Type         EventType `json:"type"`
	InvocationID string    `json:"invocation_id,omitempty"`

	Text string `json:"text,omitempty"`
	// ProviderData carries opaque provider context for thought events
	// (encrypted reasoning, signatures). Never inspected by the engine.
	ProviderData json.RawMessage `json:"provider_data,omitempty"`

	ToolCall    *ToolCallPayload    `json:"tool_call,omitempty"`
	ToolResult  *ToolResultPayload  `json:"tool_result,omitempty"`
	ToolYield   *ToolYieldPayload   `json:"tool_yield,omitempty"`
	ToolInput   *ToolInputPayload   `json:"tool_input,omitempty"`
	StateChange *StateChangePayload `json:"state_change,omitempty"`
	ModelStart  *ModelStartPayload  `json:"model_start,omitempty"`
	ModelEnd    *ModelEndPayload    `json:"model_end,omitempty"`
	Invocation  *InvocationPayload  `json:"invocation,omitempty"`
}

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	// Yields marks a suspension point: the named tool has a yield schema
	// and the call pauses the run until a tool_input arrives.
	Yields bool `json:"yields,omitempty"`
}

// ToolResultPayload is the payload of a tool_result event.
type ToolResultPayload struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	RetryCount int             `json:"retry_count,omitempty"`
	TimedOut   bool            `json:"timed_out,omitempty"`
}

// ToolYieldPayload is the payload of a tool_yield event.
type ToolYieldPayload struct {
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	PreparedArgs json.RawMessage `json:"prepared_args,omitempty"`
	// PartialResume marks the call as resumable independently of other
	// pending calls from the same batch.
	PartialResume bool `json:"partial_resume,omitempty"`
}

// ToolInputPayload is the payload of a tool_input event.
type ToolInputPayload struct {
	CallID string          `json:"call_id"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// StateChangePayload is the payload of a state_change event. Source credits
// the writer: a tool name, step name, or "system".
type StateChangePayload struct {
	Scope   string        `json:"scope"`
	Source  string        `json:"source"`
	Changes []StateChange `json:"changes"`
}

// StateChange records one key mutation. NewValue nil means the key was deleted.
type StateChange struct {
	Key      string          `json:"key"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
	NewValue json.RawMessage `json:"new_value,omitempty"`
}

// RenderedMessage is one turn in a model_start context snapshot.
type RenderedMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`

	// srcInvocation tracks which invocation the source event belonged to.
	// Render-time metadata only; not persisted.
	srcInvocation string
}

// ModelStartPayload snapshots the context of one model call.
type ModelStartPayload struct {
	StepIndex    int               `json:"step_index"`
	Messages     []RenderedMessage `json:"messages"`
	Tools        []ToolDefinition  `json:"tools,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
}

// ModelEndPayload records the outcome of one model call.
type ModelEndPayload struct {
	DurationMS   int64        `json:"duration_ms"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	Error        string       `json:"error,omitempty"`
	ModelName    string       `json:"model_name,omitempty"`
}

// EndReason is the terminal reason recorded on an invocation_end event.
type EndReason string

const (
	EndCompleted     EndReason = "completed"
	EndError         EndReason = "error"
	EndTransferred   EndReason = "transferred"
	EndCancelled     EndReason = "cancelled"
	EndMaxIterations EndReason = "max_iterations"
)

// HandoffType classifies the edge that created an invocation.
type HandoffType string

const (
	HandoffCall     HandoffType = "call"
	HandoffSpawn    HandoffType = "spawn"
	HandoffDispatch HandoffType = "dispatch"
	HandoffTransfer HandoffType = "transfer"
)

// Handoff records the origin of an invocation created by a handoff primitive.
// InvocationID names the invocation that performed the handoff; CallID is set
// when the handoff originated inside a tool call.
type Handoff struct {
	Type         HandoffType `json:"type"`
	CallID       string      `json:"call_id,omitempty"`
	InvocationID string      `json:"invocation_id,omitempty"`
}

// HandoffTarget names the successor of a transfer.
type HandoffTarget struct {
	AgentName string       `json:"agent_name"`
	Kind      RunnableKind `json:"kind"`
}

// InvocationPayload is the shared payload of the four invocation bracket
// events. Fields are populated per event type:
//
//   - invocation_start: AgentName, Kind, ParentInvocationID, HandoffOrigin,
//     LoopIteration/LoopMax (loop children), plus Fingerprint and
//     SessionVersion on the root only.
//   - invocation_end: Reason, and HandoffTarget when Reason is transferred.
//   - invocation_yield: PendingCallIDs and YieldIndex.
//   - invocation_resume: no extra fields.
type InvocationPayload struct {
	AgentName          string       `json:"agent_name,omitempty"`
	Kind               RunnableKind `json:"kind,omitempty"`
	ParentInvocationID string       `json:"parent_invocation_id,omitempty"`
	Fingerprint        string       `json:"fingerprint,omitempty"`
	SessionVersion     string       `json:"session_version,omitempty"`
	HandoffOrigin      *Handoff     `json:"handoff_origin,omitempty"`

	Reason        EndReason      `json:"reason,omitempty"`
	HandoffTarget *HandoffTarget `json:"handoff_target,omitempty"`

	PendingCallIDs []string `json:"pending_call_ids,omitempty"`
	YieldIndex     int      `json:"yield_index,omitempty"`

	LoopIteration int `json:"loop_iteration,omitempty"`
	LoopMax       int `json:"loop_max,omitempty"`
}

// UserEvent builds an unappended user event. The session assigns ID and
// CreatedAt on append.
func UserEvent(text string) Event {
	return Event{Type: EventUser, Text: text}
}

// SystemEvent builds an unappended system event.
func SystemEvent(text string) Event {
	return Event{Type: EventSystem, Text: text}
}

// AssistantEvent builds an unappended assistant event.
func AssistantEvent(text string) Event {
	return Event{Type: EventAssistant, Text: text}
}

// ThoughtEvent builds an unappended thought event with optional opaque
// provider data.
func ThoughtEvent(text string, providerData json.RawMessage) Event {
	return Event{Type: EventThought, Text: text, ProviderData: providerData}
}
