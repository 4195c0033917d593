package baton

import (
	"context"
	"encoding/json"
)

// ModelConfig selects and parameterizes a model for an agent.
type ModelConfig struct {
	Provider    string          `json:"provider"`
	Name        string          `json:"name"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// Usage counts tokens for one model call. Aggregated usage sums field-wise.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CachedTokens += u2.CachedTokens
	u.ReasoningTokens += u2.ReasoningTokens
}

// FinishReason is the provider-reported stop condition of a model call.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// DeltaType identifies a streaming fragment kind.
type DeltaType string

const (
	// DeltaText is a fragment of assistant output text.
	DeltaText DeltaType = "text"
	// DeltaThought is a fragment of model reasoning text.
	DeltaThought DeltaType = "thought"
)

// Delta is a streaming fragment forwarded to run subscribers while a model
// call is in flight. Deltas are never written to the session log; the
// complete turns arrive as assistant and thought events when the call ends.
type Delta struct {
	Type         DeltaType `json:"type"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Text         string    `json:"text"`
}

// ModelStepResult is the outcome of one model call.
type ModelStepResult struct {
	// StepEvents are the complete turns produced by the call, in order:
	// thought events first, then the assistant turn. The engine appends them
	// to the session log.
	StepEvents []Event
	// ToolCalls are the tool invocations the model requested. Empty for a
	// terminal step.
	ToolCalls []ToolCallPayload
	// Terminal reports that the agent loop should stop after this step.
	Terminal bool

	Usage        Usage
	FinishReason FinishReason
	ModelName    string
}

// ModelAdapter is the provider contract. One Step performs one model call
// over the rendered context and streams fragments to deltas as they arrive.
//
// The adapter must not close deltas; the engine owns the channel. Sends
// should honor ctx. Transient failures (rate limits, 5xx, timeouts) should be
// returned wrapped with TransientError so the engine retries them.
type ModelAdapter interface {
	Step(ctx context.Context, rc *RenderContext, cfg ModelConfig, deltas chan<- Delta) (*ModelStepResult, error)
}

// ModelAdapterFunc adapts a function to the ModelAdapter interface.
type ModelAdapterFunc func(ctx context.Context, rc *RenderContext, cfg ModelConfig, deltas chan<- Delta) (*ModelStepResult, error)

func (f ModelAdapterFunc) Step(ctx context.Context, rc *RenderContext, cfg ModelConfig, deltas chan<- Delta) (*ModelStepResult, error) {
	return f(ctx, rc, cfg, deltas)
}
