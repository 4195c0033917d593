package baton

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewToolPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: no panic", name)
			}
		}()
		fn()
	}
	mustPanic("no execute", func() { NewTool("bare", "no body") })
	mustPanic("yield without finalize", func() {
		NewTool("half", "missing finalize",
			WithYieldSchema(json.RawMessage(`{"type":"object"}`)),
			WithPrepare(func(_ context.Context, _ *ToolContext) (any, error) { return nil, nil }))
	})
	mustPanic("bad schema", func() {
		NewTool("broken", "invalid schema",
			WithToolSchema(json.RawMessage(`{"type": 7}`)),
			WithExecute(func(_ context.Context, _ *ToolContext) (any, error) { return nil, nil }))
	})
}

func TestToolValidateArgs(t *testing.T) {
	tool := NewTool("search", "search the index",
		WithToolSchema(json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"],
			"additionalProperties": false
		}`)),
		WithExecute(func(_ context.Context, _ *ToolContext) (any, error) { return nil, nil }))

	if err := tool.ValidateArgs(json.RawMessage(`{"query":"go"}`)); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	err := tool.ValidateArgs(json.RawMessage(`{"query":7}`))
	if err == nil {
		t.Fatal("invalid args accepted")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindToolFatal {
		t.Fatalf("err = %v, want kind %s", err, KindToolFatal)
	}
}

func TestToolValidateInput(t *testing.T) {
	tool := NewTool("approve", "ask a human",
		WithYieldSchema(json.RawMessage(`{
			"type": "object",
			"properties": {"approved": {"type": "boolean"}},
			"required": ["approved"]
		}`)),
		WithPrepare(func(_ context.Context, _ *ToolContext) (any, error) { return nil, nil }),
		WithFinalize(func(_ context.Context, _ *ToolContext) (any, error) { return nil, nil }))

	if !tool.Yields() {
		t.Fatal("tool with yield schema does not report Yields")
	}
	if err := tool.ValidateInput(json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if err := tool.ValidateInput(json.RawMessage(`{}`)); err == nil {
		t.Fatal("input missing required field accepted")
	}
}

func TestToolMiddlewareOrder(t *testing.T) {
	var trace []string
	mw := func(label string) ToolMiddleware {
		return func(next ToolExecFunc) ToolExecFunc {
			return func(ctx context.Context, tc *ToolContext) (any, error) {
				trace = append(trace, label+">")
				out, err := next(ctx, tc)
				trace = append(trace, "<"+label)
				return out, err
			}
		}
	}
	tool := NewTool("traced", "records middleware order",
		WithToolMiddleware(mw("outer"), mw("inner")),
		WithExecute(func(_ context.Context, _ *ToolContext) (any, error) {
			trace = append(trace, "body")
			return "ok", nil
		}))

	out, err := tool.wrap(tool.execute)(context.Background(), &ToolContext{})
	if err != nil || out != "ok" {
		t.Fatalf("wrapped call = %v, %v", out, err)
	}
	got := strings.Join(trace, " ")
	want := "outer> inner> body <inner <outer"
	if got != want {
		t.Fatalf("trace = %q, want %q", got, want)
	}
}

func TestToolContextBind(t *testing.T) {
	tc := &ToolContext{
		Args:  json.RawMessage(`{"query":"go","limit":3}`),
		Input: json.RawMessage(`{"approved":true}`),
	}
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := tc.BindArgs(&args); err != nil {
		t.Fatalf("BindArgs: %v", err)
	}
	if args.Query != "go" || args.Limit != 3 {
		t.Fatalf("args = %+v", args)
	}
	var input struct {
		Approved bool `json:"approved"`
	}
	if err := tc.BindInput(&input); err != nil {
		t.Fatalf("BindInput: %v", err)
	}
	if !input.Approved {
		t.Fatal("input not bound")
	}

	bad := &ToolContext{Args: json.RawMessage(`not json`)}
	if err := bad.BindArgs(&args); err == nil {
		t.Fatal("malformed args bound without error")
	}
}

func TestSchemaForDerivesObjectSchema(t *testing.T) {
	type searchArgs struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	raw := SchemaFor[searchArgs]()

	var doc struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal derived schema: %v", err)
	}
	if doc.Type != "object" {
		t.Fatalf("type = %s, want object", doc.Type)
	}
	if _, ok := doc.Properties["query"]; !ok {
		t.Fatalf("properties = %v, want query", doc.Properties)
	}
	if len(doc.Required) != 1 || doc.Required[0] != "query" {
		t.Fatalf("required = %v, want [query]", doc.Required)
	}

	// The derived schema compiles and validates.
	tool := NewTool("search", "typed args",
		WithToolSchema(raw),
		WithExecute(func(_ context.Context, _ *ToolContext) (any, error) { return nil, nil }))
	if err := tool.ValidateArgs(json.RawMessage(`{"query":"x"}`)); err != nil {
		t.Fatalf("derived schema rejected valid args: %v", err)
	}
	if err := tool.ValidateArgs(json.RawMessage(`{"limit":1}`)); err == nil {
		t.Fatal("derived schema accepted args missing required query")
	}
}

func TestToolFanOutBound(t *testing.T) {
	var mu sync.Mutex
	var inFlight, peak int
	slow := NewTool("slow", "sleeps briefly",
		WithExecute(func(_ context.Context, _ *ToolContext) (any, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return "ok", nil
		}))
	adapter := &stubAdapter{script: []scriptedStep{
		{toolCalls: []ToolCallPayload{{Name: "slow"}, {Name: "slow"}, {Name: "slow"}}},
		{text: "done"},
	}}
	agent := NewAgent("worker", adapter, ModelConfig{Provider: "stub", Name: "stub-1"},
		WithTools(slow))

	cfg := DefaultConfig()
	cfg.MaxParallelTools = 1
	if _, err := Run(context.Background(), agent, WithConfig(cfg), WithInput("go")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1 with a fan-out bound of 1", peak)
	}
}
