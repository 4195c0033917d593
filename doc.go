// Package baton is an agent orchestration runtime for Go.
//
// It executes pipelines of composable [Runnable] units (agents, steps,
// sequences, parallels, and loops) that interleave model inference, tool
// execution, state mutation, and human-in-the-loop pauses. Every run is
// recorded as an append-only event log on a [Session]; the log is both the
// history shown to the model and the durable record from which a paused run
// can be resumed, possibly days later in a different process.
//
// # Quick Start
//
// Build an agent and run it:
//
//	approve := baton.NewTool("request_approval", "Ask a human to approve the purchase.",
//		baton.WithToolSchema(schema),
//		baton.WithYieldSchema(yieldSchema),
//		baton.WithPrepare(prepare),
//		baton.WithFinalize(finalize),
//	)
//
//	agent := baton.NewAgent("purchase_agent", adapter,
//		baton.ModelConfig{Provider: "openai", Name: "gpt-4.1"},
//		baton.WithTools(approve),
//		baton.WithContext(
//			baton.InjectSystemMessage("You handle purchase requests."),
//			baton.IncludeHistory(baton.HistoryAll),
//		),
//	)
//
//	result, err := baton.Run(ctx, agent, baton.WithInput("Buy 3 licenses"))
//	if result.Status == baton.RunYielded {
//		// persist the session, collect human input, resume later:
//		session.AddToolInput(result.PendingCalls[0].CallID, input)
//		result, err = baton.Run(ctx, agent, baton.WithSession(session))
//	}
//
// # Core Concepts
//
//   - [Runnable]: composable execution unit (agent, step, sequence, parallel, loop)
//   - [Session]: durable container of events, state, and status for a run
//   - [Event]: immutable record in the session's append-only log
//   - [ModelAdapter]: streaming model step contract implemented per provider
//   - [Tool]: capability with schema-validated arguments; yielding tools pause the run
//   - [SessionService]: persistence backend (in-memory, store/sqlite, store/postgres)
//
// Resumability is content-addressed: the root invocation records a structural
// fingerprint of the pipeline, and a resuming [Run] refuses to continue a
// session whose pipeline shape has changed (see [Fingerprint] and
// [ErrPipelineChanged]).
//
// # Included Implementations
//
// Persistence: store/sqlite (local, pure Go), store/postgres (pgx pool).
// Observability: observer (OpenTelemetry tracer and run metrics).
package baton
