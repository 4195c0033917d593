package baton

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStateSetGetDelete(t *testing.T) {
	session := NewSession()
	state := session.State("tester")

	if err := state.Set("count", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var count int
	if ok, err := state.GetInto("count", &count); !ok || err != nil || count != 3 {
		t.Fatalf("GetInto = %d, %v, %v; want 3", count, ok, err)
	}

	if err := state.Delete("count"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := state.Get("count"); ok {
		t.Fatal("key survived Delete")
	}

	events := session.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 state_change", len(events))
	}
	del := events[1].StateChange
	if del.Changes[0].NewValue != nil {
		t.Fatalf("delete change NewValue = %s, want nil", del.Changes[0].NewValue)
	}
	if string(del.Changes[0].OldValue) != "3" {
		t.Fatalf("delete change OldValue = %s, want 3", del.Changes[0].OldValue)
	}
}

func TestStateNoOpWriteEmitsNothing(t *testing.T) {
	session := NewSession()
	state := session.State("tester")

	if err := state.Set("cfg", map[string]any{"a": 1, "b": 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Same structure, different key order and representation.
	if err := state.Set("cfg", json.RawMessage(`{"b": 2, "a": 1}`)); err != nil {
		t.Fatalf("Set equal: %v", err)
	}
	if err := state.Delete("missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if got := session.EventCount(); got != 1 {
		t.Fatalf("events = %d, want 1 (no-op writes suppressed)", got)
	}
}

func TestStateUpdateAtomic(t *testing.T) {
	session := NewSession()
	state := session.State("merger")

	err := state.Update(map[string]any{"x": 1, "y": 2, "z": 3})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	events := session.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want single state_change", len(events))
	}
	sc := events[0].StateChange
	if len(sc.Changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(sc.Changes))
	}
	// Changes are key-sorted for deterministic logs.
	for i, want := range []string{"x", "y", "z"} {
		if sc.Changes[i].Key != want {
			t.Fatalf("changes[%d].Key = %s, want %s", i, sc.Changes[i].Key, want)
		}
	}
	if sc.Source != "merger" {
		t.Fatalf("source = %s, want merger", sc.Source)
	}
}

func TestStateSchemaRejectsInvalidWrite(t *testing.T) {
	schema, err := NewStateSchema(map[string]map[string]json.RawMessage{
		ScopeSession: {"count": json.RawMessage(`{"type":"integer","minimum":0}`)},
	})
	if err != nil {
		t.Fatalf("NewStateSchema: %v", err)
	}
	session := NewSession(WithStateSchema(schema))
	state := session.State("tester")

	if err := state.Set("count", 5); err != nil {
		t.Fatalf("valid write rejected: %v", err)
	}
	err = state.Set("count", "five")
	if err == nil {
		t.Fatal("invalid write accepted")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindStateValidation {
		t.Fatalf("err = %v, want kind %s", err, KindStateValidation)
	}
	// Undeclared keys pass without validation.
	if err := state.Set("note", "anything"); err != nil {
		t.Fatalf("undeclared key rejected: %v", err)
	}
}

func TestStateScopes(t *testing.T) {
	session := NewSession()
	state := session.State("tester")

	if err := state.SetIn(ScopeUser, "lang", "de"); err != nil {
		t.Fatalf("SetIn user: %v", err)
	}
	if err := state.SetIn(ScopeInvocation, "scratch", 1); err != nil {
		t.Fatalf("SetIn invocation: %v", err)
	}
	if _, ok := state.Get("lang"); ok {
		t.Fatal("user-scope key visible in session scope")
	}
	if _, ok := state.GetIn(ScopeUser, "lang"); !ok {
		t.Fatal("user-scope key missing")
	}

	// Invocation scratch is logged but excluded from snapshots.
	snap := session.Snapshot()
	if _, ok := snap.State[ScopeInvocation]; ok {
		t.Fatal("invocation scope leaked into snapshot")
	}
	if _, ok := snap.State[ScopeUser]["lang"]; !ok {
		t.Fatal("user scope missing from snapshot")
	}
}

func TestReplayStateRoundTrip(t *testing.T) {
	session := NewSession()
	state := session.State("writer")

	writes := []func() error{
		func() error { return state.Set("a", 1) },
		func() error { return state.Update(map[string]any{"b": "two", "c": []int{3}}) },
		func() error { return state.Set("a", 10) },
		func() error { return state.Delete("b") },
		func() error { return state.SetIn(ScopeUser, "tier", "pro") },
	}
	// Record the live snapshot at every prefix boundary.
	type checkpoint struct {
		eventCount int
		snapshot   map[string]map[string]json.RawMessage
	}
	checkpoints := []checkpoint{{0, session.Snapshot().State}}
	for i, w := range writes {
		if err := w(); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		checkpoints = append(checkpoints, checkpoint{session.EventCount(), session.Snapshot().State})
	}

	// Replaying each prefix reproduces the state as of that point.
	events := session.Events()
	for _, cp := range checkpoints {
		replayed := ReplayState(events[:cp.eventCount], nil)
		for scope, keys := range cp.snapshot {
			for key, want := range keys {
				got, ok := replayed.Get(scope, key)
				if !ok || !jsonEqual(got, want) {
					t.Fatalf("prefix %d: %s/%s = %s, want %s", cp.eventCount, scope, key, got, want)
				}
			}
			for _, key := range replayed.Keys(scope) {
				if _, ok := keys[key]; !ok {
					t.Fatalf("prefix %d: replay has extra key %s/%s", cp.eventCount, scope, key)
				}
			}
		}
	}

	final := ReplayState(events, nil)
	if _, ok := final.Get(ScopeSession, "b"); ok {
		t.Fatal("deleted key b present after replay")
	}
	got, _ := final.Get(ScopeSession, "a")
	if string(got) != "10" {
		t.Fatalf("a = %s after replay, want 10", got)
	}
}
