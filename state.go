package baton

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// State scopes. Session scope is the default working area; user scope persists
// across sessions of the same user; invocation scope is scratch space that is
// logged but excluded from snapshots.
const (
	ScopeSession    = "session"
	ScopeUser       = "user"
	ScopeInvocation = "invocation"
)

// StateSchema validates writes to declared state keys. Undeclared keys are
// accepted without validation.
type StateSchema struct {
	scopes map[string]map[string]*Schema
}

// NewStateSchema compiles a schema per scope/key. The raw documents are
// standard JSON Schema.
func NewStateSchema(raw map[string]map[string]json.RawMessage) (*StateSchema, error) {
	ss := &StateSchema{scopes: make(map[string]map[string]*Schema)}
	for scope, keys := range raw {
		ss.scopes[scope] = make(map[string]*Schema, len(keys))
		for key, doc := range keys {
			sch, err := CompileSchema(doc)
			if err != nil {
				return nil, fmt.Errorf("state schema %s/%s: %w", scope, key, err)
			}
			ss.scopes[scope][key] = sch
		}
	}
	return ss, nil
}

func (ss *StateSchema) validate(scope, key string, value json.RawMessage) error {
	if ss == nil {
		return nil
	}
	sch, ok := ss.scopes[scope][key]
	if !ok || value == nil {
		return nil
	}
	if err := sch.Validate(value); err != nil {
		return &Error{
			Kind:    KindStateValidation,
			Message: fmt.Sprintf("state write %s/%s rejected by schema", scope, key),
			Err:     err,
		}
	}
	return nil
}

// StateStore holds scoped session state. All mutations flow through a bound
// Session so that every effective change is recorded as a state_change event;
// reads return the value as of the latest append. Values compare structurally:
// writing an equal value is a no-op and emits nothing.
type StateStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]json.RawMessage
	schema *StateSchema

	// emit appends the state_change event to the owning session's log. Set by
	// the session at bind time; called outside the store lock.
	emit func(source string, scope string, changes []StateChange)
}

// NewStateStore returns an empty store. Schema may be nil.
func NewStateStore(schema *StateSchema) *StateStore {
	return &StateStore{
		scopes: make(map[string]map[string]json.RawMessage),
		schema: schema,
	}
}

// Get returns the current value of a key, or false if unset.
func (s *StateStore) Get(scope, key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.scopes[scope][key]
	return v, ok
}

// Keys returns the keys currently set in a scope, sorted.
func (s *StateStore) Keys(scope string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.scopes[scope]))
	for k := range s.scopes[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set writes one key. Source credits the writer in the emitted state_change
// event. Equal values are suppressed without an event.
func (s *StateStore) Set(scope, key string, value any, source string) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	return s.apply(scope, source, []StateChange{{Key: key, NewValue: raw}})
}

// Delete removes one key. Deleting an absent key is a no-op.
func (s *StateStore) Delete(scope, key, source string) error {
	return s.apply(scope, source, []StateChange{{Key: key, NewValue: nil}})
}

// Update applies multiple keys atomically under one state_change event.
// A nil value deletes the key. All writes validate before any commits; a
// validation failure leaves the store untouched.
func (s *StateStore) Update(scope string, values map[string]any, source string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changes := make([]StateChange, 0, len(keys))
	for _, k := range keys {
		raw, err := marshalValue(values[k])
		if err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
		changes = append(changes, StateChange{Key: k, NewValue: raw})
	}
	return s.apply(scope, source, changes)
}

// apply validates, commits, and emits one state_change covering the effective
// changes. No-op writes are dropped; if nothing changes, nothing is emitted.
func (s *StateStore) apply(scope, source string, changes []StateChange) error {
	for _, c := range changes {
		if err := s.schema.validate(scope, c.Key, c.NewValue); err != nil {
			return err
		}
	}

	s.mu.Lock()
	effective := make([]StateChange, 0, len(changes))
	for _, c := range changes {
		old, had := s.scopes[scope][c.Key]
		if c.NewValue == nil {
			if !had {
				continue
			}
			delete(s.scopes[scope], c.Key)
			effective = append(effective, StateChange{Key: c.Key, OldValue: old})
			continue
		}
		if had && jsonEqual(old, c.NewValue) {
			continue
		}
		if s.scopes[scope] == nil {
			s.scopes[scope] = make(map[string]json.RawMessage)
		}
		s.scopes[scope][c.Key] = c.NewValue
		effective = append(effective, StateChange{Key: c.Key, OldValue: old, NewValue: c.NewValue})
	}
	emit := s.emit
	s.mu.Unlock()

	if len(effective) == 0 {
		return nil
	}
	if emit != nil {
		emit(source, scope, effective)
	}
	return nil
}

// applyReplayed commits a recorded state_change payload without re-emitting.
// Used when reconstructing state from the log.
func (s *StateStore) applyReplayed(p *StateChangePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range p.Changes {
		if c.NewValue == nil {
			delete(s.scopes[p.Scope], c.Key)
			continue
		}
		if s.scopes[p.Scope] == nil {
			s.scopes[p.Scope] = make(map[string]json.RawMessage)
		}
		s.scopes[p.Scope][c.Key] = c.NewValue
	}
}

// Snapshot returns a deep copy of all scopes except invocation scratch space.
func (s *StateStore) Snapshot() map[string]map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]json.RawMessage, len(s.scopes))
	for scope, keys := range s.scopes {
		if scope == ScopeInvocation {
			continue
		}
		m := make(map[string]json.RawMessage, len(keys))
		for k, v := range keys {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			m[k] = cp
		}
		out[scope] = m
	}
	return out
}

// ReplayState folds the state_change events of a log into a fresh store.
// Replaying any prefix of a log yields the state as of that point.
func ReplayState(events []Event, schema *StateSchema) *StateStore {
	st := NewStateStore(schema)
	for i := range events {
		if events[i].Type == EventStateChange && events[i].StateChange != nil {
			st.applyReplayed(events[i].StateChange)
		}
	}
	return st
}

// State is the writer-scoped view handed to steps and tools. The source
// attribution is fixed at construction; the default scope is session.
type State struct {
	store  *StateStore
	source string
}

// NewState binds a store to a writer identity.
func NewState(store *StateStore, source string) *State {
	return &State{store: store, source: source}
}

// Get reads a session-scope key.
func (v *State) Get(key string) (json.RawMessage, bool) {
	return v.store.Get(ScopeSession, key)
}

// GetIn reads a key from an explicit scope.
func (v *State) GetIn(scope, key string) (json.RawMessage, bool) {
	return v.store.Get(scope, key)
}

// GetInto unmarshals a session-scope key into out. Returns false without
// touching out when the key is unset.
func (v *State) GetInto(key string, out any) (bool, error) {
	raw, ok := v.store.Get(ScopeSession, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unmarshal state key %s: %w", key, err)
	}
	return true, nil
}

// Set writes a session-scope key.
func (v *State) Set(key string, value any) error {
	return v.store.Set(ScopeSession, key, value, v.source)
}

// SetIn writes a key in an explicit scope.
func (v *State) SetIn(scope, key string, value any) error {
	return v.store.Set(scope, key, value, v.source)
}

// Update applies multiple session-scope keys atomically.
func (v *State) Update(values map[string]any) error {
	return v.store.Update(ScopeSession, values, v.source)
}

// UpdateIn applies multiple keys atomically in an explicit scope.
func (v *State) UpdateIn(scope string, values map[string]any) error {
	return v.store.Update(scope, values, v.source)
}

// Delete removes a session-scope key.
func (v *State) Delete(key string) error {
	return v.store.Delete(ScopeSession, key, v.source)
}

// DeleteIn removes a key in an explicit scope.
func (v *State) DeleteIn(scope, key string) error {
	return v.store.Delete(scope, key, v.source)
}
