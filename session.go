package baton

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// SessionVersion is the log format version stamped on root invocation_start
// events. Bump when the event model changes incompatibly.
const SessionVersion = "1"

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	// StatusIdle means no run is in progress and nothing is pending.
	StatusIdle SessionStatus = "idle"
	// StatusRunning means a run is currently executing against the session.
	StatusRunning SessionStatus = "running"
	// StatusAwaitingInput means the last run paused awaiting external input.
	StatusAwaitingInput SessionStatus = "awaiting_input"
	// StatusCompleted means the last run ended successfully.
	StatusCompleted SessionStatus = "completed"
	// StatusError means the last run failed.
	StatusError SessionStatus = "error"
)

// PendingCall tracks one unresolved suspension point on a session: a yielding
// tool call (or step yield) that has emitted tool_yield and awaits tool_input.
type PendingCall struct {
	CallID        string          `json:"call_id"`
	Name          string          `json:"name"`
	InvocationID  string          `json:"invocation_id"`
	PreparedArgs  json.RawMessage `json:"prepared_args,omitempty"`
	PartialResume bool            `json:"partial_resume,omitempty"`

	// Input is the external response, set when a tool_input event arrives.
	Input json.RawMessage `json:"input,omitempty"`
	// Satisfied reports whether Input has arrived.
	Satisfied bool `json:"satisfied,omitempty"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionID sets an explicit session ID instead of a generated one.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithAppName tags the session with an application name for persistence.
func WithAppName(name string) SessionOption {
	return func(s *Session) { s.appName = name }
}

// WithUserID tags the session with a user identity. User-scoped state is
// keyed by this across sessions.
func WithUserID(id string) SessionOption {
	return func(s *Session) { s.userID = id }
}

// WithStateSchema installs schema validation for state writes.
func WithStateSchema(schema *StateSchema) SessionOption {
	return func(s *Session) { s.state.schema = schema }
}

// WithSessionLogger sets the session's logger. Defaults to a no-op logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// Session is the durable container for one conversation: an append-only event
// log, scoped state derived from it, and the set of pending yielded calls.
// All methods are safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	id        string
	appName   string
	userID    string
	createdAt int64
	updatedAt int64
	status    SessionStatus
	events    []Event
	state     *StateStore
	logger    *slog.Logger

	// pending indexes unresolved yield points by call ID.
	pending map[string]*PendingCall
	// openInvocations tracks invocation IDs with a start but no end,
	// innermost last. Events carrying an invocation ID must reference one
	// of these.
	openInvocations []string
	// calls indexes every tool_call by ID so results can be matched.
	calls map[string]bool

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

// NewSession creates an empty session with a generated UUIDv7 ID.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		id:          NewID(),
		createdAt:   NowUnixMilli(),
		status:      StatusIdle,
		state:       NewStateStore(nil),
		logger:      nopLogger(),
		pending:     make(map[string]*PendingCall),
		calls:       make(map[string]bool),
		subscribers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.updatedAt = s.createdAt
	s.state.emit = s.emitStateChange
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// AppName returns the application tag.
func (s *Session) AppName() string { return s.appName }

// UserID returns the user tag.
func (s *Session) UserID() string { return s.userID }

// CreatedAt returns the creation time in Unix milliseconds.
func (s *Session) CreatedAt() int64 { return s.createdAt }

// UpdatedAt returns the time of the last append in Unix milliseconds.
func (s *Session) UpdatedAt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Status returns the session's lifecycle status.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// State returns a writer view over the session's state attributed to source.
func (s *Session) State(source string) *State {
	return NewState(s.state, source)
}

// Events returns a copy of the full log.
func (s *Session) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventCount returns the current log length.
func (s *Session) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// PendingCalls returns the unresolved yield points, in yield order.
func (s *Session) PendingCalls() []PendingCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLocked()
}

func (s *Session) pendingLocked() []PendingCall {
	out := make([]PendingCall, 0, len(s.pending))
	for i := range s.events {
		if s.events[i].Type != EventToolYield {
			continue
		}
		if pc, ok := s.pending[s.events[i].ToolYield.CallID]; ok {
			out = append(out, *pc)
		}
	}
	return out
}

// AddMessage appends a message event (user, assistant, system, or thought)
// outside any invocation. Used to seed input before a run.
func (s *Session) AddMessage(ev Event) (Event, error) {
	switch ev.Type {
	case EventUser, EventAssistant, EventSystem, EventThought:
	default:
		return Event{}, fmt.Errorf("AddMessage: event type %s is not a message", ev.Type)
	}
	ev.InvocationID = ""
	return s.AppendEvent(ev)
}

// AddToolInput records the external response for a pending yielded call. The
// call ID must match an unresolved pending call; otherwise the input is
// rejected with an unknown_pending_call error and nothing is appended.
func (s *Session) AddToolInput(callID string, input json.RawMessage) (Event, error) {
	s.mu.Lock()
	pc, ok := s.pending[callID]
	if !ok || pc.Satisfied {
		s.mu.Unlock()
		return Event{}, &Error{
			Kind:    KindUnknownPendingCall,
			Message: fmt.Sprintf("no pending call %q on session %s", callID, s.id),
			CallID:  callID,
		}
	}
	ev := Event{
		Type:         EventToolInput,
		InvocationID: pc.InvocationID,
		ToolInput:    &ToolInputPayload{CallID: callID, Input: input},
	}
	ev = s.appendLocked(ev)
	s.mu.Unlock()
	s.notify(ev)
	return ev, nil
}

// AppendEvent validates and appends one event, assigning its ID and
// timestamp. Events carrying an invocation ID must reference an open
// invocation; tool_result events must match a recorded tool_call.
func (s *Session) AppendEvent(ev Event) (Event, error) {
	s.mu.Lock()
	if err := s.validateLocked(&ev); err != nil {
		s.mu.Unlock()
		return Event{}, err
	}
	ev = s.appendLocked(ev)
	s.mu.Unlock()
	s.notify(ev)
	return ev, nil
}

func (s *Session) validateLocked(ev *Event) error {
	// invocation_start opens its own bracket; everything else carrying an
	// invocation ID must reference an open one.
	if ev.Type != EventInvocationStart && ev.InvocationID != "" && !s.invocationOpenLocked(ev.InvocationID) {
		return fmt.Errorf("append %s: invocation %s is not open", ev.Type, ev.InvocationID)
	}
	switch ev.Type {
	case EventToolResult:
		if ev.ToolResult == nil || !s.calls[ev.ToolResult.CallID] {
			id := ""
			if ev.ToolResult != nil {
				id = ev.ToolResult.CallID
			}
			return &Error{
				Kind:    KindOrphanResult,
				Message: fmt.Sprintf("tool_result for call %q has no matching tool_call", id),
				CallID:  id,
			}
		}
	case EventToolInput:
		pc, ok := s.pending[ev.ToolInput.CallID]
		if !ok || pc.Satisfied {
			return &Error{
				Kind:    KindUnknownPendingCall,
				Message: fmt.Sprintf("no pending call %q on session %s", ev.ToolInput.CallID, s.id),
				CallID:  ev.ToolInput.CallID,
			}
		}
	case EventInvocationEnd, EventInvocationYield, EventInvocationResume:
		if ev.InvocationID == "" {
			return fmt.Errorf("append %s: missing invocation id", ev.Type)
		}
	}
	return nil
}

func (s *Session) invocationOpenLocked(id string) bool {
	for _, open := range s.openInvocations {
		if open == id {
			return true
		}
	}
	return false
}

// appendLocked assigns identity, commits the event, and updates the derived
// indexes. Caller holds s.mu.
func (s *Session) appendLocked(ev Event) Event {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = NowUnixMilli()
	}
	s.events = append(s.events, ev)
	s.updatedAt = ev.CreatedAt
	s.indexLocked(&ev)
	return ev
}

// indexLocked folds one event into the derived indexes (open invocations,
// known calls, pending yields, status).
func (s *Session) indexLocked(ev *Event) {
	switch ev.Type {
	case EventInvocationStart:
		s.openInvocations = append(s.openInvocations, ev.InvocationID)
		s.status = StatusRunning
	case EventInvocationEnd:
		s.closeInvocationLocked(ev.InvocationID)
		if len(s.openInvocations) == 0 {
			s.status = s.terminalStatusLocked(ev)
		}
	case EventInvocationYield:
		// A yield at any depth suspends the run: the yielding frame stays
		// open and nothing progresses until input arrives.
		s.status = StatusAwaitingInput
	case EventInvocationResume:
		s.status = StatusRunning
	case EventToolCall:
		s.calls[ev.ToolCall.CallID] = true
	case EventToolYield:
		s.pending[ev.ToolYield.CallID] = &PendingCall{
			CallID:        ev.ToolYield.CallID,
			Name:          ev.ToolYield.Name,
			InvocationID:  ev.InvocationID,
			PreparedArgs:  ev.ToolYield.PreparedArgs,
			PartialResume: ev.ToolYield.PartialResume,
		}
	case EventToolInput:
		if pc, ok := s.pending[ev.ToolInput.CallID]; ok {
			pc.Input = ev.ToolInput.Input
			pc.Satisfied = true
		}
	case EventToolResult:
		delete(s.pending, ev.ToolResult.CallID)
	}
}

func (s *Session) closeInvocationLocked(id string) {
	for i, open := range s.openInvocations {
		if open == id {
			s.openInvocations = append(s.openInvocations[:i], s.openInvocations[i+1:]...)
			return
		}
	}
}

// terminalStatusLocked projects the session status when the last open
// invocation ends.
func (s *Session) terminalStatusLocked(ev *Event) SessionStatus {
	if s.hasPendingLocked() {
		return StatusAwaitingInput
	}
	var reason EndReason
	if ev.Invocation != nil {
		reason = ev.Invocation.Reason
	}
	switch reason {
	case EndError:
		return StatusError
	case EndTransferred:
		// The transfer chain continues with a sibling root right away.
		return StatusRunning
	case EndCancelled:
		return StatusIdle
	default:
		return StatusCompleted
	}
}

func (s *Session) hasPendingLocked() bool {
	for _, pc := range s.pending {
		if !pc.Satisfied {
			return true
		}
	}
	return false
}

// emitStateChange is wired as the state store's emit callback.
func (s *Session) emitStateChange(source, scope string, changes []StateChange) {
	s.mu.Lock()
	ev := s.appendLocked(Event{
		Type:        EventStateChange,
		StateChange: &StateChangePayload{Scope: scope, Source: source, Changes: changes},
	})
	s.mu.Unlock()
	s.notify(ev)
}

// Subscribe registers a live event feed. Every event appended after the call
// is delivered in order. The returned cancel function must be called to
// release the subscription; delivery is best-effort and drops events when the
// subscriber falls behind.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) notify(ev Event) {
	s.subMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("session subscriber lagging, dropping event",
				"session_id", s.id, "event_type", string(ev.Type))
		}
	}
	s.subMu.Unlock()
}

// SessionSnapshot is the persistence form of a session.
type SessionSnapshot struct {
	ID        string                                `json:"id"`
	AppName   string                                `json:"app_name,omitempty"`
	UserID    string                                `json:"user_id,omitempty"`
	CreatedAt int64                                 `json:"created_at"`
	UpdatedAt int64                                 `json:"updated_at"`
	Status    SessionStatus                         `json:"status"`
	Events    []Event                               `json:"events"`
	State     map[string]map[string]json.RawMessage `json:"state,omitempty"`
}

// Snapshot captures the session for persistence. The state map is optional
// for storage backends: RestoreSession rebuilds state from the log when it is
// absent.
func (s *Session) Snapshot() *SessionSnapshot {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	snap := &SessionSnapshot{
		ID:        s.id,
		AppName:   s.appName,
		UserID:    s.userID,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		Status:    s.status,
		Events:    events,
	}
	s.mu.RUnlock()
	snap.State = s.state.Snapshot()
	return snap
}

// RestoreSession rebuilds a session from a snapshot. State is always replayed
// from the log's state_change events, so a snapshot with a nil State map
// restores identically; the stored map is ignored as authority.
func RestoreSession(snap *SessionSnapshot, opts ...SessionOption) *Session {
	s := NewSession(opts...)
	s.id = snap.ID
	if snap.AppName != "" {
		s.appName = snap.AppName
	}
	if snap.UserID != "" {
		s.userID = snap.UserID
	}
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt
	s.events = make([]Event, len(snap.Events))
	copy(s.events, snap.Events)
	for i := range s.events {
		s.indexLocked(&s.events[i])
	}
	s.state = ReplayState(s.events, s.state.schema)
	s.state.emit = s.emitStateChange
	if snap.Status != "" {
		s.status = snap.Status
	}
	return s
}
