package baton

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ErrSessionNotFound is returned by LoadSession for unknown IDs.
type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// SessionInfo is the listing row for a stored session.
type SessionInfo struct {
	ID         string        `json:"id"`
	AppName    string        `json:"app_name,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
	Status     SessionStatus `json:"status"`
	EventCount int           `json:"event_count"`
}

// SessionService persists sessions across process restarts. Backends store
// the event log authoritatively; the state snapshot is an optional
// acceleration, and a backend that stores none restores identically because
// state is always replayed from state_change events.
type SessionService interface {
	// CreateSession stores a new session. Fails if the ID already exists.
	CreateSession(ctx context.Context, session *Session) error
	// LoadSession restores a session by ID.
	LoadSession(ctx context.Context, id string) (*Session, error)
	// SaveSession persists the session's current log and status.
	SaveSession(ctx context.Context, session *Session) error
	// ListSessions lists sessions, optionally filtered by app name and user
	// ID (empty string matches all).
	ListSessions(ctx context.Context, appName, userID string) ([]SessionInfo, error)
	// DeleteSession removes a session and its events.
	DeleteSession(ctx context.Context, id string) error
}

// MemoryService is an in-process SessionService backed by a map. Suitable
// for tests and single-process deployments without durability needs.
type MemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*SessionSnapshot
}

var _ SessionService = (*MemoryService)(nil)

// NewMemoryService returns an empty in-memory session store.
func NewMemoryService() *MemoryService {
	return &MemoryService{sessions: make(map[string]*SessionSnapshot)}
}

func (m *MemoryService) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID()]; exists {
		return fmt.Errorf("session %s already exists", session.ID())
	}
	m.sessions[session.ID()] = session.Snapshot()
	return nil
}

func (m *MemoryService) LoadSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	snap, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrSessionNotFound{ID: id}
	}
	return RestoreSession(snap), nil
}

func (m *MemoryService) SaveSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID()] = session.Snapshot()
	return nil
}

func (m *MemoryService) ListSessions(_ context.Context, appName, userID string) ([]SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SessionInfo
	for _, snap := range m.sessions {
		if appName != "" && snap.AppName != appName {
			continue
		}
		if userID != "" && snap.UserID != userID {
			continue
		}
		out = append(out, SessionInfo{
			ID:         snap.ID,
			AppName:    snap.AppName,
			UserID:     snap.UserID,
			CreatedAt:  snap.CreatedAt,
			UpdatedAt:  snap.UpdatedAt,
			Status:     snap.Status,
			EventCount: len(snap.Events),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *MemoryService) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
