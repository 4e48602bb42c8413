// Package workflow bills multi-node workflows one node at a time, or as a
// single prepaid bundle executed node by node.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tokligence/paygate/internal/ledger"
)

// ErrSessionNotFound is returned by session stores for unknown ids.
var ErrSessionNotFound = errors.New("workflow: session not found")

// Session tracks progress through a workflow. It is a cache: the billing
// entries anchoring the session are the source of truth.
type Session struct {
	ID           string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	WorkflowID   string        `json:"workflow_id,omitempty"`
	WorkflowName string        `json:"workflow_name,omitempty"`
	Nodes        []ledger.Node `json:"nodes"`
	Index        int           `json:"current_index"`
	Prepaid      bool          `json:"prepaid"`
	// Pending is the request id of the outstanding node invoice.
	Pending   string    `json:"pending_request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether every node has been settled.
func (s Session) Complete() bool { return s.Index >= len(s.Nodes) }

// Current returns the node at the cursor.
func (s Session) Current() (ledger.Node, bool) {
	if s.Index < 0 || s.Index >= len(s.Nodes) {
		return ledger.Node{}, false
	}
	return s.Nodes[s.Index], true
}

// Progress summarizes how far the session has run.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total_nodes"`
	Percentage int `json:"percentage"`
}

// Progress returns the completion summary.
func (s Session) Progress() Progress {
	p := Progress{Completed: s.Index, Total: len(s.Nodes)}
	if p.Total > 0 {
		p.Percentage = (p.Completed*100 + p.Total/2) / p.Total
	}
	return p
}

func (s Session) clone() Session {
	s.Nodes = append([]ledger.Node(nil), s.Nodes...)
	return s
}

// SessionStore caches sessions between calls.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	// Sweep drops sessions not updated within ttl and reports how many.
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the session.
func (m *MemorySessionStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// Put stores s and stamps UpdatedAt.
func (m *MemorySessionStore) Put(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now()
	m.sessions[s.ID] = s.clone()
	return nil
}

// Delete removes a session.
func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Sweep removes idle sessions.
func (m *MemorySessionStore) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	n := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many sessions are cached.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
