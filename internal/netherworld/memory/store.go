package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Inspect and Clear for sessions that have no
// memory yet. It is a normal result value, not a fault — callers render it
// to the user.
var ErrNotFound = errors.New("memory: session not found")

// Store is the registry mapping session IDs to their ConversationMemory.
// It is created once at startup, handed to the dispatcher by reference, and
// torn down at process exit — never an ambient singleton.
//
// The registry lock covers only map insert/lookup/remove; each
// ConversationMemory serializes its own mutations under its session lock,
// so different sessions proceed fully in parallel.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*ConversationMemory
}

// NewStore returns an empty session registry.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*ConversationMemory)}
}

// GetOrCreate returns the memory for sessionID, creating it with opts on
// first use. For an existing session opts is ignored — configuration is
// fixed at creation and changed only through the instance itself
// (SetMeasure).
func (s *Store) GetOrCreate(ctx context.Context, sessionID string, opts Options) (*ConversationMemory, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	// Construction may call the tokenizer (scoring the persona prompt), so
	// it happens outside the registry lock. A concurrent first turn for the
	// same session may race here; the map re-check below keeps exactly one
	// instance per session ID.
	created, err := NewConversationMemory(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("memory: create session %q: %w", sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		return existing, nil
	}
	s.sessions[sessionID] = created
	return created, nil
}

// Get returns the memory for sessionID, or ErrNotFound.
func (s *Store) Get(sessionID string) (*ConversationMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	return m, nil
}

// Inspect returns a snapshot of the retained window for sessionID, or
// ErrNotFound for unknown sessions.
func (s *Store) Inspect(sessionID string) ([]Utterance, error) {
	m, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// Clear empties the session's buffer (the session itself stays registered).
// Returns ErrNotFound for unknown sessions.
func (s *Store) Clear(sessionID string) error {
	m, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	m.Clear()
	return nil
}

// Remove drops the session from the registry entirely (session teardown).
// Removing an unknown session is a no-op.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions returns the sorted IDs of all registered sessions.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Teardown drops every session. Called at process shutdown.
func (s *Store) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*ConversationMemory)
}
