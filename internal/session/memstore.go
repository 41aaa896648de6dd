package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/fabrica/model"
)

// MemoryStore is an in-memory model.Store. State lives for the process
// lifetime only.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
}

var _ model.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]string)}
}

// Save replaces the state stored under the key.
func (s *MemoryStore) Save(_ context.Context, key string, state map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = copyState(state)
	return nil
}

// Load returns a copy of the state stored under the key.
func (s *MemoryStore) Load(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[key]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("session %q not found", key))
	}
	return copyState(state), nil
}

// Update merges the given entries into the stored state, creating the
// session if it does not exist.
func (s *MemoryStore) Update(_ context.Context, key string, partial map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[key]
	if !ok {
		state = make(map[string]string, len(partial))
		s.sessions[key] = state
	}
	for k, v := range partial {
		state[k] = v
	}
	return nil
}

// Clear removes the session. Clearing an absent session is not an error.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// Exists reports whether state is stored under the key.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[key]
	return ok, nil
}

// Len returns the number of stored sessions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copyState(state map[string]string) map[string]string {
	out := make(map[string]string, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
