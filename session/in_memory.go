package session

import (
	"sync"

	"github.com/hupe1980/packbot/core"
)

// DefaultContextLimit is the number of turns kept per conversation.
const DefaultContextLimit = 20

// Store holds conversation turns per key.
type Store interface {
	// History returns a copy of the turns stored for key, oldest first.
	History(key string) []core.Content
	// Append adds turns and trims the history to the store's limit.
	Append(key string, turns ...core.Content)
	// Clear drops the history for key.
	Clear(key string)
}

// InMemoryStore is a volatile Store implementation keeping the most recent
// turns of each conversation in a process local map. It is safe for
// concurrent access. Returned histories are copies.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	history map[string][]core.Content
}

// NewInMemoryStore creates a store keeping at most limit turns per key;
// limit < 1 selects DefaultContextLimit.
func NewInMemoryStore(limit int) *InMemoryStore {
	if limit < 1 {
		limit = DefaultContextLimit
	}

	return &InMemoryStore{
		limit:   limit,
		history: make(map[string][]core.Content),
	}
}

// History implements Store.
func (s *InMemoryStore) History(key string) []core.Content {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]core.Content(nil), s.history[key]...)
}

// Append implements Store. When trimming would leave tool turns without the
// assistant turn that requested them, those leading tool turns are dropped
// too.
func (s *InMemoryStore) Append(key string, turns ...core.Content) {
	if len(turns) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[key], turns...)
	if over := len(h) - s.limit; over > 0 {
		h = h[over:]
	}

	for len(h) > 0 && h[0].Role == core.RoleTool {
		h = h[1:]
	}

	s.history[key] = append([]core.Content(nil), h...)
}

// Clear implements Store.
func (s *InMemoryStore) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.history, key)
}

// Len returns the number of conversations held.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.history)
}
