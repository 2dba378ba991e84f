package store

import (
	"context"
	"sync"

	"pocketmind/pkg/agent"
)

// MemoryStore keeps turns in process memory. Reads return copies.
type MemoryStore struct {
	mu       sync.RWMutex
	turns    map[string][]agent.Turn
	maxTurns int
}

func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &MemoryStore{turns: make(map[string][]agent.Turn), maxTurns: maxTurns}
}

func (s *MemoryStore) Save(_ context.Context, turn agent.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.turns[turn.ConversationID], turn.Clone())
	if len(list) > s.maxTurns {
		list = append([]agent.Turn(nil), list[len(list)-s.maxTurns:]...)
	}
	s.turns[turn.ConversationID] = list
	return nil
}

func (s *MemoryStore) LoadRecent(_ context.Context, conversationID string, limit int) ([]agent.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.turns[conversationID], limit), nil
}

func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.turns, conversationID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
