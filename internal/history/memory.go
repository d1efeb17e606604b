package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local store for development and tests.
type MemoryStore struct {
	mu             sync.RWMutex
	nextID         int64
	turns          map[int64][]Turn
	prefs          map[int64]bool
	contextDefault bool
}

func NewMemoryStore(contextDefault bool) *MemoryStore {
	return &MemoryStore{
		turns:          make(map[int64][]Turn),
		prefs:          make(map[int64]bool),
		contextDefault: contextDefault,
	}
}

func (s *MemoryStore) RecordTurn(_ context.Context, userID int64, role Role, content string) error {
	if err := validateTurn(role, content); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.turns[userID] = append(s.turns[userID], Turn{
		ID:        s.nextID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) FetchRecentTurns(_ context.Context, userID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *MemoryStore) ClearHistory(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, userID)
	return nil
}

func (s *MemoryStore) ContextPreference(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.prefs[userID]
	if !ok {
		return s.contextDefault, nil
	}
	return enabled, nil
}

func (s *MemoryStore) SetContextPreference(_ context.Context, userID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = enabled
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
