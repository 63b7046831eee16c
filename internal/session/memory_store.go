package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for development and tests.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Session, error) {
	return m.filter(limit, func(*Session) bool { return true }), nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool { return s.State == state }), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool {
		return !s.IsTerminal() && s.Deadline.Before(before)
	}), nil
}

func (m *MemoryStore) ListUnpaid(ctx context.Context, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool { return s.NeedsPayout() }), nil
}

// filter returns copies of matching sessions, newest first.
func (m *MemoryStore) filter(limit int, match func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if match(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
