package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	entries map[Key]*Entry
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]*Entry)}
}

func (m *MemoryStore) TryClaim(ctx context.Context, key Key, origin, chain, attempt string, now, staleBefore time.Time) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &Entry{Key: key, Origin: origin, Chain: chain, Status: StatusReserved, Attempt: attempt, ClaimedAt: now, UpdatedAt: now}
		m.entries[key] = e
		return &Claim{Entry: e.clone(), Acquired: true}, nil
	}
	if e.Status == StatusReserved && e.ClaimedAt.Before(staleBefore) {
		e.Origin = origin
		e.Attempt = attempt
		e.ClaimedAt = now
		e.UpdatedAt = now
		return &Claim{Entry: e.clone(), Acquired: true}, nil
	}
	return &Claim{Entry: e.clone()}, nil
}

func (m *MemoryStore) SetPending(ctx context.Context, key Key, attempt, ref string, payload []byte, amt *big.Int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.Status != StatusReserved || e.Attempt != attempt {
		return ErrClaimLost
	}
	e.Status = StatusPending
	e.PayoutRef = ref
	e.Payload = append([]byte(nil), payload...)
	if amt != nil {
		e.Amount = new(big.Int).Set(amt)
	}
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) RecordPayout(ctx context.Context, key Key, ref string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusPaid {
		return nil
	}
	if e.Status != StatusPending {
		return ErrClaimLost
	}
	e.Status = StatusPaid
	if ref != "" {
		e.PayoutRef = ref
	}
	e.PaidAt = &now
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, key Key, attempt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.Status != StatusReserved || e.Attempt != attempt {
		return ErrClaimLost
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Origin == sessionID {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClaimedAt.Before(result[j].ClaimedAt) })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
