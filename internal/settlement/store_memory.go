package settlement

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu        sync.Mutex
	purchases map[string]Purchase
	refunds   map[string]Refund
	balances  map[int64]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]Purchase),
		refunds:   make(map[string]Refund),
		balances:  make(map[int64]int64),
	}
}

func (m *MemoryStore) InsertPurchase(_ context.Context, p Purchase) (Purchase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.purchases[p.SessionID]; ok {
		return existing, false, nil
	}
	m.purchases[p.SessionID] = p
	m.balances[p.CreatorID] += p.Split.CreatorEarnings
	return p, true, nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, sessionID string) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[sessionID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) InsertRefund(_ context.Context, r Refund) (Refund, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.refunds[r.SessionID]; ok {
		return existing, false, nil
	}
	m.refunds[r.SessionID] = r
	if r.ReversedEarnings != 0 {
		m.balances[r.CreatorID] -= r.ReversedEarnings
	}
	return r, true, nil
}

func (m *MemoryStore) GetRefund(_ context.Context, sessionID string) (Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[sessionID]
	if !ok {
		return Refund{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Balance(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *MemoryStore) Totals(context.Context) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t Totals
	for _, p := range m.purchases {
		t.Purchases += p.Split.Amount
		t.Commission += p.Split.Commission
	}
	for _, r := range m.refunds {
		t.Refunds += r.Amount
	}
	return t, nil
}

func (m *MemoryStore) Close() error { return nil }
