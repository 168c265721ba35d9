package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Used when neither DATABASE_URL nor SQLITE_PATH is set.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	rooms         map[int64]*Room
	roomBySession map[string]int64
	pricing       map[int64]Pricing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		rooms:         make(map[int64]*Room),
		roomBySession: make(map[string]int64),
		pricing:       make(map[int64]Pricing),
	}
}

func (m *MemoryStore) InsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrConflict
	}
	m.sessions[s.ID] = cloneSession(&s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *cloneSession(s), nil
}

func (m *MemoryStore) TransitionSession(_ context.Context, id string, t Transition) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !t.allows(s.Status) {
		return *cloneSession(s), ErrStatusMismatch
	}
	s.Status = t.To
	if at := t.activatedAt(); at != nil {
		s.ActivatedAt = at
	}
	if at := t.endedAt(); at != nil {
		s.EndedAt = at
	}
	if t.RoomID != nil {
		roomID := *t.RoomID
		s.RoomID = &roomID
	}
	if t.Reason != "" {
		s.CancelReason = t.Reason
	}
	if t.FlagRefund && s.Price > 0 {
		s.RefundPending = true
	}
	return *cloneSession(s), nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, status Status) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRefundPending(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.RefundPending {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ClearRefundPending(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.RefundPending {
		return false, nil
	}
	s.RefundPending = false
	return true, nil
}

func (m *MemoryStore) InsertRoom(_ context.Context, r Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[r.SessionID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.rooms[r.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.roomBySession[r.SessionID]; ok {
		return ErrConflict
	}
	if s.Status != StatusPending {
		return ErrStatusMismatch
	}
	c := r
	m.rooms[r.ID] = &c
	m.roomBySession[r.SessionID] = r.ID
	return nil
}

func (m *MemoryStore) GetRoomBySession(_ context.Context, sessionID string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roomBySession[sessionID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return *m.rooms[id], nil
}

func (m *MemoryStore) MarkRoomDeleted(_ context.Context, roomID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false, ErrNotFound
	}
	if r.DeletedAt != nil {
		return false, nil
	}
	r.DeletedAt = &at
	return true, nil
}

func (m *MemoryStore) GetPricing(_ context.Context, creatorID int64) (Pricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pricing[creatorID]
	if !ok {
		return Pricing{}, ErrPricingNotFound
	}
	p.Tiers = append([]PricingTier(nil), p.Tiers...)
	return p, nil
}

func (m *MemoryStore) SavePricing(_ context.Context, p Pricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Tiers = append([]PricingTier(nil), p.Tiers...)
	m.pricing[p.CreatorID] = p
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func cloneSession(s *Session) *Session {
	c := *s
	if s.RoomID != nil {
		v := *s.RoomID
		c.RoomID = &v
	}
	if s.ActivatedAt != nil {
		v := *s.ActivatedAt
		c.ActivatedAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		c.EndedAt = &v
	}
	return &c
}
