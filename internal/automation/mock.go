package automation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRoom is the in-memory state of one room on MockPlatform.
type MockRoom struct {
	ID          int64
	Title       string
	Description string
	Members     map[int64]bool
	Promoted    map[int64]Privileges
	Deleted     bool
}

// MockPlatform is an in-memory platform with per-method fault injection.
type MockPlatform struct {
	// Latency delays every call; honoured against ctx.
	Latency time.Duration

	mu           sync.Mutex
	nextRoomID   int64
	rooms        map[int64]*MockRoom
	calls        map[string]int
	faults       map[string][]error
	memberFaults map[int64]error
	inFlight     int
	maxInFlight  int
}

func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		nextRoomID:   -1001000000000,
		rooms:        make(map[int64]*MockRoom),
		calls:        make(map[string]int),
		faults:       make(map[string][]error),
		memberFaults: make(map[int64]error),
	}
}

// FailNext queues errors returned by the next calls of method, in order.
func (m *MockPlatform) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = append(m.faults[method], errs...)
}

// FailMember makes every invite of memberID fail with err.
func (m *MockPlatform) FailMember(memberID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberFaults[memberID] = err
}

func (m *MockPlatform) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// MaxConcurrent is the highest number of calls observed in flight at once.
func (m *MockPlatform) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Room returns a copy of the room state.
func (m *MockPlatform) Room(id int64) (MockRoom, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return MockRoom{}, false
	}
	c := *r
	c.Members = make(map[int64]bool, len(r.Members))
	for k, v := range r.Members {
		c.Members[k] = v
	}
	c.Promoted = make(map[int64]Privileges, len(r.Promoted))
	for k, v := range r.Promoted {
		c.Promoted[k] = v
	}
	return c, true
}

// LiveRooms counts rooms not yet deleted.
func (m *MockPlatform) LiveRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rooms {
		if !r.Deleted {
			n++
		}
	}
	return n
}

func (m *MockPlatform) CreateRoom(ctx context.Context, title, description string) (int64, error) {
	done, err := m.begin(ctx, MethodCreateRoom)
	defer done()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextRoomID
	m.nextRoomID--
	m.rooms[id] = &MockRoom{
		ID:          id,
		Title:       title,
		Description: description,
		Members:     make(map[int64]bool),
		Promoted:    make(map[int64]Privileges),
	}
	return id, nil
}

func (m *MockPlatform) PromoteMember(ctx context.Context, roomID, memberID int64, privileges Privileges) error {
	done, err := m.begin(ctx, MethodPromoteMember)
	defer done()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.liveRoomLocked(MethodPromoteMember, roomID)
	if err != nil {
		return err
	}
	r.Promoted[memberID] = privileges
	return nil
}

func (m *MockPlatform) InviteMembers(ctx context.Context, roomID int64, memberIDs []int64) error {
	done, err := m.begin(ctx, MethodInviteMembers)
	defer done()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.liveRoomLocked(MethodInviteMembers, roomID)
	if err != nil {
		return err
	}
	for _, id := range memberIDs {
		if ferr := m.memberFaults[id]; ferr != nil {
			return ferr
		}
		if r.Members[id] {
			return NewPlatformError(MethodInviteMembers, CodeAlreadyMember, fmt.Sprintf("user %d already in room", id))
		}
		r.Members[id] = true
	}
	return nil
}

func (m *MockPlatform) DeleteRoom(ctx context.Context, roomID int64) error {
	done, err := m.begin(ctx, MethodDeleteRoom)
	defer done()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.liveRoomLocked(MethodDeleteRoom, roomID)
	if err != nil {
		return err
	}
	r.Deleted = true
	return nil
}

func (m *MockPlatform) begin(ctx context.Context, method string) (func(), error) {
	m.mu.Lock()
	m.calls[method]++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	var fault error
	if queue := m.faults[method]; len(queue) > 0 {
		fault = queue[0]
		m.faults[method] = queue[1:]
	}
	m.mu.Unlock()

	done := func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}

	if m.Latency > 0 {
		if err := sleepContext(ctx, m.Latency); err != nil {
			return done, err
		}
	} else if err := ctx.Err(); err != nil {
		return done, err
	}
	return done, fault
}

func (m *MockPlatform) liveRoomLocked(method string, roomID int64) (*MockRoom, error) {
	r, ok := m.rooms[roomID]
	if !ok || r.Deleted {
		return nil, NewPlatformError(method, CodeRoomNotFound, fmt.Sprintf("room %d not found", roomID))
	}
	return r, nil
}
