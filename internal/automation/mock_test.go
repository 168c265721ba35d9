package automation

import (
	"context"
	"errors"
	"testing"
)

func TestMockPlatformRoomLifecycle(t *testing.T) {
	m := NewMockPlatform()
	ctx := context.Background()

	roomID, err := m.CreateRoom(ctx, "Videocall", "desc")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := m.PromoteMember(ctx, roomID, 10, CallPrivileges()); err != nil {
		t.Fatalf("PromoteMember() error = %v", err)
	}
	if err := m.InviteMembers(ctx, roomID, []int64{10, 20}); err != nil {
		t.Fatalf("InviteMembers() error = %v", err)
	}
	if err := m.InviteMembers(ctx, roomID, []int64{20}); !IsCode(err, CodeAlreadyMember) {
		t.Fatalf("InviteMembers(again) error = %v, want %s", err, CodeAlreadyMember)
	}

	room, ok := m.Room(roomID)
	if !ok || len(room.Members) != 2 || room.Deleted {
		t.Fatalf("Room() = %+v, %v", room, ok)
	}

	if err := m.DeleteRoom(ctx, roomID); err != nil {
		t.Fatalf("DeleteRoom() error = %v", err)
	}
	if err := m.DeleteRoom(ctx, roomID); !IsCode(err, CodeRoomNotFound) {
		t.Fatalf("DeleteRoom(again) error = %v, want %s", err, CodeRoomNotFound)
	}
	if got := m.LiveRooms(); got != 0 {
		t.Fatalf("LiveRooms() = %d, want 0", got)
	}
}

func TestMockPlatformFaults(t *testing.T) {
	m := NewMockPlatform()
	ctx := context.Background()
	boom := NewPlatformError(MethodCreateRoom, CodeInternal, "boom")
	m.FailNext(MethodCreateRoom, boom)

	if _, err := m.CreateRoom(ctx, "t", "d"); !errors.Is(err, boom) {
		t.Fatalf("CreateRoom() error = %v, want injected fault", err)
	}
	if _, err := m.CreateRoom(ctx, "t", "d"); err != nil {
		t.Fatalf("CreateRoom() after fault error = %v", err)
	}
	if got := m.Calls(MethodCreateRoom); got != 2 {
		t.Fatalf("Calls() = %d, want 2", got)
	}
}
