package videocall

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ent0n29/callroom/internal/automation"
	"github.com/ent0n29/callroom/internal/log"
)

func TestAdmitToleratesAlreadyMember(t *testing.T) {
	platform := automation.NewMockPlatform()
	ctx := context.Background()
	roomID, err := platform.CreateRoom(ctx, "t", "d")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := platform.InviteMembers(ctx, roomID, []int64{1}); err != nil {
		t.Fatalf("InviteMembers() error = %v", err)
	}

	res := NewAdmission(platform, log.Nop()).Admit(ctx, roomID, []int64{1, 2, 2, 0})
	if err := res.Err(); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, res.Admitted); diff != "" {
		t.Fatalf("admitted mismatch (-want +got):\n%s", diff)
	}
	if got := platform.Calls(automation.MethodInviteMembers); got != 3 {
		t.Fatalf("invite calls = %d, want 3", got)
	}
}

func TestAdmitReportsEachFailure(t *testing.T) {
	platform := automation.NewMockPlatform()
	ctx := context.Background()
	roomID, err := platform.CreateRoom(ctx, "t", "d")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	denied := automation.NewPlatformError(automation.MethodInviteMembers, automation.CodeForbidden, "privacy")
	platform.FailMember(1, denied)

	res := NewAdmission(platform, log.Nop()).Admit(ctx, roomID, []int64{1, 2})
	err = res.Err()
	if !errors.Is(err, ErrAdmissionFailed) || !errors.Is(err, denied) {
		t.Fatalf("Admit().Err() = %v, want admission failure wrapping the platform error", err)
	}
	if diff := cmp.Diff([]int64{2}, res.Admitted); diff != "" {
		t.Fatalf("admitted mismatch (-want +got):\n%s", diff)
	}
	if _, ok := res.Failed[1]; !ok || len(res.Failed) != 1 {
		t.Fatalf("failed = %v, want member 1 only", res.Failed)
	}
}

func TestAdmitMissingRoom(t *testing.T) {
	res := NewAdmission(automation.NewMockPlatform(), log.Nop()).Admit(context.Background(), 42, []int64{1, 2})
	if len(res.Failed) != 2 || !automation.IsCode(res.Err(), automation.CodeRoomNotFound) {
		t.Fatalf("Admit() = %+v, want both members failed with %s", res, automation.CodeRoomNotFound)
	}
}
