package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ent0n29/callroom/internal/persistence/sqlite"
)

type storeCase struct {
	name string
	open func(t *testing.T) Store
}

func storeCases() []storeCase {
	return []storeCase{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			t.Helper()
			store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "callroom.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
		{"postgres", func(t *testing.T) Store {
			t.Helper()
			url := os.Getenv("CALLROOM_TEST_DATABASE_URL")
			if url == "" {
				t.Skip("CALLROOM_TEST_DATABASE_URL not set")
			}
			store, err := NewPostgresStore(context.Background(), url)
			if err != nil {
				t.Fatalf("NewPostgresStore() error = %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}
}

// fixedNow is microsecond aligned so every backend round-trips it exactly.
var fixedNow = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

func testSession() Session {
	return Session{
		ID:              NewSessionID(),
		CreatorID:       rand.Int64N(1<<40) + 1,
		CounterpartID:   rand.Int64N(1<<40) + 1,
		DurationMinutes: 30,
		Price:           250,
		Status:          StatusPending,
		PaymentVerified: true,
		CreatedAt:       fixedNow,
	}
}

func TestStoreSessionRoundTrip(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			want := testSession()

			if err := store.InsertSession(ctx, want); err != nil {
				t.Fatalf("InsertSession() error = %v", err)
			}
			got, err := store.GetSession(ctx, want.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("GetSession() mismatch (-want +got):\n%s", diff)
			}
			if err := store.InsertSession(ctx, want); !errors.Is(err, ErrConflict) {
				t.Fatalf("InsertSession(dup) error = %v, want ErrConflict", err)
			}
			if _, err := store.GetSession(ctx, "vc_missing0000"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetSession(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreTransitionIsCompareAndSet(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			sess := testSession()
			if err := store.InsertSession(ctx, sess); err != nil {
				t.Fatalf("InsertSession() error = %v", err)
			}

			roomID := rand.Int64N(1<<40) + 1
			at := fixedNow.Add(time.Minute)
			got, err := store.TransitionSession(ctx, sess.ID, Transition{
				From: []Status{StatusPending}, To: StatusActive, At: at, RoomID: &roomID,
			})
			if err != nil {
				t.Fatalf("TransitionSession(activate) error = %v", err)
			}
			if got.Status != StatusActive || got.RoomID == nil || *got.RoomID != roomID {
				t.Fatalf("activated session = %+v, want active bound to %d", got, roomID)
			}
			if got.ActivatedAt == nil || !got.ActivatedAt.Equal(at) {
				t.Fatalf("ActivatedAt = %v, want %v", got.ActivatedAt, at)
			}

			got, err = store.TransitionSession(ctx, sess.ID, Transition{
				From: []Status{StatusPending}, To: StatusActive, At: at, RoomID: &roomID,
			})
			if !errors.Is(err, ErrStatusMismatch) {
				t.Fatalf("TransitionSession(second activate) error = %v, want ErrStatusMismatch", err)
			}
			if got.Status != StatusActive {
				t.Fatalf("mismatch returned status = %q, want current %q", got.Status, StatusActive)
			}

			end := at.Add(35 * time.Minute)
			got, err = store.TransitionSession(ctx, sess.ID, Transition{
				From: []Status{StatusPending, StatusActive}, To: StatusCancelled, At: end, Reason: "admission failed",
			})
			if err != nil {
				t.Fatalf("TransitionSession(cancel) error = %v", err)
			}
			if got.EndedAt == nil || !got.EndedAt.Equal(end) || got.CancelReason != "admission failed" {
				t.Fatalf("cancelled session = %+v", got)
			}
			if got.RoomID == nil || *got.RoomID != roomID {
				t.Fatalf("RoomID after cancel = %v, want %d kept", got.RoomID, roomID)
			}

			if _, err := store.TransitionSession(ctx, "vc_missing0000", Transition{
				From: []Status{StatusPending}, To: StatusActive, At: at,
			}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("TransitionSession(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListSessionsByStatus(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			a, b := testSession(), testSession()
			for _, s := range []Session{a, b} {
				if err := store.InsertSession(ctx, s); err != nil {
					t.Fatalf("InsertSession() error = %v", err)
				}
			}
			roomID := rand.Int64N(1<<40) + 1
			if _, err := store.TransitionSession(ctx, b.ID, Transition{
				From: []Status{StatusPending}, To: StatusActive, At: fixedNow, RoomID: &roomID,
			}); err != nil {
				t.Fatalf("TransitionSession() error = %v", err)
			}

			active, err := store.ListSessionsByStatus(ctx, StatusActive)
			if err != nil {
				t.Fatalf("ListSessionsByStatus() error = %v", err)
			}
			if !containsSession(active, b.ID) || containsSession(active, a.ID) {
				t.Fatalf("active list = %v, want %s only among test sessions", sessionIDs(active), b.ID)
			}
		})
	}
}

func TestStoreRoomsAreOnePerSession(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			sess := testSession()
			if err := store.InsertSession(ctx, sess); err != nil {
				t.Fatalf("InsertSession() error = %v", err)
			}

			room := Room{ID: rand.Int64N(1<<40) + 1, SessionID: sess.ID, Title: "Videocall · " + sess.ID, CreatedAt: fixedNow}
			if err := store.InsertRoom(ctx, room); err != nil {
				t.Fatalf("InsertRoom() error = %v", err)
			}
			second := room
			second.ID++
			if err := store.InsertRoom(ctx, second); !errors.Is(err, ErrConflict) {
				t.Fatalf("InsertRoom(second room) error = %v, want ErrConflict", err)
			}
			orphan := Room{ID: room.ID + 7, SessionID: "vc_missing0000", Title: "x", CreatedAt: fixedNow}
			if err := store.InsertRoom(ctx, orphan); !errors.Is(err, ErrNotFound) {
				t.Fatalf("InsertRoom(orphan) error = %v, want ErrNotFound", err)
			}

			got, err := store.GetRoomBySession(ctx, sess.ID)
			if err != nil {
				t.Fatalf("GetRoomBySession() error = %v", err)
			}
			if diff := cmp.Diff(room, got); diff != "" {
				t.Fatalf("GetRoomBySession() mismatch (-want +got):\n%s", diff)
			}

			changed, err := store.MarkRoomDeleted(ctx, room.ID, fixedNow.Add(time.Hour))
			if err != nil || !changed {
				t.Fatalf("MarkRoomDeleted() = (%v, %v), want (true, nil)", changed, err)
			}
			changed, err = store.MarkRoomDeleted(ctx, room.ID, fixedNow.Add(2*time.Hour))
			if err != nil || changed {
				t.Fatalf("MarkRoomDeleted(again) = (%v, %v), want (false, nil)", changed, err)
			}
			got, err = store.GetRoomBySession(ctx, sess.ID)
			if err != nil {
				t.Fatalf("GetRoomBySession() error = %v", err)
			}
			if got.Live() || !got.DeletedAt.Equal(fixedNow.Add(time.Hour)) {
				t.Fatalf("DeletedAt = %v, want first deletion time kept", got.DeletedAt)
			}
			if _, err := store.MarkRoomDeleted(ctx, room.ID+99, fixedNow); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkRoomDeleted(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreRoomRequiresPendingSession(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			sess := testSession()
			if err := store.InsertSession(ctx, sess); err != nil {
				t.Fatalf("InsertSession() error = %v", err)
			}
			// cancelled while the platform was still creating the room
			if _, err := store.TransitionSession(ctx, sess.ID, Transition{
				From: []Status{StatusPending}, To: StatusCancelled, At: fixedNow, Reason: "stale pending session",
			}); err != nil {
				t.Fatalf("TransitionSession(cancel) error = %v", err)
			}

			room := Room{ID: rand.Int64N(1<<40) + 1, SessionID: sess.ID, Title: "Videocall · " + sess.ID, CreatedAt: fixedNow}
			if err := store.InsertRoom(ctx, room); !errors.Is(err, ErrStatusMismatch) {
				t.Fatalf("InsertRoom(cancelled session) error = %v, want ErrStatusMismatch", err)
			}
			if _, err := store.GetRoomBySession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetRoomBySession() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreRefundFlagFollowsCancel(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			paid := testSession()
			free := testSession()
			free.Price = 0
			for _, sess := range []Session{paid, free} {
				if err := store.InsertSession(ctx, sess); err != nil {
					t.Fatalf("InsertSession() error = %v", err)
				}
				got, err := store.TransitionSession(ctx, sess.ID, Transition{
					From: []Status{StatusPending}, To: StatusCancelled, At: fixedNow, Reason: "provision failed", FlagRefund: true,
				})
				if err != nil {
					t.Fatalf("TransitionSession(cancel) error = %v", err)
				}
				if want := sess.Price > 0; got.RefundPending != want {
					t.Fatalf("RefundPending for price %d = %v, want %v", sess.Price, got.RefundPending, want)
				}
			}

			pending, err := store.ListRefundPending(ctx)
			if err != nil {
				t.Fatalf("ListRefundPending() error = %v", err)
			}
			if !containsSession(pending, paid.ID) || containsSession(pending, free.ID) {
				t.Fatalf("ListRefundPending() = %v, want %s only", sessionIDs(pending), paid.ID)
			}

			cleared, err := store.ClearRefundPending(ctx, paid.ID)
			if err != nil || !cleared {
				t.Fatalf("ClearRefundPending() = (%v, %v), want (true, nil)", cleared, err)
			}
			cleared, err = store.ClearRefundPending(ctx, paid.ID)
			if err != nil || cleared {
				t.Fatalf("ClearRefundPending(again) = (%v, %v), want (false, nil)", cleared, err)
			}
			if _, err := store.ClearRefundPending(ctx, "vc_missing0000"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ClearRefundPending(missing) error = %v, want ErrNotFound", err)
			}
			got, err := store.GetSession(ctx, paid.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got.RefundPending || got.Status != StatusCancelled {
				t.Fatalf("session after clear = %+v, want cancelled without a pending refund", got)
			}
		})
	}
}

func TestSQLiteStoreUpgradesExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "callroom.db")
	db, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := sqlite.Exec(ctx, db, sqliteSchema); err != nil {
		t.Fatalf("Exec(schema) error = %v", err)
	}
	// a row written before refunds were tracked on the session
	if _, err := db.ExecContext(ctx,
		`INSERT INTO videocall_sessions (id, creator_id, counterpart_id, duration_minutes, price, status, payment_verified, created_at)
		VALUES ('vc_0a0a0a0a0a0a', 1, 2, 10, 300, 'cancelled', 1, ?)`,
		fixedNow.UnixNano(),
	); err != nil {
		t.Fatalf("insert legacy row error = %v", err)
	}
	_ = db.Close()

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()
	got, err := store.GetSession(ctx, "vc_0a0a0a0a0a0a")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.RefundPending || got.Status != StatusCancelled {
		t.Fatalf("legacy session = %+v, want cancelled without a pending refund", got)
	}
}

func containsSession(list []Session, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

func sessionIDs(list []Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func TestStorePricingUpsert(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			ctx := context.Background()
			creator := rand.Int64N(1<<40) + 1

			if _, err := store.GetPricing(ctx, creator); !errors.Is(err, ErrPricingNotFound) {
				t.Fatalf("GetPricing(unset) error = %v, want ErrPricingNotFound", err)
			}
			want := Pricing{
				CreatorID: creator,
				Tiers:     []PricingTier{{10, 0}, {30, 300}, {60, 500}},
				Enabled:   true,
				UpdatedAt: fixedNow,
			}
			if err := store.SavePricing(ctx, want); err != nil {
				t.Fatalf("SavePricing() error = %v", err)
			}
			want.Tiers[1].Price = 350
			want.Enabled = false
			if err := store.SavePricing(ctx, want); err != nil {
				t.Fatalf("SavePricing(update) error = %v", err)
			}
			got, err := store.GetPricing(ctx, creator)
			if err != nil {
				t.Fatalf("GetPricing() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("GetPricing() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
