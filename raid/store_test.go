package raid

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/raid-tender/ledger"
	"github.com/onnwee/raid-tender/testutil"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database := testutil.SetupTestDB(t)
	// Unique ids per test run keep reruns against a shared database clean.
	s := NewStore(database)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestStoreClearedSetRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("raid-clear-%d", time.Now().UnixNano())

	if s.IsCleared(id) {
		t.Fatalf("fresh id %s already cleared", id)
	}
	if err := s.AddCleared(ctx, id, ClearReasonExpired); err != nil {
		t.Fatalf("AddCleared: %v", err)
	}
	if !s.IsCleared(id) {
		t.Error("id not cleared after AddCleared")
	}
	// Re-clearing keeps the original reason.
	if err := s.AddCleared(ctx, id, ClearReasonUser); err != nil {
		t.Fatalf("second AddCleared: %v", err)
	}

	// A second store instance sees the persisted entry.
	fresh := NewStore(s.dbx)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !fresh.IsCleared(id) {
		t.Error("cleared entry did not survive reload")
	}
	fresh.mu.Lock()
	reason := fresh.cleared[id]
	fresh.mu.Unlock()
	if reason != ClearReasonExpired {
		t.Errorf("reason = %q, want %q", reason, ClearReasonExpired)
	}
}

func TestStoreOverlayRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("raid-ov-%d", time.Now().UnixNano())

	if _, ok := s.Overlay(id); ok {
		t.Fatalf("fresh id %s has an overlay", id)
	}
	ov := Overlay{RaidID: id, TrackTitle: "Song", Artist: "Band", TokenSymbol: "RAID"}
	if err := s.PutOverlay(ctx, ov); err != nil {
		t.Fatalf("PutOverlay: %v", err)
	}
	got, ok := s.Overlay(id)
	if !ok || got != ov {
		t.Errorf("Overlay = %+v ok=%v, want %+v", got, ok, ov)
	}

	fresh := NewStore(s.dbx)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, ok := fresh.Overlay(id); !ok || got != ov {
		t.Errorf("overlay after reload = %+v ok=%v", got, ok)
	}
}

func TestStorePutOverlayRequiresID(t *testing.T) {
	s := setupStore(t)
	if err := s.PutOverlay(context.Background(), Overlay{TrackTitle: "Song"}); err == nil {
		t.Error("expected error for overlay without raid_id")
	}
}

func TestStoreViewRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	v := &View{
		Snapshot: ledger.Snapshot{
			ID:            fmt.Sprintf("raid-view-%d", created.UnixNano()),
			Creator:       "creator",
			RewardMint:    "mint",
			TokensPerSeat: 25,
			MaxSeats:      4,
			ClaimedCount:  1,
			ClaimedBy:     []string{"alice"},
			CreatedAt:     created,
			ExpiresAt:     created.Add(30 * time.Minute),
		},
		TrackTitle: "Song",
	}
	if err := s.SaveView(ctx, v); err != nil {
		t.Fatalf("SaveView: %v", err)
	}
	got, err := s.LoadView(ctx)
	if err != nil {
		t.Fatalf("LoadView: %v", err)
	}
	if !ViewEqual(got, v) {
		t.Errorf("LoadView = %+v, want %+v", got, v)
	}

	if err := s.SaveView(ctx, nil); err != nil {
		t.Fatalf("SaveView(nil): %v", err)
	}
	got, err = s.LoadView(ctx)
	if err != nil {
		t.Fatalf("LoadView after delete: %v", err)
	}
	if got != nil {
		t.Errorf("LoadView after delete = %+v, want nil", got)
	}
}

func TestStoreRecordClaimDeduplicates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("raid-claim-%d", time.Now().UnixNano())

	if err := s.RecordClaim(ctx, id, "alice", "sig-1"); err != nil {
		t.Fatalf("RecordClaim: %v", err)
	}
	// Duplicate receipt for the same participant is silently ignored.
	if err := s.RecordClaim(ctx, id, "alice", "sig-2"); err != nil {
		t.Fatalf("duplicate RecordClaim: %v", err)
	}
	if err := s.RecordClaim(ctx, id, "bob", "sig-3"); err != nil {
		t.Fatalf("RecordClaim bob: %v", err)
	}

	claims, err := s.Claims(ctx, id)
	if err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("claims = %d, want 2 (%+v)", len(claims), claims)
	}
	if claims[0].Participant != "alice" || claims[0].TxSignature != "sig-1" {
		t.Errorf("first claim = %+v, want alice/sig-1", claims[0])
	}
}
