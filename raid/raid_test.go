package raid

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/onnwee/raid-tender/ledger"
)

func baseSnapshot() ledger.Snapshot {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return ledger.Snapshot{
		ID:            "raid-1",
		Creator:       "creator-wallet",
		RewardMint:    "mint-aaa",
		TokensPerSeat: 10,
		MaxSeats:      5,
		ClaimedCount:  2,
		ClaimedBy:     []string{"alice", "bob"},
		CreatedAt:     created,
		ExpiresAt:     created.Add(30 * time.Minute),
	}
}

func TestBuildViewMergesOverlay(t *testing.T) {
	v := BuildView(baseSnapshot(), &Overlay{
		RaidID:      "raid-1",
		TrackTitle:  "Midnight City",
		Artist:      "M83",
		TokenSymbol: "RAID",
		TrackURL:    "https://open.spotify.com/track/abc",
	})
	if v.TrackTitle != "Midnight City" || v.Artist != "M83" {
		t.Errorf("overlay fields not merged: %+v", v)
	}
	if v.TokensPerSeat != 10 || v.MaxSeats != 5 {
		t.Errorf("ledger fields changed by merge: %+v", v)
	}

	bare := BuildView(baseSnapshot(), nil)
	if bare.TrackTitle != "" || bare.ID != "raid-1" {
		t.Errorf("nil overlay should leave display fields empty: %+v", bare)
	}
}

// A stored overlay blob that illegitimately carries ledger field names must
// not be able to shadow ledger values: Overlay simply has no such fields, so
// they are dropped at unmarshal time.
func TestOverlayCannotCarryLedgerFields(t *testing.T) {
	blob := `{"raid_id":"raid-1","track_title":"Song","tokens_per_seat":9999,"max_seats":100}`
	var ov Overlay
	if err := json.Unmarshal([]byte(blob), &ov); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v := BuildView(baseSnapshot(), &ov)
	if v.TokensPerSeat != 10 {
		t.Errorf("TokensPerSeat = %d, want ledger value 10", v.TokensPerSeat)
	}
	if v.MaxSeats != 5 {
		t.Errorf("MaxSeats = %d, want ledger value 5", v.MaxSeats)
	}
	if v.TrackTitle != "Song" {
		t.Errorf("display field lost: %+v", v)
	}
}

func TestViewEqual(t *testing.T) {
	base := func() *View { return BuildView(baseSnapshot(), &Overlay{TrackTitle: "Song"}) }

	tests := []struct {
		name   string
		mutate func(*View)
		equal  bool
	}{
		{"identical", func(v *View) {}, true},
		{"claimants reordered", func(v *View) { v.ClaimedBy = []string{"bob", "alice"} }, true},
		{"id differs", func(v *View) { v.ID = "raid-2" }, false},
		{"creator differs", func(v *View) { v.Creator = "other" }, false},
		{"mint differs", func(v *View) { v.RewardMint = "mint-bbb" }, false},
		{"tokens differ", func(v *View) { v.TokensPerSeat = 11 }, false},
		{"seats differ", func(v *View) { v.MaxSeats = 6 }, false},
		{"count differs", func(v *View) { v.ClaimedCount = 3 }, false},
		{"claimant swapped", func(v *View) { v.ClaimedBy = []string{"alice", "carol"} }, false},
		{"claimant duplicated", func(v *View) { v.ClaimedBy = []string{"alice", "alice"} }, false},
		{"expiry differs", func(v *View) { v.ExpiresAt = v.ExpiresAt.Add(time.Minute) }, false},
		{"created differs", func(v *View) { v.CreatedAt = v.CreatedAt.Add(time.Minute) }, false},
		{"track differs", func(v *View) { v.TrackTitle = "Other Song" }, false},
		{"artist differs", func(v *View) { v.Artist = "Someone" }, false},
		{"symbol differs", func(v *View) { v.TokenSymbol = "XYZ" }, false},
		{"url differs", func(v *View) { v.TrackURL = "https://x" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := base(), base()
			tt.mutate(b)
			if got := ViewEqual(a, b); got != tt.equal {
				t.Errorf("ViewEqual = %v, want %v", got, tt.equal)
			}
			if got := ViewEqual(b, a); got != tt.equal {
				t.Errorf("ViewEqual reversed = %v, want %v", got, tt.equal)
			}
		})
	}

	if !ViewEqual(nil, nil) {
		t.Error("ViewEqual(nil, nil) = false")
	}
	if ViewEqual(base(), nil) || ViewEqual(nil, base()) {
		t.Error("nil vs non-nil must differ")
	}
}

func TestViewEqualEqualTimesDifferentLocations(t *testing.T) {
	a, b := baseSnapshot(), baseSnapshot()
	b.CreatedAt = b.CreatedAt.In(time.FixedZone("X", 3600))
	b.ExpiresAt = b.ExpiresAt.In(time.FixedZone("X", 3600))
	if !ViewEqual(BuildView(a, nil), BuildView(b, nil)) {
		t.Error("same instant in different zones should compare equal")
	}
}

func TestSeatsLeft(t *testing.T) {
	v := BuildView(baseSnapshot(), nil)
	if got := v.SeatsLeft(); got != 3 {
		t.Errorf("SeatsLeft = %d, want 3", got)
	}
	v.ClaimedCount = 7
	if got := v.SeatsLeft(); got != 0 {
		t.Errorf("SeatsLeft with overflow = %d, want 0", got)
	}
	var none *View
	if got := none.SeatsLeft(); got != 0 {
		t.Errorf("SeatsLeft on nil = %d, want 0", got)
	}
}
