// Package raid implements the raid state reconciliation engine: it
// continuously merges the authoritative but slow ledger view of "what raid is
// active" with locally persisted display metadata, suppresses expired or
// user-cleared raids, and publishes a single current view. The claim
// coordinator in this package is the one-shot path from that view to a
// ledger submission.
package raid

import (
	"time"

	"github.com/onnwee/raid-tender/ledger"
)

// ClearReason records why a raid identifier was permanently suppressed.
type ClearReason string

const (
	ClearReasonExpired ClearReason = "expired"
	ClearReasonUser    ClearReason = "user-cleared"
)

// Overlay is locally owned display metadata for one raid. It is cosmetic
// only: nothing here is ever authoritative for an invariant-bearing field.
type Overlay struct {
	RaidID      string `json:"raid_id"`
	TrackTitle  string `json:"track_title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	TokenSymbol string `json:"token_symbol,omitempty"`
	TrackURL    string `json:"track_url,omitempty"`
}

// View is the single active raid exposed to callers: the canonical ledger
// snapshot with overlay fields merged in where present.
type View struct {
	ledger.Snapshot

	TrackTitle  string
	Artist      string
	TokenSymbol string
	TrackURL    string
}

// BuildView merges overlay fields into a snapshot. Ledger-sourced fields
// always win: the overlay contributes display strings and nothing else, so a
// stored overlay blob carrying stray numeric fields cannot shadow the ledger.
func BuildView(s ledger.Snapshot, ov *Overlay) *View {
	v := &View{Snapshot: s}
	if ov != nil {
		v.TrackTitle = ov.TrackTitle
		v.Artist = ov.Artist
		v.TokenSymbol = ov.TokenSymbol
		v.TrackURL = ov.TrackURL
	}
	return v
}

// ViewEqual compares two views field by field. ClaimedBy is compared as a
// set: ledger enumeration order is not meaningful. Used to decide whether a
// reconciliation cycle publishes; keep it exhaustive when View grows fields.
func ViewEqual(a, b *View) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID ||
		a.Creator != b.Creator ||
		a.RewardMint != b.RewardMint ||
		a.TokensPerSeat != b.TokensPerSeat ||
		a.MaxSeats != b.MaxSeats ||
		a.ClaimedCount != b.ClaimedCount ||
		!a.CreatedAt.Equal(b.CreatedAt) ||
		!a.ExpiresAt.Equal(b.ExpiresAt) {
		return false
	}
	if a.TrackTitle != b.TrackTitle ||
		a.Artist != b.Artist ||
		a.TokenSymbol != b.TokenSymbol ||
		a.TrackURL != b.TrackURL {
		return false
	}
	return sameClaimants(a.ClaimedBy, b.ClaimedBy)
}

func sameClaimants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, p := range a {
		seen[p]++
	}
	for _, p := range b {
		seen[p]--
		if seen[p] < 0 {
			return false
		}
	}
	return true
}

// SeatsLeft reports how many seats remain claimable.
func (v *View) SeatsLeft() int {
	if v == nil {
		return 0
	}
	left := v.MaxSeats - v.ClaimedCount
	if left < 0 {
		return 0
	}
	return left
}

// persistedView is the JSON shape stored under the active-raid kv key so the
// last published view survives process restarts.
type persistedView struct {
	RaidID        string    `json:"raid_id"`
	Creator       string    `json:"creator"`
	RewardMint    string    `json:"reward_mint"`
	TokensPerSeat uint64    `json:"tokens_per_seat"`
	MaxSeats      int       `json:"max_seats"`
	ClaimedCount  int       `json:"claimed_count"`
	ClaimedBy     []string  `json:"claimed_by"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	TrackTitle    string    `json:"track_title,omitempty"`
	Artist        string    `json:"artist,omitempty"`
	TokenSymbol   string    `json:"token_symbol,omitempty"`
	TrackURL      string    `json:"track_url,omitempty"`
}

func toPersisted(v *View) persistedView {
	return persistedView{
		RaidID:        v.ID,
		Creator:       v.Creator,
		RewardMint:    v.RewardMint,
		TokensPerSeat: v.TokensPerSeat,
		MaxSeats:      v.MaxSeats,
		ClaimedCount:  v.ClaimedCount,
		ClaimedBy:     v.ClaimedBy,
		CreatedAt:     v.CreatedAt,
		ExpiresAt:     v.ExpiresAt,
		TrackTitle:    v.TrackTitle,
		Artist:        v.Artist,
		TokenSymbol:   v.TokenSymbol,
		TrackURL:      v.TrackURL,
	}
}

func fromPersisted(p persistedView) *View {
	return &View{
		Snapshot: ledger.Snapshot{
			ID:            p.RaidID,
			Creator:       p.Creator,
			RewardMint:    p.RewardMint,
			TokensPerSeat: p.TokensPerSeat,
			MaxSeats:      p.MaxSeats,
			ClaimedCount:  p.ClaimedCount,
			ClaimedBy:     p.ClaimedBy,
			CreatedAt:     p.CreatedAt,
			ExpiresAt:     p.ExpiresAt,
		},
		TrackTitle:  p.TrackTitle,
		Artist:      p.Artist,
		TokenSymbol: p.TokenSymbol,
		TrackURL:    p.TrackURL,
	}
}
