package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/raid-tender/raid"
	"github.com/onnwee/raid-tender/telemetry"
)

// viewPayload is the JSON shape of the active raid exposed to the dashboard.
type viewPayload struct {
	Active        bool      `json:"active"`
	RaidID        string    `json:"raid_id,omitempty"`
	Creator       string    `json:"creator,omitempty"`
	RewardMint    string    `json:"reward_mint,omitempty"`
	TokensPerSeat uint64    `json:"tokens_per_seat,omitempty"`
	MaxSeats      int       `json:"max_seats,omitempty"`
	ClaimedCount  int       `json:"claimed_count,omitempty"`
	SeatsLeft     int       `json:"seats_left,omitempty"`
	ClaimedBy     []string  `json:"claimed_by,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	TrackTitle    string    `json:"track_title,omitempty"`
	Artist        string    `json:"artist,omitempty"`
	TokenSymbol   string    `json:"token_symbol,omitempty"`
	TrackURL      string    `json:"track_url,omitempty"`
}

func toPayload(v *raid.View) viewPayload {
	if v == nil {
		return viewPayload{Active: false}
	}
	return viewPayload{
		Active:        true,
		RaidID:        v.ID,
		Creator:       v.Creator,
		RewardMint:    v.RewardMint,
		TokensPerSeat: v.TokensPerSeat,
		MaxSeats:      v.MaxSeats,
		ClaimedCount:  v.ClaimedCount,
		SeatsLeft:     v.SeatsLeft(),
		ClaimedBy:     v.ClaimedBy,
		CreatedAt:     v.CreatedAt,
		ExpiresAt:     v.ExpiresAt,
		TrackTitle:    v.TrackTitle,
		Artist:        v.Artist,
		TokenSymbol:   v.TokenSymbol,
		TrackURL:      v.TrackURL,
	}
}

// HandleRaid returns the active raid view, or 204 when none is published.
func (h *Handlers) HandleRaid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := h.eng.CurrentView()
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toPayload(v))
}

// HandleRaidClaim submits a claim for the participant in the request body.
// The HTTP status mirrors the claim outcome; the body always carries the
// full result.
func (h *Handlers) HandleRaidClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Participant string `json:"participant"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Participant == "" {
		http.Error(w, "participant is required", http.StatusBadRequest)
		return
	}

	res := h.coord.Claim(r.Context(), req.Participant)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(claimHTTPStatus(w, res))
	_ = json.NewEncoder(w).Encode(res)
}

func claimHTTPStatus(w http.ResponseWriter, res raid.ClaimResult) int {
	switch res.Status {
	case raid.StatusClaimed:
		return http.StatusOK
	case raid.StatusAmbiguous:
		return http.StatusAccepted
	case raid.StatusNoActiveRaid:
		return http.StatusNotFound
	case raid.StatusAlreadyClaimed, raid.StatusRaidFull, raid.StatusRaidEnded:
		return http.StatusConflict
	case raid.StatusRejected:
		return http.StatusForbidden
	case raid.StatusRateLimited:
		w.Header().Set("Retry-After", "30")
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// HandleRaidClear dismisses the active raid. Admin-protected.
func (h *Handlers) HandleRaidClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.eng.Clear(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("clear raid failed", slog.Any("err", err))
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRaidOverlay stores display metadata for a raid. Admin-protected;
// normally called by the raid-creation flow before the ledger record is
// pollable.
func (h *Handlers) HandleRaidOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ov raid.Overlay
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&ov); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if ov.RaidID == "" {
		http.Error(w, "raid_id is required", http.StatusBadRequest)
		return
	}
	if err := h.eng.AdoptOverlay(r.Context(), ov); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("adopt overlay failed", slog.Any("err", err))
		http.Error(w, "overlay store failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRaidClaims lists recorded claim receipts for a raid id (query param
// "raid_id", defaults to the active raid).
func (h *Handlers) HandleRaidClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("raid_id")
	if id == "" {
		v := h.eng.CurrentView()
		if v == nil {
			http.Error(w, "no active raid and no raid_id given", http.StatusNotFound)
			return
		}
		id = v.ID
	}
	claims, err := h.store.Claims(r.Context(), id)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list claims failed", slog.Any("err", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if claims == nil {
		claims = []raid.ClaimReceipt{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

// HandleRaidStream pushes the active raid view over Server-Sent Events: the
// current state immediately, then one event per material change.
func (h *Handlers) HandleRaidStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := h.watch()
	defer cancel()

	send := func(v *raid.View) bool {
		buf, err := json.Marshal(toPayload(v))
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", buf); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(h.eng.CurrentView()) {
		return
	}

	// Heartbeat keeps proxies from closing an idle stream.
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-updates:
			if !send(v) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
