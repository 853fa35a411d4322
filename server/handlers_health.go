package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// A loop whose last completed cycle is older than this many poll intervals
// is considered wedged.
const staleCycleFactor = 3

var startedAt = time.Now()

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"reconcile_loop", func() error {
			last := h.eng.LastCycle()
			if last.IsZero() {
				return errors.New("no poll cycle has completed")
			}
			if age := time.Since(last); age > staleCycleFactor*h.eng.Interval() {
				return fmt.Errorf("last poll cycle finished %s ago", age.Round(time.Second))
			}
			return nil
		}},
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"storage", func() error {
			var one int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT 1 FROM kv LIMIT 1").Scan(&one)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports a lightweight operational summary for the dashboard.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{
		"service":        "raid-tender",
		"uptime_seconds": int(time.Since(startedAt).Seconds()),
		"active_raid":    nil,
	}
	if v := h.eng.CurrentView(); v != nil {
		out["active_raid"] = map[string]any{
			"raid_id":       v.ID,
			"claimed_count": v.ClaimedCount,
			"max_seats":     v.MaxSeats,
			"expires_at":    v.ExpiresAt,
		}
	}
	// Receipt counts are only available to authenticated callers.
	if isAuthenticated(r.Context()) {
		var total int
		if err := h.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM raid_claims").Scan(&total); err == nil {
			out["claims_recorded"] = total
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
