package raid

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/raid-tender/db"
)

const (
	kvClearedRaids = "cleared-raids"
	kvActiveRaid   = "active-raid"
	kvRaidPrefix   = "raid:"
)

// Store persists the engine's durable state: the cleared-raid set, per-raid
// overlays and the last published view. Cleared entries and overlays are
// loaded once at startup and served from memory; every mutation writes
// through to the kv table before updating the cache.
type Store struct {
	dbx *sql.DB

	mu       sync.Mutex
	cleared  map[string]ClearReason
	overlays map[string]Overlay
	loaded   bool
}

func NewStore(dbx *sql.DB) *Store {
	return &Store{
		dbx:      dbx,
		cleared:  make(map[string]ClearReason),
		overlays: make(map[string]Overlay),
	}
}

// Load reads the cleared set and all stored overlays into memory. Corrupt
// entries are logged and skipped rather than failing startup.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := db.KVGet(ctx, s.dbx, kvClearedRaids)
	if err != nil {
		return fmt.Errorf("load cleared set: %w", err)
	}
	if raw != "" {
		cleared := map[string]ClearReason{}
		if uerr := json.Unmarshal([]byte(raw), &cleared); uerr != nil {
			slog.Warn("cleared-raids kv entry is corrupt, starting empty", "error", uerr)
		} else {
			s.cleared = cleared
		}
	}

	entries, err := db.KVList(ctx, s.dbx, kvRaidPrefix)
	if err != nil {
		return fmt.Errorf("load overlays: %w", err)
	}
	for key, val := range entries {
		var ov Overlay
		if uerr := json.Unmarshal([]byte(val), &ov); uerr != nil {
			slog.Warn("skipping corrupt overlay", "key", key, "error", uerr)
			continue
		}
		id := strings.TrimPrefix(key, kvRaidPrefix)
		if ov.RaidID == "" {
			ov.RaidID = id
		}
		s.overlays[id] = ov
	}

	s.loaded = true
	slog.Info("raid store loaded", "cleared", len(s.cleared), "overlays", len(s.overlays))
	return nil
}

// IsCleared reports whether the raid id has been permanently suppressed.
func (s *Store) IsCleared(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cleared[id]
	return ok
}

// AddCleared marks a raid id as permanently suppressed. Re-clearing an
// already-cleared id is a no-op and keeps the original reason.
func (s *Store) AddCleared(ctx context.Context, id string, reason ClearReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cleared[id]; ok {
		return nil
	}
	next := make(map[string]ClearReason, len(s.cleared)+1)
	for k, v := range s.cleared {
		next[k] = v
	}
	next[id] = reason
	buf, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := db.KVSet(ctx, s.dbx, kvClearedRaids, string(buf)); err != nil {
		return fmt.Errorf("persist cleared set: %w", err)
	}
	s.cleared = next
	return nil
}

// Overlay returns the stored overlay for a raid id, if any.
func (s *Store) Overlay(id string) (Overlay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.overlays[id]
	return ov, ok
}

// PutOverlay stores display metadata for a raid id.
func (s *Store) PutOverlay(ctx context.Context, ov Overlay) error {
	if ov.RaidID == "" {
		return errors.New("overlay requires a raid_id")
	}
	buf, err := json.Marshal(ov)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := db.KVSet(ctx, s.dbx, kvRaidPrefix+ov.RaidID, string(buf)); err != nil {
		return fmt.Errorf("persist overlay: %w", err)
	}
	s.overlays[ov.RaidID] = ov
	return nil
}

// SaveView writes the last published view so it can be restored after a
// restart. A nil view deletes the stored entry.
func (s *Store) SaveView(ctx context.Context, v *View) error {
	if v == nil {
		return db.KVDelete(ctx, s.dbx, kvActiveRaid)
	}
	buf, err := json.Marshal(toPersisted(v))
	if err != nil {
		return err
	}
	return db.KVSet(ctx, s.dbx, kvActiveRaid, string(buf))
}

// LoadView reads the persisted view, or nil when none is stored. A corrupt
// entry is treated as absent.
func (s *Store) LoadView(ctx context.Context) (*View, error) {
	raw, err := db.KVGet(ctx, s.dbx, kvActiveRaid)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var p persistedView
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Warn("active-raid kv entry is corrupt, ignoring", "error", err)
		return nil, nil
	}
	return fromPersisted(p), nil
}

// RecordClaim stores a local claim receipt. Duplicate (raid, participant)
// pairs are ignored: the ledger is the source of truth for seat counts, the
// receipt is for auditing and the dashboard.
func (s *Store) RecordClaim(ctx context.Context, raidID, participant, txSignature string) error {
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO raid_claims (raid_id, participant, tx_signature, claimed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (raid_id, participant) DO NOTHING`,
		raidID, participant, txSignature, time.Now())
	if err != nil {
		return fmt.Errorf("record claim: %w", err)
	}
	return nil
}

// Claims returns the recorded receipts for one raid, oldest first.
func (s *Store) Claims(ctx context.Context, raidID string) ([]ClaimReceipt, error) {
	rows, err := s.dbx.QueryContext(ctx, `
		SELECT participant, tx_signature, claimed_at
		FROM raid_claims WHERE raid_id = $1 ORDER BY claimed_at`, raidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClaimReceipt
	for rows.Next() {
		var r ClaimReceipt
		r.RaidID = raidID
		if err := rows.Scan(&r.Participant, &r.TxSignature, &r.ClaimedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimReceipt is one locally recorded successful claim.
type ClaimReceipt struct {
	RaidID      string    `json:"raid_id"`
	Participant string    `json:"participant"`
	TxSignature string    `json:"tx_signature"`
	ClaimedAt   time.Time `json:"claimed_at"`
}
