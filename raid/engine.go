package raid

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/raid-tender/ledger"
	"github.com/onnwee/raid-tender/ratelimit"
	"github.com/onnwee/raid-tender/telemetry"
)

// Reader enumerates and decodes candidate ledger records. Satisfied by
// *ledger.Client; tests substitute their own.
type Reader interface {
	ListCandidateRecords(ctx context.Context) ([]ledger.RawRecord, error)
	Decode(ctx context.Context, rec ledger.RawRecord) (ledger.Snapshot, error)
}

// State is the durable state the engine owns: the cleared set, overlays and
// the last published view. Satisfied by *Store.
type State interface {
	IsCleared(id string) bool
	AddCleared(ctx context.Context, id string, reason ClearReason) error
	Overlay(id string) (Overlay, bool)
	PutOverlay(ctx context.Context, ov Overlay) error
	SaveView(ctx context.Context, v *View) error
	LoadView(ctx context.Context) (*View, error)
}

// Number of consecutive cycles in which every candidate errored before the
// engine gives up on a previously published view. A single bad cycle holds
// the last view: stale-but-present beats flapping to empty.
const decodeFailThreshold = 2

// Engine polls the ledger on a fixed interval, picks the single canonical
// active raid, merges stored display metadata, filters expired and cleared
// raids, and publishes the result. Poll cycles are strictly serialized: the
// loop never starts a cycle while the previous one is running.
type Engine struct {
	store      State
	reader     Reader
	limiter    *ratelimit.Accessor
	interval   time.Duration
	maxRetries int

	mu         sync.Mutex
	view       *View
	subs       []func(*View)
	failStreak int
	lastCycle  time.Time

	now func() time.Time
}

// Options tune the poll loop. Zero values fall back to defaults
// (15s interval, 3 retries per rate-limited call).
type Options struct {
	Interval   time.Duration
	MaxRetries int
}

func NewEngine(store State, reader Reader, limiter *ratelimit.Accessor, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Engine{
		store:      store,
		reader:     reader,
		limiter:    limiter,
		interval:   opts.Interval,
		maxRetries: opts.MaxRetries,
		now:        time.Now,
	}
}

// Restore loads the last persisted view. An expired view is not restored: it
// is moved into the cleared set so no later cycle can resurface it. A
// restored live view is still re-validated by the first poll cycle.
func (e *Engine) Restore(ctx context.Context) error {
	v, err := e.store.LoadView(ctx)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if e.store.IsCleared(v.ID) {
		slog.Info("persisted view refers to a cleared raid, dropping", "raid_id", v.ID)
		return e.store.SaveView(ctx, nil)
	}
	if v.Expired(e.now()) {
		slog.Info("persisted view expired while offline", "raid_id", v.ID, "expires_at", v.ExpiresAt)
		if err := e.store.AddCleared(ctx, v.ID, ClearReasonExpired); err != nil {
			return err
		}
		telemetry.RaidsExpired.Inc()
		return e.store.SaveView(ctx, nil)
	}
	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
	telemetry.SetActiveRaid(true)
	slog.Info("restored active raid view", "raid_id", v.ID, "expires_at", v.ExpiresAt)
	return nil
}

// Start runs the poll loop until ctx is cancelled. The first cycle runs
// immediately; an in-flight cycle finishes before the loop notices
// cancellation so cleared-set writes are never half-applied.
func (e *Engine) Start(ctx context.Context) {
	slog.Info("reconciliation loop starting", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce runs one full poll cycle.
func (e *Engine) reconcileOnce(ctx context.Context) {
	telemetry.PollCycles.Inc()
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		e.reconcile(ctx)
	})
	e.mu.Lock()
	e.lastCycle = e.now()
	e.mu.Unlock()
}

func (e *Engine) reconcile(ctx context.Context) {
	records, err := ratelimit.Call(ctx, e.limiter, ratelimit.GlobalKey("ledger.list"), e.maxRetries,
		func(ctx context.Context) ([]ledger.RawRecord, error) {
			return e.reader.ListCandidateRecords(ctx)
		})
	if err != nil {
		// Transient by policy: hold the current view and wait for the
		// next scheduled cycle, no retry storm.
		telemetry.PollFailures.Inc()
		slog.Warn("candidate enumeration failed", "error", err, "kind", ClassifyFetchError(err))
		return
	}

	now := e.now()
	var live []ledger.Snapshot
	errored := 0
	for _, rec := range records {
		snap, err := ratelimit.Call(ctx, e.limiter, ratelimit.GlobalKey("ledger.escrow"), e.maxRetries,
			func(ctx context.Context) (ledger.Snapshot, error) {
				return e.reader.Decode(ctx, rec)
			})
		if err != nil {
			switch kind := ClassifyFetchError(err); kind {
			case FailureAbsent:
				// Closed or consumed record, silently gone.
			case FailureDecode:
				telemetry.DecodeFailures.Inc()
				errored++
				slog.Warn("skipping undecodable record", "address", rec.Address, "error", err)
			default:
				errored++
				slog.Warn("record fetch failed", "address", rec.Address, "kind", kind, "error", err)
			}
			continue
		}
		if cerr := snap.CheckConsistency(); cerr != nil {
			// Defect signal from the ledger; the snapshot is still shown.
			telemetry.ConsistencyViolations.Inc()
			slog.Error("ledger snapshot inconsistent", "raid_id", snap.ID, "error", cerr)
		}
		if e.store.IsCleared(snap.ID) {
			continue
		}
		if snap.Expired(now) {
			if err := e.store.AddCleared(ctx, snap.ID, ClearReasonExpired); err != nil {
				slog.Error("failed to persist expiry", "raid_id", snap.ID, "error", err)
				continue
			}
			telemetry.RaidsExpired.Inc()
			slog.Info("raid expired", "raid_id", snap.ID, "expires_at", snap.ExpiresAt)
			continue
		}
		live = append(live, snap)
	}

	if len(live) == 0 {
		e.mu.Lock()
		hadView := e.view != nil
		if errored > 0 {
			e.failStreak++
			streak := e.failStreak
			e.mu.Unlock()
			if hadView && streak < decodeFailThreshold {
				slog.Warn("cycle produced no usable candidates, holding current view", "errored", errored, "streak", streak)
				return
			}
			if hadView {
				slog.Warn("consecutive failed cycles, degrading to no active raid", "streak", streak)
			}
		} else {
			e.failStreak = 0
			e.mu.Unlock()
		}
		e.publish(ctx, nil)
		return
	}

	e.mu.Lock()
	e.failStreak = 0
	e.mu.Unlock()

	canonical := live[0]
	for _, s := range live[1:] {
		if s.CreatedAt.After(canonical.CreatedAt) {
			canonical = s
		}
	}
	if len(live) > 1 {
		slog.Warn("multiple live raids on ledger, newest wins", "count", len(live), "raid_id", canonical.ID)
	}

	var ovp *Overlay
	if ov, ok := e.store.Overlay(canonical.ID); ok {
		ovp = &ov
	}
	e.publish(ctx, BuildView(canonical, ovp))
}

// publish replaces the current view iff it materially differs from the last
// published one, persists it, and notifies subscribers in registration order.
// The cleared set is re-checked under the lock: a Clear that lands while a
// cycle is mid-flight must not be overwritten when that cycle publishes.
func (e *Engine) publish(ctx context.Context, v *View) {
	e.mu.Lock()
	if v != nil && e.store.IsCleared(v.ID) {
		slog.Info("raid cleared during cycle, publishing none", "raid_id", v.ID)
		v = nil
	}
	if ViewEqual(e.view, v) {
		e.mu.Unlock()
		return
	}
	e.view = v
	if err := e.store.SaveView(ctx, v); err != nil {
		slog.Error("failed to persist active view", "error", err)
	}
	subs := make([]func(*View), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	telemetry.ViewPublishes.Inc()
	telemetry.SetActiveRaid(v != nil)
	if v == nil {
		slog.Info("active raid cleared")
	} else {
		slog.Info("active raid published", "raid_id", v.ID, "claimed", v.ClaimedCount, "seats", v.MaxSeats)
	}
	for _, fn := range subs {
		fn(v)
	}
}

// CurrentView returns the last published view, or nil. Never blocks on I/O.
// The returned value must be treated as read-only.
func (e *Engine) CurrentView() *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Subscribe registers a callback invoked synchronously on every material
// view change, in registration order. Callbacks must return quickly: they
// run inside the poll cycle.
func (e *Engine) Subscribe(fn func(*View)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Clear permanently suppresses the current raid and publishes no-active-raid.
// Calling it with no active view is a no-op.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	v := e.view
	e.mu.Unlock()
	if v == nil {
		return nil
	}
	if err := e.store.AddCleared(ctx, v.ID, ClearReasonUser); err != nil {
		return err
	}
	telemetry.RaidsUserCleared.Inc()
	slog.Info("raid cleared by user", "raid_id", v.ID)
	e.publish(ctx, nil)
	return nil
}

// AdoptOverlay stores display metadata for a raid, typically before its
// ledger record is pollable. The next cycle that selects the raid merges it.
func (e *Engine) AdoptOverlay(ctx context.Context, ov Overlay) error {
	if err := e.store.PutOverlay(ctx, ov); err != nil {
		return err
	}
	slog.Info("overlay adopted", "raid_id", ov.RaidID, "track", ov.TrackTitle)
	return nil
}

// IsCleared reports whether a raid id is permanently suppressed.
func (e *Engine) IsCleared(id string) bool {
	return e.store.IsCleared(id)
}

// LastCycle returns when the most recent poll cycle finished, or the zero
// time before the first cycle completes.
func (e *Engine) LastCycle() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}

// Interval returns the configured poll interval.
func (e *Engine) Interval() time.Duration {
	return e.interval
}
