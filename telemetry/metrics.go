// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onnwee/raid-tender/ratelimit"
)

var (
	once sync.Once

	// Counters
	PollCycles            prometheus.Counter
	PollFailures          prometheus.Counter
	DecodeFailures        prometheus.Counter
	ConsistencyViolations prometheus.Counter
	ViewPublishes         prometheus.Counter
	RaidsExpired          prometheus.Counter
	RaidsUserCleared      prometheus.Counter
	ClaimsSubmitted       prometheus.Counter
	ClaimsSucceeded       prometheus.Counter
	ClaimsRejected        prometheus.Counter
	ClaimsAmbiguous       prometheus.Counter
	RateLimitWaits        prometheus.Counter

	// Histograms (seconds)
	PollDuration         prometheus.Observer
	ClaimDuration        prometheus.Observer
	RateLimitWaitSeconds prometheus.Observer

	// Gauges
	ActiveRaidGauge prometheus.Gauge // 1=a raid view is published, 0=none
)

// Init registers metrics (idempotent) and hooks the rate limiter's wait
// observer so imposed waits show up in the histogram.
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_poll_cycles_total", Help: "Number of reconciliation poll cycles run"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_poll_failures_total", Help: "Number of poll cycles that failed before producing candidates"})
		DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_decode_failures_total", Help: "Number of candidate records skipped due to decode failures"})
		ConsistencyViolations = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_consistency_violations_total", Help: "Number of ledger snapshots with claimed_count/claimed_by mismatches"})
		ViewPublishes = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_view_publishes_total", Help: "Number of material active-view changes published to subscribers"})
		RaidsExpired = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_cleared_expired_total", Help: "Number of raids suppressed because they expired"})
		RaidsUserCleared = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_cleared_user_total", Help: "Number of raids suppressed by user action"})
		ClaimsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_claims_submitted_total", Help: "Number of claim submissions sent to the ledger"})
		ClaimsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_claims_succeeded_total", Help: "Number of claims confirmed by the ledger"})
		ClaimsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_claims_rejected_total", Help: "Number of claims rejected before or by the security gate"})
		ClaimsAmbiguous = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_claims_ambiguous_total", Help: "Number of claim submissions with unknown outcome"})
		RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{Name: "raid_ratelimit_waits_total", Help: "Number of waits imposed by the rate-limited accessor"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "raid_poll_duration_seconds", Help: "Reconciliation cycle duration seconds", Buckets: prometheus.DefBuckets})
		ClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "raid_claim_duration_seconds", Help: "End-to-end claim duration seconds", Buckets: prometheus.DefBuckets})
		RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "raid_ratelimit_wait_seconds", Help: "Durations of waits imposed by the rate-limited accessor", Buckets: prometheus.DefBuckets})
		ActiveRaidGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "raid_active", Help: "Whether an active raid view is currently published (1) or not (0)"})

		ratelimit.SetWaitObserver(func(key string, wait time.Duration) {
			RateLimitWaits.Inc()
			RateLimitWaitSeconds.Observe(wait.Seconds())
		})
	})
}

// SetActiveRaid records whether a view is currently published.
func SetActiveRaid(active bool) {
	if ActiveRaidGauge == nil {
		return
	}
	if active {
		ActiveRaidGauge.Set(1)
	} else {
		ActiveRaidGauge.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
