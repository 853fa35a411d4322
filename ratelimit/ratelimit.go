// Package ratelimit guards outbound calls to rate-limited external services.
// Every ledger poll, claim submission, and streaming-service request goes
// through an Accessor, which tracks per-key sliding request windows and
// externally-imposed cooldowns and retries blocked calls a bounded number of
// times before giving up with a wait-time estimate.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds the window parameters shared by all keys of an Accessor.
type Config struct {
	Window          time.Duration // sliding window size
	MaxRequests     int           // max requests per key per window
	MinInterval     time.Duration // minimum gap between requests for a key
	DefaultCooldown time.Duration // cooldown applied when a throttling response carries no delay
}

// LoadConfig reads RATE_LIMIT_* env knobs and applies defaults.
func LoadConfig() Config {
	cfg := Config{
		Window:          30 * time.Second,
		MaxRequests:     10,
		MinInterval:     100 * time.Millisecond,
		DefaultCooldown: 30 * time.Second,
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Window = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRequests = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MinInterval = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DefaultCooldown = d
		}
	}
	return cfg
}

// UserKey builds a per-user rate limit key for an endpoint.
func UserKey(identity, endpoint string) string {
	return fmt.Sprintf("user:%s:%s", identity, endpoint)
}

// GlobalKey builds a shared rate limit key for an endpoint.
func GlobalKey(endpoint string) string {
	return "global:" + endpoint
}

// LimitedError is returned when an operation stays blocked after all retries.
// Wait estimates how long the caller should wait before trying again.
type LimitedError struct {
	Key  string
	Wait time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Key, e.Wait.Round(time.Millisecond))
}

// IsLimited reports whether err is (or wraps) a LimitedError.
func IsLimited(err error) bool {
	var le *LimitedError
	return errors.As(err, &le)
}

// ThrottleError signals that the external service itself rejected a call with
// a 429-equivalent response. Operations return it (directly or wrapped) so the
// Accessor can record the advertised cooldown for the key.
type ThrottleError struct {
	RetryAfter time.Duration // zero when the response advertised no delay
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled by upstream, retry after %s", e.RetryAfter)
	}
	return "throttled by upstream"
}

// Throttled builds a ThrottleError with the advertised retry delay.
func Throttled(retryAfter time.Duration) error {
	return &ThrottleError{RetryAfter: retryAfter}
}

// keyState is the per-key request window. Created lazily on first use and
// kept for the process lifetime; key cardinality is bounded by user x endpoint.
type keyState struct {
	mu            sync.Mutex
	windowStart   time.Time
	count         int
	lastRequest   time.Time
	cooldownUntil time.Time
}

// Accessor enforces per-key rate limits on outbound calls.
type Accessor struct {
	cfg  Config
	mu   sync.Mutex // guards keys map only; key mutation is per-key
	keys map[string]*keyState

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an Accessor with the given config.
func New(cfg Config) *Accessor {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 30 * time.Second
	}
	return &Accessor{
		cfg:  cfg,
		keys: make(map[string]*keyState),
		now:  time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

func (a *Accessor) state(key string) *keyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.keys[key]
	if !ok {
		st = &keyState{}
		a.keys[key] = st
	}
	return st
}

// blockedFor computes how long the key is blocked right now, checking the
// externally-imposed cooldown first, then window exhaustion, then the minimum
// inter-request interval. Zero means the call may proceed.
func (a *Accessor) blockedFor(st *keyState) time.Duration {
	now := a.now()
	if st.cooldownUntil.After(now) {
		return st.cooldownUntil.Sub(now)
	}
	if !st.windowStart.IsZero() && now.Sub(st.windowStart) < a.cfg.Window && st.count >= a.cfg.MaxRequests {
		return st.windowStart.Add(a.cfg.Window).Sub(now)
	}
	if a.cfg.MinInterval > 0 && !st.lastRequest.IsZero() {
		if gap := now.Sub(st.lastRequest); gap < a.cfg.MinInterval {
			return a.cfg.MinInterval - gap
		}
	}
	return 0
}

// record registers a successful request and clears any cooldown.
func (a *Accessor) record(st *keyState) {
	now := a.now()
	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= a.cfg.Window {
		st.windowStart = now
		st.count = 0
	}
	st.count++
	st.lastRequest = now
	st.cooldownUntil = time.Time{}
}

// Do runs fn under the rate limit for key, retrying up to maxRetries times
// when blocked locally or throttled by the upstream. Errors other than
// throttling pass through untouched.
func (a *Accessor) Do(ctx context.Context, key string, maxRetries int, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	st := a.state(key)
	var wait time.Duration
	for attempt := 0; ; attempt++ {
		st.mu.Lock()
		wait = a.blockedFor(st)
		if wait == 0 {
			a.record(st)
		}
		st.mu.Unlock()

		if wait > 0 {
			if attempt >= maxRetries {
				return &LimitedError{Key: key, Wait: wait}
			}
			observeWait(key, wait)
			slog.Debug("rate limit wait", slog.String("key", key), slog.Duration("wait", wait), slog.Int("attempt", attempt))
			if err := a.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var te *ThrottleError
		if !errors.As(err, &te) {
			return err
		}
		// Upstream throttled us: record the advertised cooldown and retry
		// within the bound.
		cooldown := te.RetryAfter
		if cooldown <= 0 {
			cooldown = a.cfg.DefaultCooldown
		}
		st.mu.Lock()
		st.cooldownUntil = a.now().Add(cooldown)
		st.mu.Unlock()
		slog.Warn("upstream throttle recorded", slog.String("key", key), slog.Duration("cooldown", cooldown))
		if attempt >= maxRetries {
			return &LimitedError{Key: key, Wait: cooldown}
		}
	}
}

// Call runs fn under the rate limit for key and returns its result.
func Call[T any](ctx context.Context, a *Accessor, key string, maxRetries int, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := a.Do(ctx, key, maxRetries, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// observeWait is overridden by the telemetry package at init time so this
// package does not depend on it.
var observeWait = func(key string, wait time.Duration) {}

// SetWaitObserver installs a callback invoked with every imposed wait.
func SetWaitObserver(fn func(key string, wait time.Duration)) {
	if fn != nil {
		observeWait = fn
	}
}
