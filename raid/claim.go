package raid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/raid-tender/ledger"
	"github.com/onnwee/raid-tender/ratelimit"
	"github.com/onnwee/raid-tender/security"
	"github.com/onnwee/raid-tender/telemetry"
)

// ClaimStatus is the outcome of one claim attempt.
type ClaimStatus int

const (
	// StatusClaimed means the ledger confirmed the claim.
	StatusClaimed ClaimStatus = iota
	// StatusNoActiveRaid means no raid view is currently published.
	StatusNoActiveRaid
	// StatusAlreadyClaimed means the participant already holds a seat.
	StatusAlreadyClaimed
	// StatusRaidFull means every seat is taken.
	StatusRaidFull
	// StatusRaidEnded means the raid was suppressed (expired or cleared).
	StatusRaidEnded
	// StatusRejected means the security gate refused the transfer.
	StatusRejected
	// StatusRateLimited means the submission could not be sent within the
	// retry budget.
	StatusRateLimited
	// StatusAmbiguous means the submission's outcome is unknown; the next
	// poll cycle reveals ground truth.
	StatusAmbiguous
	// StatusFailed means the submission failed outright.
	StatusFailed
)

func (s ClaimStatus) String() string {
	switch s {
	case StatusClaimed:
		return "claimed"
	case StatusNoActiveRaid:
		return "no_active_raid"
	case StatusAlreadyClaimed:
		return "already_claimed"
	case StatusRaidFull:
		return "raid_full"
	case StatusRaidEnded:
		return "raid_ended"
	case StatusRejected:
		return "rejected"
	case StatusRateLimited:
		return "rate_limited"
	case StatusAmbiguous:
		return "ambiguous"
	default:
		return "failed"
	}
}

// Succeeded reports whether the claim definitively went through.
func (s ClaimStatus) Succeeded() bool { return s == StatusClaimed }

// ClaimResult is returned to the collaborator that triggered the claim
// (chat command or dashboard action).
type ClaimResult struct {
	Status      ClaimStatus   `json:"status"`
	RaidID      string        `json:"raid_id,omitempty"`
	TxSignature string        `json:"tx_signature,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Risk        security.Risk `json:"risk,omitempty"`
}

// Submitter sends a claim transaction to the ledger. Satisfied by
// *ledger.Client.
type Submitter interface {
	SubmitClaim(ctx context.Context, raidID, participant string) (ledger.TxResult, error)
}

// ClaimStore is the slice of durable state the coordinator needs. Satisfied
// by *Store.
type ClaimStore interface {
	IsCleared(id string) bool
	RecordClaim(ctx context.Context, raidID, participant, txSignature string) error
}

// Coordinator runs the one-shot claim path: precondition checks against the
// current view, the security gate, then a rate-limited ledger submission.
// It never mutates the local seat count; the next poll cycle is the single
// source of truth for claimed_count.
type Coordinator struct {
	Engine     *Engine
	Store      ClaimStore
	Gate       security.Gate
	Submitter  Submitter
	Limiter    *ratelimit.Accessor
	MaxRetries int
}

// Claim attempts to take a seat in the active raid for participant.
// Preconditions are checked in a fixed order so each failure mode has one
// distinct status; passing them does not guarantee success, the ledger
// arbitrates concurrent claims.
func (c *Coordinator) Claim(ctx context.Context, participant string) ClaimResult {
	start := time.Now()
	res := c.claim(ctx, participant)
	telemetry.ClaimDuration.Observe(time.Since(start).Seconds())
	telemetry.LoggerWithCorr(ctx).Info("claim finished",
		"participant", participant, "status", res.Status.String(), "raid_id", res.RaidID)
	return res
}

func (c *Coordinator) claim(ctx context.Context, participant string) ClaimResult {
	v := c.Engine.CurrentView()
	if v == nil {
		return ClaimResult{Status: StatusNoActiveRaid, Reason: "no raid is active"}
	}
	if v.HasClaimed(participant) {
		return ClaimResult{Status: StatusAlreadyClaimed, RaidID: v.ID, Reason: "reward already claimed"}
	}
	if v.ClaimedCount >= v.MaxSeats {
		return ClaimResult{Status: StatusRaidFull, RaidID: v.ID, Reason: "all seats are taken"}
	}
	if c.Store.IsCleared(v.ID) {
		return ClaimResult{Status: StatusRaidEnded, RaidID: v.ID, Reason: "raid has ended"}
	}

	verdict, err := c.Gate.Validate(ctx, security.Request{
		Participant: participant,
		RaidID:      v.ID,
		RewardMint:  v.RewardMint,
		Amount:      v.TokensPerSeat,
	})
	if err != nil {
		// Gate failures deny by policy; the verdict carries the fail-closed
		// risk and reason.
		telemetry.ClaimsRejected.Inc()
		slog.Warn("security gate unavailable, denying claim",
			"participant", participant, "raid_id", v.ID, "error", err)
		return ClaimResult{Status: StatusRejected, RaidID: v.ID, Risk: verdict.Risk, Reason: verdict.Reason}
	}
	if !verdict.Allowed {
		telemetry.ClaimsRejected.Inc()
		slog.Warn("claim rejected by security gate",
			"participant", participant, "raid_id", v.ID, "risk", verdict.Risk, "reason", verdict.Reason)
		return ClaimResult{Status: StatusRejected, RaidID: v.ID, Risk: verdict.Risk, Reason: verdict.Reason}
	}

	telemetry.ClaimsSubmitted.Inc()
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	tx, err := ratelimit.Call(ctx, c.Limiter, ratelimit.UserKey(participant, "ledger.claim"), maxRetries,
		func(ctx context.Context) (ledger.TxResult, error) {
			return c.Submitter.SubmitClaim(ctx, v.ID, participant)
		})
	if err != nil {
		return c.submitFailure(v.ID, participant, err)
	}

	telemetry.ClaimsSucceeded.Inc()
	if rerr := c.Store.RecordClaim(ctx, v.ID, participant, tx.Signature); rerr != nil {
		// The ledger already confirmed; a receipt failure is log-only.
		slog.Error("failed to record claim receipt", "raid_id", v.ID, "participant", participant, "error", rerr)
	}
	return ClaimResult{Status: StatusClaimed, RaidID: v.ID, TxSignature: tx.Signature}
}

func (c *Coordinator) submitFailure(raidID, participant string, err error) ClaimResult {
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		// The transaction may have landed; do not assume either way.
		telemetry.ClaimsAmbiguous.Inc()
		slog.Warn("claim outcome ambiguous", "raid_id", raidID, "participant", participant, "error", err)
		return ClaimResult{Status: StatusAmbiguous, RaidID: raidID,
			Reason: "submission outcome unknown, check back shortly"}
	}
	var le *ratelimit.LimitedError
	if errors.As(err, &le) {
		return ClaimResult{Status: StatusRateLimited, RaidID: raidID,
			Reason: fmt.Sprintf("rate limited, retry in %s", le.Wait.Round(time.Second))}
	}
	slog.Error("claim submission failed", "raid_id", raidID, "participant", participant, "error", err)
	return ClaimResult{Status: StatusFailed, RaidID: raidID, Reason: "submission failed"}
}
