// Package ledger reads and writes the on-chain escrow program that holds
// canonical raid state. It speaks JSON-RPC to the ledger node: listing
// candidate escrow accounts, decoding an account into a raid snapshot, and
// submitting claim transactions. Closed or consumed accounts read as absent
// (ErrNotFound) rather than as failures.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/onnwee/raid-tender/ratelimit"
)

// RPC error codes surfaced by the escrow node.
const (
	rpcCodeNotFound         = -32004
	rpcCodeAlreadyProcessed = -32009
)

var (
	// ErrNotFound means the escrow account does not exist (never created,
	// closed, or fully consumed). Callers treat it as silent absence.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrAlreadyProcessed means the node reports the claim transaction as
	// already seen; the true outcome is unknown to this client.
	ErrAlreadyProcessed = errors.New("ledger: transaction already processed")
)

// DecodeError wraps a per-record decode failure. It is never fatal to a poll
// cycle; the record is skipped.
type DecodeError struct {
	Address string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ledger: decode %s: %v", e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Snapshot is the ledger-canonical state of one raid, immutable once read.
type Snapshot struct {
	ID            string
	Creator       string
	RewardMint    string
	TokensPerSeat uint64
	MaxSeats      int
	ClaimedCount  int
	ClaimedBy     []string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the raid has passed its expiry at the given time.
func (s Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasClaimed reports whether the participant already holds a seat.
func (s Snapshot) HasClaimed(participant string) bool {
	for _, p := range s.ClaimedBy {
		if p == participant {
			return true
		}
	}
	return false
}

// CheckConsistency flags ledger-side invariant violations. A violation is a
// defect signal to log, not a reason to reject the snapshot.
func (s Snapshot) CheckConsistency() error {
	if s.ClaimedCount != len(s.ClaimedBy) {
		return fmt.Errorf("claimed_count=%d but %d claimants listed", s.ClaimedCount, len(s.ClaimedBy))
	}
	if s.ClaimedCount > s.MaxSeats {
		return fmt.Errorf("claimed_count=%d exceeds max_seats=%d", s.ClaimedCount, s.MaxSeats)
	}
	return nil
}

// RawRecord identifies one candidate escrow account returned by a listing.
type RawRecord struct {
	Address string
}

// TxResult is a confirmed ledger submission.
type TxResult struct {
	Signature string
}

// Client talks to the escrow program over JSON-RPC.
type Client struct {
	RPCURL    string
	ProgramID string
	HTTP      *retryablehttp.Client
}

// New builds a Client with transport-level retries on transient failures.
// Throttling (429) is deliberately not retried at this layer; it surfaces as
// a ratelimit.ThrottleError so the accessor owns the cooldown bookkeeping.
func New(rpcURL, programID string) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &Client{RPCURL: rpcURL, ProgramID: programID, HTTP: rc}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// call performs one JSON-RPC request and returns the raw result body for
// gjson extraction.
func (c *Client) call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return gjson.Result{}, ratelimit.Throttled(retryAfter)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read body: %w", method, err)
	}
	if rpcErr := gjson.GetBytes(body, "error"); rpcErr.Exists() {
		switch rpcErr.Get("code").Int() {
		case rpcCodeNotFound:
			return gjson.Result{}, ErrNotFound
		case rpcCodeAlreadyProcessed:
			return gjson.Result{}, ErrAlreadyProcessed
		}
		return gjson.Result{}, fmt.Errorf("%s: rpc error %d: %s", method, rpcErr.Get("code").Int(), rpcErr.Get("message").String())
	}
	return gjson.GetBytes(body, "result"), nil
}

// ListCandidateRecords enumerates escrow accounts owned by the raid program.
// Only addresses are returned; Decode fetches and parses each account.
func (c *Client) ListCandidateRecords(ctx context.Context) ([]RawRecord, error) {
	res, err := c.call(ctx, "listEscrows", c.ProgramID)
	if err != nil {
		return nil, err
	}
	var out []RawRecord
	res.Get("accounts").ForEach(func(_, acc gjson.Result) bool {
		if addr := acc.Get("address").String(); addr != "" {
			out = append(out, RawRecord{Address: addr})
		}
		return true
	})
	return out, nil
}

// Decode fetches one escrow account and parses it into a Snapshot. A missing
// account (closed or consumed since the listing) returns ErrNotFound; garbled
// account data returns a *DecodeError.
func (c *Client) Decode(ctx context.Context, rec RawRecord) (Snapshot, error) {
	res, err := c.call(ctx, "getEscrow", rec.Address)
	if err != nil {
		return Snapshot{}, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return Snapshot{}, ErrNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(res.Get("data").String())
	if err != nil {
		return Snapshot{}, &DecodeError{Address: rec.Address, Err: fmt.Errorf("base64: %w", err)}
	}
	return parseSnapshot(rec.Address, raw)
}

func parseSnapshot(address string, raw []byte) (Snapshot, error) {
	if !gjson.ValidBytes(raw) {
		return Snapshot{}, &DecodeError{Address: address, Err: errors.New("account data is not valid JSON")}
	}
	doc := gjson.ParseBytes(raw)
	s := Snapshot{
		ID:            doc.Get("raid_id").String(),
		Creator:       doc.Get("creator").String(),
		RewardMint:    doc.Get("reward_mint").String(),
		TokensPerSeat: doc.Get("tokens_per_seat").Uint(),
		MaxSeats:      int(doc.Get("max_seats").Int()),
		ClaimedCount:  int(doc.Get("claimed_count").Int()),
	}
	doc.Get("claimed_by").ForEach(func(_, v gjson.Result) bool {
		s.ClaimedBy = append(s.ClaimedBy, v.String())
		return true
	})
	if ts := doc.Get("created_at").Int(); ts > 0 {
		s.CreatedAt = time.Unix(ts, 0).UTC()
	}
	if ts := doc.Get("expires_at").Int(); ts > 0 {
		s.ExpiresAt = time.Unix(ts, 0).UTC()
	}

	switch {
	case s.ID == "":
		return Snapshot{}, &DecodeError{Address: address, Err: errors.New("missing raid_id")}
	case len(s.ID) > 32:
		return Snapshot{}, &DecodeError{Address: address, Err: fmt.Errorf("raid_id %q exceeds 32 chars", s.ID)}
	case s.MaxSeats < 1 || s.MaxSeats > 10:
		return Snapshot{}, &DecodeError{Address: address, Err: fmt.Errorf("max_seats %d out of range 1..10", s.MaxSeats)}
	case s.CreatedAt.IsZero() || s.ExpiresAt.IsZero():
		return Snapshot{}, &DecodeError{Address: address, Err: errors.New("missing timestamps")}
	}
	return s, nil
}

// SubmitClaim submits a seat-claim transaction for the raid and waits for the
// node's confirmation. An ErrAlreadyProcessed outcome is ambiguous: the
// transaction may or may not have landed.
func (c *Client) SubmitClaim(ctx context.Context, raidID, participant string) (TxResult, error) {
	res, err := c.call(ctx, "submitClaim", raidID, participant)
	if err != nil {
		return TxResult{}, err
	}
	sig := res.Get("signature").String()
	if sig == "" {
		return TxResult{}, fmt.Errorf("submitClaim: confirmation missing signature")
	}
	return TxResult{Signature: sig}, nil
}
