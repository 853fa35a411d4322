// Package security wraps the external wallet-transfer validation service that
// every claim must pass before a ledger submission. The service applies
// address, amount, and limit checks and answers with a pass/fail verdict plus
// a risk classification; the checks themselves live outside this codebase.
package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Risk is the gate's classification of a transfer request.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Request describes the transfer a claim would trigger.
type Request struct {
	Participant string `json:"participant"`
	RaidID      string `json:"raid_id"`
	RewardMint  string `json:"reward_mint"`
	Amount      uint64 `json:"amount"`
}

// Verdict is the gate's answer. Reason is human-readable and only meaningful
// when Allowed is false.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Risk    Risk   `json:"risk"`
	Reason  string `json:"reason,omitempty"`
}

// Gate validates transfer requests.
type Gate interface {
	Validate(ctx context.Context, req Request) (Verdict, error)
}

// HTTPGate validates against a remote service. Transport failures are
// fail-closed: the caller receives a denying verdict rather than an open door.
type HTTPGate struct {
	URL  string
	HTTP *retryablehttp.Client
}

// NewHTTPGate builds a gate client for the given validation endpoint.
func NewHTTPGate(url string) *HTTPGate {
	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 10 * time.Second
	return &HTTPGate{URL: url, HTTP: rc}
}

// Validate posts the request to the validation service. Any transport or
// protocol failure denies the transfer as HIGH risk.
func (g *HTTPGate) Validate(ctx context.Context, req Request) (Verdict, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return failClosed(fmt.Errorf("marshal request: %w", err))
	}
	hr, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(payload))
	if err != nil {
		return failClosed(err)
	}
	hr.Header.Set("Content-Type", "application/json")
	resp, err := g.HTTP.Do(hr)
	if err != nil {
		return failClosed(fmt.Errorf("security gate unreachable: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return failClosed(fmt.Errorf("security gate returned http %d", resp.StatusCode))
	}
	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return failClosed(fmt.Errorf("security gate response: %w", err))
	}
	if v.Risk == "" {
		v.Risk = RiskMedium
	}
	return v, nil
}

func failClosed(err error) (Verdict, error) {
	return Verdict{Allowed: false, Risk: RiskHigh, Reason: "validation unavailable"}, err
}

// AllowAll approves every request at LOW risk. Used when no gate URL is
// configured; suitable for local development only.
type AllowAll struct{}

// NewFromEnv returns the HTTP gate when url is set, otherwise a permissive
// gate with a loud warning.
func NewFromEnv(url string) Gate {
	if url == "" {
		slog.Warn("SECURITY_GATE_URL not set - claim validation is PERMISSIVE, do not run this in production")
		return AllowAll{}
	}
	return NewHTTPGate(url)
}

func (AllowAll) Validate(ctx context.Context, req Request) (Verdict, error) {
	return Verdict{Allowed: true, Risk: RiskLow}, nil
}
