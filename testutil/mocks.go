package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/tidwall/gjson"
)

// MockLedgerServer mocks the escrow program's JSON-RPC surface: listEscrows,
// getEscrow, and submitClaim.
type MockLedgerServer struct {
	*httptest.Server

	mu         sync.Mutex
	escrows    map[string]string // address -> base64 account data
	throttleN  int               // respond 429 to the next N requests
	retryAfter int               // Retry-After seconds on throttled responses
	submitCode int               // non-zero: fail submitClaim with this RPC code
	listErrs   int               // respond 500 to the next N listEscrows calls
	submitted  []ClaimSubmission
}

// ClaimSubmission records one submitClaim call seen by the mock.
type ClaimSubmission struct {
	RaidID      string
	Participant string
}

// NewMockLedgerServer starts a mock ledger RPC node.
func NewMockLedgerServer(t *testing.T) *MockLedgerServer {
	t.Helper()
	m := &MockLedgerServer{escrows: make(map[string]string)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

func (m *MockLedgerServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test mock
	method := gjson.GetBytes(body, "method").String()
	params := gjson.GetBytes(body, "params")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.throttleN > 0 {
		m.throttleN--
		if m.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(m.retryAfter))
		}
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "listEscrows":
		if m.listErrs > 0 {
			m.listErrs--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		accounts := make([]map[string]string, 0, len(m.escrows))
		for addr := range m.escrows {
			accounts = append(accounts, map[string]string{"address": addr})
		}
		writeRPCResult(w, map[string]any{"accounts": accounts})
	case "getEscrow":
		addr := params.Get("0").String()
		data, ok := m.escrows[addr]
		if !ok {
			writeRPCError(w, -32004, "account not found")
			return
		}
		writeRPCResult(w, map[string]any{"data": data})
	case "submitClaim":
		if m.submitCode != 0 {
			writeRPCError(w, m.submitCode, "submission rejected")
			return
		}
		sub := ClaimSubmission{RaidID: params.Get("0").String(), Participant: params.Get("1").String()}
		m.submitted = append(m.submitted, sub)
		writeRPCResult(w, map[string]any{"signature": fmt.Sprintf("sig-%s-%s", sub.RaidID, sub.Participant)})
	default:
		writeRPCError(w, -32601, "method not found")
	}
}

func writeRPCResult(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result}) //nolint:errcheck // test mock response
}

func writeRPCError(w http.ResponseWriter, code int, msg string) {
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"jsonrpc": "2.0", "id": 1,
		"error": map[string]any{"code": code, "message": msg},
	})
}

// AddEscrow stores an escrow account whose data is the given fields as
// base64-encoded JSON.
func (m *MockLedgerServer) AddEscrow(address string, fields map[string]any) {
	raw, _ := json.Marshal(fields) //nolint:errcheck // test fixture
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[address] = base64.StdEncoding.EncodeToString(raw)
}

// AddRawEscrow stores an escrow account with arbitrary already-encoded data.
func (m *MockLedgerServer) AddRawEscrow(address, b64 string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[address] = b64
}

// RemoveEscrow deletes an account so subsequent getEscrow calls see it absent.
func (m *MockLedgerServer) RemoveEscrow(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.escrows, address)
}

// Throttle makes the next n requests fail with 429 and the given Retry-After.
func (m *MockLedgerServer) Throttle(n, retryAfterSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttleN = n
	m.retryAfter = retryAfterSeconds
}

// FailListings makes the next n listEscrows calls fail with HTTP 500.
func (m *MockLedgerServer) FailListings(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErrs = n
}

// FailSubmitWith makes submitClaim fail with the given RPC error code.
func (m *MockLedgerServer) FailSubmitWith(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCode = code
}

// Submissions returns a copy of the submitClaim calls seen so far.
func (m *MockLedgerServer) Submissions() []ClaimSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClaimSubmission, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// MockGateServer mocks the wallet-transfer security validation service.
type MockGateServer struct {
	*httptest.Server
	mu      sync.Mutex
	allowed bool
	risk    string
	reason  string
	fail    bool // respond 500 to exercise the fail-closed path
}

// NewMockGateServer starts a gate that approves everything as LOW risk until
// told otherwise.
func NewMockGateServer(t *testing.T) *MockGateServer {
	t.Helper()
	m := &MockGateServer{allowed: true, risk: "LOW"}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"allowed": m.allowed,
			"risk":    m.risk,
			"reason":  m.reason,
		})
	}))
	t.Cleanup(m.Close)
	return m
}

// Reject makes the gate reject subsequent requests with the given risk level.
func (m *MockGateServer) Reject(risk, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed = false
	m.risk = risk
	m.reason = reason
}

// FailTransport makes the gate respond 500 so callers exercise fail-closed.
func (m *MockGateServer) FailTransport() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = true
}

// MockSpotifyServer mocks the two Spotify endpoints the service touches:
// the client-credentials token endpoint and track lookup.
type MockSpotifyServer struct {
	*httptest.Server
	Tracks map[string]map[string]any
}

// NewMockSpotifyServer starts a mock Spotify API.
func NewMockSpotifyServer(t *testing.T) *MockSpotifyServer {
	t.Helper()
	m := &MockSpotifyServer{Tracks: make(map[string]map[string]any)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token": "mock-token", "token_type": "Bearer", "expires_in": 3600,
		})
	})
	mux.HandleFunc("/v1/tracks/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tracks/"):]
		track, ok := m.Tracks[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(track) //nolint:errcheck // test mock response
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// AddTrack registers a track with the given title and artist names.
func (m *MockSpotifyServer) AddTrack(id, title string, artists ...string) {
	arts := make([]map[string]any, 0, len(artists))
	for _, a := range artists {
		arts = append(arts, map[string]any{"name": a})
	}
	m.Tracks[id] = map[string]any{
		"id":      id,
		"name":    title,
		"artists": arts,
		"external_urls": map[string]string{"spotify": "https://open.spotify.com/track/" + id},
	}
}
