package iot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// mockProber records every address it is asked about and answers with fn.
type mockProber struct {
	fn func(ctx context.Context, address string) ProbeResult

	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newMockProber(fn func(ctx context.Context, address string) ProbeResult) *mockProber {
	if fn == nil {
		fn = failAll
	}
	return &mockProber{fn: fn, calls: make(map[string]int)}
}

func (m *mockProber) Probe(ctx context.Context, address string) ProbeResult {
	m.mu.Lock()
	m.calls[address]++
	m.order = append(m.order, address)
	m.mu.Unlock()
	return m.fn(ctx, address)
}

func (m *mockProber) count(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[address]
}

func (m *mockProber) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func failAll(_ context.Context, address string) ProbeResult {
	return ProbeResult{Address: address, Outcome: OutcomeNetworkError}
}

// succeedOn returns a probe func that finds a box only at the given addresses.
func succeedOn(addresses ...string) func(context.Context, string) ProbeResult {
	set := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		set[a] = true
	}
	return func(_ context.Context, address string) ProbeResult {
		if set[address] {
			return ProbeResult{Address: address, Outcome: OutcomeSuccess}
		}
		return ProbeResult{Address: address, Outcome: OutcomeTimeout}
	}
}

// stubConnector answers every Connect with status.
type stubConnector struct {
	status Status

	mu        sync.Mutex
	addresses []string
}

func (c *stubConnector) Connect(_ context.Context, address string) DeviceConnection {
	c.mu.Lock()
	c.addresses = append(c.addresses, address)
	c.mu.Unlock()
	return DeviceConnection{Address: address, Status: c.status, Message: "stub"}
}

func (c *stubConnector) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.addresses...)
}

// staticSource is a CandidateSource with canned answers.
type staticSource struct {
	name  string
	cands []string
	err   error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Candidates(context.Context) ([]string, error) {
	return s.cands, s.err
}

// newStaticServer serves body with contentType on every path and returns the
// base URL.
func newStaticServer(t *testing.T, contentType string, body []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// rangeOf builds a range over explicit addresses, for sizes other than 256.
func rangeOf(prefix string, addresses ...string) *ScanRange {
	return &ScanRange{Prefix: prefix, Addresses: addresses}
}
