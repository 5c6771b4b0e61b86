package iot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/iotscan/internal/testutil"
)

func sessionDeps(t *testing.T, bus *testutil.MockBus, prober Prober) Deps {
	cfg := DefaultConfig()
	cfg.PlainPort = 0
	return Deps{
		Config:    cfg,
		Prober:    prober,
		Connector: &stubConnector{status: StatusConnected},
		Bus:       bus,
		Logger:    testutil.Logger(t),
	}
}

func TestSession_EndToEnd(t *testing.T) {
	bus := testutil.NewMockBus()
	s := NewSession(sessionDeps(t, bus, newMockProber(succeedOn("http://10.0.0.42"))))

	r, err := s.AddRange(context.Background(), "10.0.0")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.", r.Prefix)

	require.NoError(t, s.Scan(context.Background()))

	found := bus.EventsFor(TopicDeviceFound)
	require.Len(t, found, 1)
	assert.Equal(t, "http://10.0.0.42", found[0].Payload.(DeviceEvent).Address)
	assert.Equal(t, s.ID(), found[0].Payload.(DeviceEvent).SessionID)

	snap := s.Snapshot()
	assert.Equal(t, s.ID(), snap.SessionID)
	assert.False(t, snap.Running)
	require.NotNil(t, snap.StartedAt)
	require.Len(t, snap.Ranges, 1)
	assert.Equal(t, RangeSnapshot{Prefix: "10.0.0.", Total: 256, Cursor: 256, Completed: 256}, snap.Ranges[0])
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "http://10.0.0.42", snap.Devices[0].Address)
	assert.Equal(t, StatusConnected, snap.Devices[0].Status)
}

func TestSession_AddRangeRejectsBadPrefix(t *testing.T) {
	s := NewSession(sessionDeps(t, testutil.NewMockBus(), newMockProber(nil)))
	_, err := s.AddRange(context.Background(), "10.0.0.0/16")
	assert.True(t, errors.Is(err, ErrInvalidPrefix), "err = %v", err)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestSession_DiscoverFallback(t *testing.T) {
	deps := sessionDeps(t, testutil.NewMockBus(), newMockProber(nil))
	deps.Sources = []CandidateSource{staticSource{name: "empty"}}
	s := NewSession(deps)

	created := s.Discover(context.Background())
	assert.ElementsMatch(t, FallbackPrefixes, created)
}

func TestSession_DevicesDeduplicated(t *testing.T) {
	s := NewSession(sessionDeps(t, testutil.NewMockBus(), newMockProber(nil)))

	s.DeviceFound(ProbeResult{Address: "http://10.0.0.5", Outcome: OutcomeCertificateSuspected})
	s.DeviceFound(ProbeResult{Address: "http://10.0.0.5", Outcome: OutcomeSuccess})
	s.DeviceConnected(DeviceConnection{Address: "http://10.0.0.5", Status: StatusAlreadyConnected, Message: "taken"})
	s.DeviceConnected(DeviceConnection{Address: "http://10.0.0.9", Status: StatusConnected})

	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.True(t, devices[0].CertificateSuspected)
	assert.Equal(t, StatusAlreadyConnected, devices[0].Status)
	assert.Equal(t, "taken", devices[0].Message)
}

func TestSession_ScanRejectsConcurrentScan(t *testing.T) {
	release := make(chan struct{})
	prober := newMockProber(func(ctx context.Context, addr string) ProbeResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return failAll(ctx, addr)
	})
	s := NewSession(sessionDeps(t, testutil.NewMockBus(), prober))
	_, err := s.AddRange(context.Background(), "10.0.0.")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Scan(context.Background()) }()
	require.Eventually(t, s.Running, 2*time.Second, time.Millisecond)

	err = s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrScanRunning)
	assert.Contains(t, err.Error(), s.ID())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Running())
}

func TestSession_ResetCancelsAndReturnsFreshSession(t *testing.T) {
	bus := testutil.NewMockBus()
	prober := newMockProber(func(ctx context.Context, addr string) ProbeResult {
		<-ctx.Done()
		return ProbeResult{Address: addr, Outcome: OutcomeTimeout, Err: ctx.Err()}
	})
	s := NewSession(sessionDeps(t, bus, prober))
	r, err := s.AddRange(context.Background(), "10.0.0.")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Scan(context.Background()) }()
	require.Eventually(t, func() bool { return prober.total() == DefaultLanes }, 2*time.Second, time.Millisecond)

	fresh := s.Reset()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Scan did not return after Reset")
	}

	assert.NotEqual(t, s.ID(), fresh.ID())
	assert.Equal(t, 0, fresh.Registry().Len())
	assert.Equal(t, 0, s.Registry().Len())
	assert.Empty(t, fresh.Devices())
	assert.Equal(t, 0, r.Completed(), "results of the discarded session must be dropped")
	assert.Equal(t, 0, bus.Count(TopicRangeProgress))

	cleared := bus.EventsFor(TopicProgressCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, s.ID(), cleared[0].Payload.(RangeInfo).SessionID)

	// The fresh session is fully usable.
	_, err = fresh.AddRange(context.Background(), "10.0.0.")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Registry().Len())
}

func TestSession_RateLimited(t *testing.T) {
	deps := sessionDeps(t, testutil.NewMockBus(), newMockProber(nil))
	deps.Config.RateLimit = 2000
	deps.Config.RateBurst = 0
	s := NewSession(deps)
	require.NotNil(t, s.scheduler.limiter)
	assert.Equal(t, 1, s.scheduler.limiter.Burst())

	_, err := s.AddRange(context.Background(), "10.0.0.")
	require.NoError(t, err)
	require.NoError(t, s.Scan(context.Background()))
	assert.Equal(t, 256, s.Registry().Ranges()[0].Completed())
}
