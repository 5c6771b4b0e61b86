package iot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Deps are the collaborators shared by every session of a scanner.
type Deps struct {
	Config    Config
	Prober    Prober
	Connector Connector
	Sources   []CandidateSource
	Bus       plugin.EventBus
	Metrics   *Metrics
	Logger    *zap.Logger
}

// DeviceRecord is what a session knows about one box.
type DeviceRecord struct {
	Address              string    `json:"address" yaml:"address"`
	Status               Status    `json:"status" yaml:"status"`
	CertificateSuspected bool      `json:"certificate_suspected,omitempty" yaml:"certificate_suspected,omitempty"`
	Message              string    `json:"message,omitempty" yaml:"message,omitempty"`
	FoundAt              time.Time `json:"found_at" yaml:"found_at"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID string          `json:"session_id" yaml:"session_id"`
	Running   bool            `json:"running" yaml:"running"`
	StartedAt *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Ranges    []RangeSnapshot `json:"ranges" yaml:"ranges"`
	Devices   []DeviceRecord  `json:"devices" yaml:"devices"`
}

// Session is one scan: its ranges, its lanes, and the boxes it found. A
// session is never reused; Reset returns a fresh one.
type Session struct {
	id         string
	deps       Deps
	logger     *zap.Logger
	events     *publisher
	registry   *Registry
	discoverer *Discoverer
	scheduler  *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool

	mu        sync.Mutex
	startedAt time.Time
	devices   map[string]*DeviceRecord
	order     []string
}

// NewSession creates a session with a fresh ID and no ranges.
func NewSession(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	id := uuid.New().String()
	logger := deps.Logger.With(zap.String("session_id", id))
	events := newPublisher(deps.Bus, id)

	s := &Session{
		id:      id,
		deps:    deps,
		logger:  logger,
		events:  events,
		devices: make(map[string]*DeviceRecord),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registry = NewRegistry(deps.Config.addressFormat(), events, deps.Metrics, logger)
	s.discoverer = NewDiscoverer(deps.Sources, deps.Config.Discovery.Timeout, logger)

	opts := []SchedulerOption{
		WithConnector(deps.Connector),
		WithMetrics(deps.Metrics),
		WithTracker(s),
	}
	if deps.Config.RateLimit > 0 {
		burst := deps.Config.RateBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, WithLimiter(rate.NewLimiter(rate.Limit(deps.Config.RateLimit), burst)))
	}
	s.scheduler = NewScheduler(deps.Config.Lanes, deps.Prober, events, logger, opts...)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Registry exposes the session's ranges.
func (s *Session) Registry() *Registry { return s.registry }

// Running reports whether Scan is in progress.
func (s *Session) Running() bool { return s.running.Load() }

// AddRange validates and registers a manual range.
func (s *Session) AddRange(ctx context.Context, prefix string) (*ScanRange, error) {
	p, err := ParsePrefix(prefix)
	if err != nil {
		return nil, err
	}
	r, _ := s.registry.AddRange(ctx, p)
	return r, nil
}

// Discover seeds the session from the local network and returns the
// prefixes it added.
func (s *Session) Discover(ctx context.Context) []string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.discoverer.Discover(ctx, s.registry)
}

// Scan probes every registered range and blocks until done. It stops early
// when ctx is cancelled or the session is reset.
func (s *Session) Scan(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s: %w", s.id, ErrScanRunning)
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ranges := s.registry.Ranges()
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("scan started",
		zap.Int("ranges", len(ranges)),
		zap.Int("lanes_per_range", s.scheduler.lanes),
	)
	start := time.Now()
	err := s.scheduler.Run(ctx, ranges...)
	s.logger.Info("scan finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("devices", s.deviceCount()),
		zap.Error(err),
	)
	return err
}

// Reset cancels in-flight lanes, drops this session's ranges, publishes
// TopicProgressCleared, and returns a new empty session with the same deps.
func (s *Session) Reset() *Session {
	s.clear()
	return s.next()
}

// next returns an empty session sharing s's dependencies. s is untouched.
func (s *Session) next() *Session {
	return NewSession(s.deps)
}

// clear cancels s, drops its ranges and publishes iot.progress.cleared.
func (s *Session) clear() {
	s.cancel()
	s.registry.Reset()
	s.events.progressCleared(context.Background())
	s.logger.Info("session reset")
}

// Close cancels in-flight lanes without publishing anything.
func (s *Session) Close() {
	s.cancel()
}

// Snapshot returns the session's current progress and devices.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID: s.id,
		Running:   s.Running(),
		Ranges:    []RangeSnapshot{},
		Devices:   []DeviceRecord{},
	}
	for _, r := range s.registry.Ranges() {
		snap.Ranges = append(snap.Ranges, r.Snapshot())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	for _, addr := range s.order {
		snap.Devices = append(snap.Devices, *s.devices[addr])
	}
	return snap
}

// Devices returns the boxes found so far, in discovery order.
func (s *Session) Devices() []DeviceRecord {
	return s.Snapshot().Devices
}

// DeviceFound implements DeviceTracker.
func (s *Session) DeviceFound(res ProbeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[res.Address]; ok {
		return
	}
	s.devices[res.Address] = &DeviceRecord{
		Address:              res.Address,
		Status:               StatusFound,
		CertificateSuspected: res.Outcome == OutcomeCertificateSuspected,
		FoundAt:              time.Now().UTC(),
	}
	s.order = append(s.order, res.Address)
}

// DeviceConnected implements DeviceTracker.
func (s *Session) DeviceConnected(conn DeviceConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[conn.Address]
	if !ok {
		return
	}
	rec.Status = conn.Status
	rec.Message = conn.Message
}

func (s *Session) deviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
