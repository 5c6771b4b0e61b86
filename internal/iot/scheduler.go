package iot

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DeviceTracker is told about every box a scan finds and how claiming it
// went. Session implements it to keep its device list.
type DeviceTracker interface {
	DeviceFound(res ProbeResult)
	DeviceConnected(conn DeviceConnection)
}

// Scheduler drives a fixed number of lanes over each range. All lanes of a
// range share the range's cursor, so every address is probed exactly once.
type Scheduler struct {
	lanes     int
	prober    Prober
	connector Connector
	events    *publisher
	metrics   *Metrics
	limiter   *rate.Limiter
	tracker   DeviceTracker
	logger    *zap.Logger
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithConnector claims every box found with c.
func WithConnector(c Connector) SchedulerOption {
	return func(s *Scheduler) { s.connector = c }
}

// WithMetrics records probe and lane metrics into m.
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLimiter makes every lane wait on l before each probe.
func WithLimiter(l *rate.Limiter) SchedulerOption {
	return func(s *Scheduler) { s.limiter = l }
}

// WithTracker reports found and connected boxes to t.
func WithTracker(t DeviceTracker) SchedulerOption {
	return func(s *Scheduler) { s.tracker = t }
}

// NewScheduler creates a scheduler with lanes lanes per range.
func NewScheduler(lanes int, prober Prober, events *publisher, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if lanes < 1 {
		lanes = DefaultLanes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		lanes:  lanes,
		prober: prober,
		events: events,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every given range and blocks until all lanes are done. It returns
// ctx.Err() when the scan was cancelled, nil otherwise. Probe failures never
// surface here.
func (s *Scheduler) Run(ctx context.Context, ranges ...*ScanRange) error {
	var g errgroup.Group
	for _, r := range ranges {
		for lane := 0; lane < s.lanes; lane++ {
			g.Go(func() error {
				s.runLane(ctx, r, lane)
				return nil
			})
		}
	}
	_ = g.Wait()
	return ctx.Err()
}

// runLane pulls addresses from r until it is exhausted or ctx is done.
func (s *Scheduler) runLane(ctx context.Context, r *ScanRange, lane int) {
	s.metrics.laneStarted()
	defer s.metrics.laneStopped()

	for ctx.Err() == nil {
		addr, ok := r.Next()
		if !ok {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		res := s.prober.Probe(ctx, addr)
		if ctx.Err() != nil {
			// The session is gone; nobody is listening for this result.
			return
		}
		s.metrics.observeProbe(res)

		if res.Outcome.Present() {
			s.handleFound(ctx, res)
		} else {
			s.logger.Debug("probe failed",
				zap.String("address", addr),
				zap.Int("lane", lane),
				zap.String("outcome", string(res.Outcome)),
				zap.Error(res.Err),
			)
		}

		completed, finished := r.MarkCompleted()
		s.events.progress(ctx, r, res, completed)
		if finished {
			s.logger.Info("range scan complete", zap.String("prefix", r.Prefix), zap.Int("total", r.Total()))
			s.events.rangeCompleted(ctx, r)
		}
	}
}

func (s *Scheduler) handleFound(ctx context.Context, res ProbeResult) {
	certSuspected := res.Outcome == OutcomeCertificateSuspected
	s.logger.Info("IoT box found",
		zap.String("address", res.Address),
		zap.Bool("certificate_suspected", certSuspected),
		zap.Duration("latency", res.Latency),
	)
	if s.tracker != nil {
		s.tracker.DeviceFound(res)
	}
	s.events.deviceFound(ctx, res)

	if s.connector == nil {
		return
	}
	target := res.Address
	if res.ConnectAddress != "" {
		target = res.ConnectAddress
	}
	conn := s.connector.Connect(ctx, target)
	conn.Address = res.Address
	s.metrics.observeConnection(conn)
	s.logger.Info("IoT box connect result",
		zap.String("address", conn.Address),
		zap.String("connect_address", target),
		zap.String("status", string(conn.Status)),
		zap.String("message", conn.Message),
	)
	if s.tracker != nil {
		s.tracker.DeviceConnected(conn)
	}
	s.events.deviceConnection(ctx, conn, certSuspected)
}
