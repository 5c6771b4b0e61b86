// Package iot finds IoT boxes on the local network: it probes every address
// of one or more /24 ranges for the box hello endpoint and claims each box
// that answers.
package iot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

const (
	settingsTimeout = 2 * time.Second
	recordTimeout   = 5 * time.Second
	// recordQueue is how many device events may wait for the history writer.
	recordQueue = 256
)

// ErrScanRunning is returned when a scan is requested while one is running.
var ErrScanRunning = errors.New("scan already running")

// ScanRequest selects what a scan covers. Discovery also runs when no
// ranges are given or configured.
type ScanRequest struct {
	Ranges   []string `json:"ranges"`
	Discover bool     `json:"discover"`
}

// Module is the "iot" plugin. It owns the current scan session and exposes
// it over HTTP.
type Module struct {
	logger     *zap.Logger
	cfg        Config
	bus        plugin.EventBus
	store      *DeviceStore
	settings   *SettingsStore
	metrics    *Metrics
	registerer prometheus.Registerer
	client     *http.Client
	sources    []CandidateSource // nil means build from config
	interfaces func() ([]NetworkInterface, error)

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	unsub     []func()

	recordMu sync.RWMutex // guards closing records
	records  chan DeviceEvent
	recordWG sync.WaitGroup

	mu      sync.Mutex
	session *Session
	busy    *Session // session whose scan goroutine is running
	lastErr error
}

// Option customizes a Module.
type Option func(*Module)

// WithRegisterer registers the scanner metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Module) { m.registerer = reg }
}

// WithHTTPClient sets the client used for probes and connect requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Module) { m.client = c }
}

// WithSources replaces the discovery sources built from config.
func WithSources(sources ...CandidateSource) Option {
	return func(m *Module) { m.sources = sources }
}

// New creates the iot plugin.
func New(opts ...Option) *Module {
	m := &Module{cfg: DefaultConfig(), interfaces: ListNetworkInterfaces}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "iot",
		Version:     "0.1.0",
		Description: "Local-network IoT box discovery and pairing",
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// Init reads plugins.iot.*, opens the device history and builds the first
// session.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus

	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal iot config: %w", err)
		}
	}

	if deps.Store != nil {
		ds, err := NewDeviceStore(ctx, deps.Store)
		if err != nil {
			return err
		}
		m.store = ds

		ss, err := NewSettingsStore(ctx, deps.Store)
		if err != nil {
			return err
		}
		m.settings = ss
	}

	m.metrics = NewMetrics(m.registerer)
	m.session = NewSession(m.deps())

	m.logger.Info("iot module initialized",
		zap.Int("lanes", m.cfg.Lanes),
		zap.Duration("probe_timeout", m.cfg.ProbeTimeout),
		zap.String("scheme", m.cfg.Scheme),
		zap.Bool("history", m.store != nil),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

// Start records device events into the history and, when configured, starts
// a first scan.
func (m *Module) Start(_ context.Context) error {
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	if m.store != nil && m.bus != nil {
		m.records = make(chan DeviceEvent, recordQueue)
		m.recordWG.Add(1)
		go m.recordLoop(m.records)

		for _, topic := range []string{
			TopicDeviceFound,
			TopicDeviceConnected,
			TopicDeviceAlreadyConnected,
			TopicDeviceFailed,
		} {
			m.unsub = append(m.unsub, m.bus.Subscribe(topic, m.handleDeviceEvent))
		}
	}

	if m.cfg.ScanOnStart {
		if _, err := m.StartScan(ScanRequest{}); err != nil {
			return fmt.Errorf("scan on start: %w", err)
		}
	}

	m.logger.Info("iot module started")
	return nil
}

// Stop cancels any running scan and waits for its lanes.
func (m *Module) Stop(_ context.Context) error {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Lock()
	if m.session != nil {
		m.session.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()

	for _, u := range m.unsub {
		u()
	}
	m.unsub = nil

	m.recordMu.Lock()
	if m.records != nil {
		close(m.records)
		m.records = nil
	}
	m.recordMu.Unlock()
	m.recordWG.Wait()
	m.logger.Info("iot module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := plugin.HealthStatus{Status: "healthy", Details: map[string]string{}}
	if m.session != nil {
		status.Details["session_id"] = m.session.ID()
		status.Details["ranges"] = fmt.Sprint(m.session.Registry().Len())
	}
	status.Details["scanning"] = fmt.Sprint(m.busy != nil)
	if m.store == nil {
		status.Status = "degraded"
		status.Message = "device history disabled"
	}
	if m.lastErr != nil {
		status.Details["last_error"] = m.lastErr.Error()
	}
	return status
}

// Session returns the current session.
func (m *Module) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Devices returns the device history. It is nil when no store is configured.
func (m *Module) Devices() *DeviceStore { return m.store }

// scanInterface returns the interface discovery is restricted to: the saved
// setting when there is one, else the configured value.
func (m *Module) scanInterface() string {
	if m.settings != nil {
		ctx, cancel := context.WithTimeout(context.Background(), settingsTimeout)
		defer cancel()
		st, err := m.settings.Get(ctx, SettingScanInterface)
		switch {
		case err == nil:
			return st.Value
		case !errors.Is(err, ErrSettingNotFound):
			m.logger.Warn("failed to read scan interface setting", zap.Error(err))
		}
	}
	return m.cfg.Discovery.Interface
}

// StartScan replaces the current session with a fresh one covering req and
// the configured ranges, and scans it in the background.
func (m *Module) StartScan(req ScanRequest) (*Session, error) {
	prefixes := make([]string, 0, len(m.cfg.Ranges)+len(req.Ranges))
	for _, raw := range append(append([]string{}, m.cfg.Ranges...), req.Ranges...) {
		p, err := ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	discover := req.Discover || len(prefixes) == 0

	m.mu.Lock()
	if m.busy != nil {
		m.mu.Unlock()
		return nil, ErrScanRunning
	}
	if m.runCtx == nil {
		m.mu.Unlock()
		return nil, errors.New("iot module not started")
	}
	prev := m.session
	sess := prev.next()
	m.session = sess
	m.busy = sess
	m.lastErr = nil
	m.wg.Add(1)
	m.mu.Unlock()

	// Bus handlers may call back into the module, so publish unlocked.
	prev.clear()
	for _, p := range prefixes {
		sess.Registry().AddRange(m.runCtx, p)
	}
	go m.runScan(sess, discover)
	return sess, nil
}

func (m *Module) runScan(sess *Session, discover bool) {
	defer m.wg.Done()

	if discover {
		created := sess.Discover(m.runCtx)
		m.logger.Info("discovery finished", zap.Strings("prefixes", created))
	}
	err := sess.Scan(m.runCtx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy == sess {
		m.busy = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			m.lastErr = err
		}
	}
}

// ResetSession cancels the current scan and installs an empty session.
func (m *Module) ResetSession() *Session {
	m.mu.Lock()
	prev := m.session
	sess := prev.next()
	m.session = sess
	m.busy = nil
	m.mu.Unlock()

	prev.clear()
	return sess
}

// Scanning reports whether a scan goroutine is active.
func (m *Module) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy != nil
}

// handleDeviceEvent queues a device event for the history writer. It runs on
// the publishing lane and never waits for the database.
func (m *Module) handleDeviceEvent(_ context.Context, event plugin.Event) {
	de, ok := event.Payload.(DeviceEvent)
	if !ok {
		m.logger.Warn("unexpected payload type for device event", zap.String("topic", event.Topic))
		return
	}

	m.recordMu.RLock()
	defer m.recordMu.RUnlock()
	if m.records == nil {
		return
	}
	select {
	case m.records <- de:
	default:
		m.logger.Warn("device history queue full, dropping event",
			zap.String("address", de.Address),
			zap.String("status", string(de.Status)),
		)
	}
}

// recordLoop writes queued device events in order. Writes are detached from
// the scan, so a reset does not lose them.
func (m *Module) recordLoop(events <-chan DeviceEvent) {
	defer m.recordWG.Done()
	for de := range events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := m.store.Record(ctx, de)
		cancel()
		if err != nil {
			m.logger.Warn("failed to record device",
				zap.String("address", de.Address),
				zap.Error(err),
			)
		}
	}
}

// deps builds session dependencies from the module config.
func (m *Module) deps() Deps {
	sources := m.sources
	if sources == nil {
		sources = DefaultSources(m.cfg.Discovery, m.scanInterface, m.logger)
	}
	return Deps{
		Config:    m.cfg,
		Prober:    NewHTTPProber(m.cfg, m.client),
		Connector: NewImageConnector(m.cfg, m.client, m.logger.Named("connector")),
		Sources:   sources,
		Bus:       m.bus,
		Metrics:   m.metrics,
		Logger:    m.logger,
	}
}

// DefaultSources builds the candidate sources enabled in cfg. selected picks
// the interface to restrict discovery to; nil means cfg.Interface.
func DefaultSources(cfg DiscoveryConfig, selected func() string, logger *zap.Logger) []CandidateSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if selected == nil {
		selected = func() string { return cfg.Interface }
	}
	var sources []CandidateSource
	if cfg.Interfaces {
		sources = append(sources, NewInterfaceSource(selected))
	}
	if cfg.MDNS {
		sources = append(sources, NewMDNSSource(cfg.MDNSServices, cfg.Timeout, logger.Named("mdns")))
	}
	if cfg.UPnP {
		sources = append(sources, NewUPnPSource(logger.Named("upnp")))
	}
	return sources
}
