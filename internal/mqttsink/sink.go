// Package mqttsink forwards scanner events to an MQTT broker so home
// automation systems can react to discovered boxes.
package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Sink)(nil)
	_ plugin.HealthChecker = (*Sink)(nil)
	_ plugin.Validator     = (*Sink)(nil)
)

// forwardedPrefix selects the bus topics that are forwarded.
const forwardedPrefix = "iot."

const publishTimeout = 5 * time.Second

// message is the JSON body published for every forwarded event.
type message struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type outbound struct {
	topic   string
	payload []byte
}

// Sink is the "mqtt" plugin.
type Sink struct {
	logger *zap.Logger
	cfg    Config
	bus    plugin.EventBus
	dial   Dialer

	pub   Publisher
	queue chan outbound
	unsub func()

	cancel context.CancelFunc
	wg     sync.WaitGroup

	forwarded atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// Option customizes a Sink.
type Option func(*Sink)

// WithDialer replaces the paho dialer.
func WithDialer(d Dialer) Option {
	return func(s *Sink) { s.dial = d }
}

// New creates the mqtt plugin.
func New(opts ...Option) *Sink {
	s := &Sink{cfg: DefaultConfig(), dial: DialPaho}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "mqtt",
		Version:      "0.1.0",
		Description:  "Forwards scanner events to an MQTT broker",
		Dependencies: []string{"iot"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (s *Sink) Init(_ context.Context, deps plugin.Dependencies) error {
	s.logger = deps.Logger
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.bus = deps.Bus

	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&s.cfg); err != nil {
			return fmt.Errorf("unmarshal mqtt config: %w", err)
		}
	}
	if s.bus == nil {
		return fmt.Errorf("mqtt sink requires an event bus")
	}
	s.logger.Info("mqtt sink initialized",
		zap.String("broker", s.cfg.Broker),
		zap.String("topic_prefix", s.cfg.TopicPrefix),
		zap.Int("qos", s.cfg.QoS),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (s *Sink) ValidateConfig() error {
	return s.cfg.Validate()
}

// Start connects to the broker and begins forwarding.
func (s *Sink) Start(ctx context.Context) error {
	pub, err := s.dial(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.pub = pub
	s.queue = make(chan outbound, s.cfg.QueueSize)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.drain(runCtx)

	s.unsub = s.bus.SubscribeAll(s.handleEvent)
	s.logger.Info("mqtt sink started")
	return nil
}

// Stop stops forwarding and disconnects. Queued events are discarded.
func (s *Sink) Stop(_ context.Context) error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.pub != nil {
		s.pub.Close()
	}
	s.logger.Info("mqtt sink stopped",
		zap.Int64("forwarded", s.forwarded.Load()),
		zap.Int64("dropped", s.dropped.Load()),
		zap.Int64("failed", s.failed.Load()),
	)
	return nil
}

// Health implements plugin.HealthChecker.
func (s *Sink) Health(_ context.Context) plugin.HealthStatus {
	status := plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"broker":    s.cfg.Broker,
			"forwarded": fmt.Sprint(s.forwarded.Load()),
			"dropped":   fmt.Sprint(s.dropped.Load()),
			"failed":    fmt.Sprint(s.failed.Load()),
		},
	}
	if s.pub == nil || !s.pub.Connected() {
		status.Status = "unhealthy"
		status.Message = "not connected to broker"
	}
	return status
}

// handleEvent runs on the publisher's goroutine and must not block.
func (s *Sink) handleEvent(_ context.Context, event plugin.Event) {
	if !strings.HasPrefix(event.Topic, forwardedPrefix) {
		return
	}
	payload, err := json.Marshal(message{
		Topic:     event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("failed to encode event", zap.String("topic", event.Topic), zap.Error(err))
		return
	}

	select {
	case s.queue <- outbound{topic: s.cfg.MQTTTopic(event.Topic), payload: payload}:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("mqtt queue full, dropping events", zap.Int("queue_size", s.cfg.QueueSize))
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := s.pub.Publish(pctx, msg.topic, msg.payload)
			cancel()
			if err != nil {
				s.failed.Add(1)
				s.logger.Debug("mqtt publish failed", zap.String("topic", msg.topic), zap.Error(err))
				continue
			}
			s.forwarded.Add(1)
		}
	}
}
