package mqttsink

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher sends one payload to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
	Close()
}

// Dialer opens a Publisher for cfg.
type Dialer func(ctx context.Context, cfg Config, logger *zap.Logger) (Publisher, error)

// pahoPublisher adapts a paho client to Publisher.
type pahoPublisher struct {
	client mqtt.Client
	qos    byte
	retain bool
}

// DialPaho connects to cfg.Broker with the paho client. Reconnects are left
// to paho.
func DialPaho(ctx context.Context, cfg Config, logger *zap.Logger) (Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return &pahoPublisher{client: client, qos: byte(cfg.QoS), retain: cfg.Retain}, nil
}

func (p *pahoPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return wait(ctx, p.client.Publish(topic, p.qos, p.retain, payload), 0)
}

func (p *pahoPublisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

// wait blocks until tok completes, ctx ends or timeout (when positive)
// elapses.
func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("timed out after %v", timeout)
	}
}
