package iot

import (
	"context"
	"time"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Event topics published by the IoT scanner.
const (
	TopicRangeAdded             = "iot.range.added"
	TopicRangeProgress          = "iot.range.progress"
	TopicRangeCompleted         = "iot.range.completed"
	TopicDeviceFound            = "iot.device.found"
	TopicDeviceConnected        = "iot.device.connected"
	TopicDeviceAlreadyConnected = "iot.device.already_connected"
	TopicDeviceFailed           = "iot.device.failed"
	TopicProgressCleared        = "iot.progress.cleared"
)

// eventSource is the Source field of every event this package publishes.
const eventSource = "iot"

// RangeInfo is the payload for range lifecycle topics and TopicProgressCleared.
type RangeInfo struct {
	SessionID string `json:"session_id"`
	Prefix    string `json:"prefix,omitempty"`
	Total     int    `json:"total,omitempty"`
}

// ProgressEvent is the payload for TopicRangeProgress, published once per
// returned probe.
type ProgressEvent struct {
	SessionID string  `json:"session_id"`
	Prefix    string  `json:"prefix"`
	Address   string  `json:"address"`
	Outcome   Outcome `json:"outcome"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
}

// DeviceEvent is the payload for the TopicDevice* topics.
type DeviceEvent struct {
	SessionID            string `json:"session_id"`
	Address              string `json:"address"`
	Status               Status `json:"status"`
	CertificateSuspected bool   `json:"certificate_suspected,omitempty"`
	Message              string `json:"message,omitempty"`
}

// publisher stamps and publishes events for one session. A nil bus drops
// everything.
type publisher struct {
	bus       plugin.EventBus
	sessionID string
	now       func() time.Time
}

func newPublisher(bus plugin.EventBus, sessionID string) *publisher {
	return &publisher{bus: bus, sessionID: sessionID, now: time.Now}
}

// publish delivers synchronously so that per-lane event order is preserved.
func (p *publisher) publish(ctx context.Context, topic string, payload any) {
	if p == nil || p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    eventSource,
		Timestamp: p.now(),
		Payload:   payload,
	})
}

func (p *publisher) rangeAdded(ctx context.Context, r *ScanRange) {
	p.publish(ctx, TopicRangeAdded, RangeInfo{SessionID: p.sessionID, Prefix: r.Prefix, Total: r.Total()})
}

func (p *publisher) rangeCompleted(ctx context.Context, r *ScanRange) {
	p.publish(ctx, TopicRangeCompleted, RangeInfo{SessionID: p.sessionID, Prefix: r.Prefix, Total: r.Total()})
}

func (p *publisher) progress(ctx context.Context, r *ScanRange, res ProbeResult, completed int) {
	p.publish(ctx, TopicRangeProgress, ProgressEvent{
		SessionID: p.sessionID,
		Prefix:    r.Prefix,
		Address:   res.Address,
		Outcome:   res.Outcome,
		Completed: completed,
		Total:     r.Total(),
	})
}

func (p *publisher) deviceFound(ctx context.Context, res ProbeResult) {
	p.publish(ctx, TopicDeviceFound, DeviceEvent{
		SessionID:            p.sessionID,
		Address:              res.Address,
		Status:               StatusFound,
		CertificateSuspected: res.Outcome == OutcomeCertificateSuspected,
	})
}

func (p *publisher) deviceConnection(ctx context.Context, conn DeviceConnection, certSuspected bool) {
	p.publish(ctx, conn.Status.Topic(), DeviceEvent{
		SessionID:            p.sessionID,
		Address:              conn.Address,
		Status:               conn.Status,
		CertificateSuspected: certSuspected,
		Message:              conn.Message,
	})
}

func (p *publisher) progressCleared(ctx context.Context) {
	p.publish(ctx, TopicProgressCleared, RangeInfo{SessionID: p.sessionID})
}
