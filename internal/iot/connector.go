package iot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Status is the state reported for a box.
type Status string

const (
	StatusFound            Status = "found"
	StatusConnected        Status = "connected"
	StatusAlreadyConnected Status = "already_connected"
	StatusFailed           Status = "failed"
)

// Topic returns the event topic for a connection status.
func (s Status) Topic() string {
	switch s {
	case StatusConnected:
		return TopicDeviceConnected
	case StatusAlreadyConnected:
		return TopicDeviceAlreadyConnected
	case StatusFound:
		return TopicDeviceFound
	default:
		return TopicDeviceFailed
	}
}

// DeviceConnection is the result of claiming a box.
type DeviceConnection struct {
	Address string
	Status  Status
	Message string
}

// Connector claims a box that answered the hello probe.
type Connector interface {
	Connect(ctx context.Context, address string) DeviceConnection
}

// ImageConnector claims a box through its connect image: the box answers
// GET {connect path}?token=... with an image whose height encodes the result.
type ImageConnector struct {
	client        *http.Client
	path          string
	token         string
	successHeight int
	timeout       time.Duration
	logger        *zap.Logger
}

// NewImageConnector builds a connector from the scanner config.
func NewImageConnector(cfg Config, client *http.Client, logger *zap.Logger) *ImageConnector {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageConnector{
		client:        client,
		path:          cfg.ConnectPath,
		token:         cfg.ConnectToken,
		successHeight: cfg.ConnectSuccessHeight,
		timeout:       cfg.ConnectTimeout,
		logger:        logger,
	}
}

// Connect requests the connect image once. A height equal to the configured
// sentinel means the box accepted us; any other decodable image means another
// server already owns it. Anything else is a failure. No retries.
func (c *ImageConnector) Connect(ctx context.Context, address string) DeviceConnection {
	conn := DeviceConnection{Address: address}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := address + c.path + "?token=" + url.QueryEscape(c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		conn.Status = StatusFailed
		conn.Message = fmt.Sprintf("build request: %v", err)
		return conn
	}

	resp, err := c.client.Do(req)
	if err != nil {
		conn.Status = StatusFailed
		conn.Message = err.Error()
		return conn
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Status = StatusFailed
		conn.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return conn
	}

	img, err := decodeImageConfig(resp.Body)
	if err != nil {
		conn.Status = StatusFailed
		conn.Message = err.Error()
		return conn
	}

	c.logger.Debug("connect image received",
		zap.String("address", address),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
	)

	if img.Height == c.successHeight {
		conn.Status = StatusConnected
		conn.Message = "box connected"
	} else {
		conn.Status = StatusAlreadyConnected
		conn.Message = "box is already connected to another server"
	}
	return conn
}
