//go:build windows

package iot

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MDNSSource is a stub on Windows where multicast DNS is not reliably
// supported. Discovery skips it.
type MDNSSource struct{}

// NewMDNSSource returns the Windows stub.
func NewMDNSSource(_ []string, _ time.Duration, _ *zap.Logger) *MDNSSource {
	return &MDNSSource{}
}

func (s *MDNSSource) Name() string { return "mdns" }

func (s *MDNSSource) Candidates(context.Context) ([]string, error) {
	return nil, ErrUnsupported
}
