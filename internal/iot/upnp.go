package iot

import (
	"context"
	"fmt"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/ssdp"
	"go.uber.org/zap"
)

// UPnPSource searches for UPnP root devices. Both the local address the
// answer arrived on and the device's own host are candidates; home routers
// answer almost everywhere, so this finds the LAN even without interfaces.
type UPnPSource struct {
	searchTarget string
	discover     func(ctx context.Context, searchTarget string) ([]goupnp.MaybeRootDevice, error)
	logger       *zap.Logger
}

// NewUPnPSource searches for upnp:rootdevice.
func NewUPnPSource(logger *zap.Logger) *UPnPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UPnPSource{
		searchTarget: ssdp.UPNPRootDevice,
		discover:     goupnp.DiscoverDevicesCtx,
		logger:       logger,
	}
}

func (s *UPnPSource) Name() string { return "upnp" }

func (s *UPnPSource) Candidates(ctx context.Context) ([]string, error) {
	devices, err := s.discover(ctx, s.searchTarget)
	if err != nil {
		return nil, fmt.Errorf("upnp discovery: %w", err)
	}

	var out []string
	for _, d := range devices {
		if d.LocalAddr != nil {
			out = append(out, d.LocalAddr.String())
		}
		if d.Location != nil {
			out = append(out, d.Location.Hostname())
		}
		if d.Err != nil {
			s.logger.Debug("upnp device description unavailable",
				zap.String("usn", d.USN),
				zap.Error(d.Err),
			)
		}
	}
	return out, nil
}
