//go:build !windows

package iot

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// MDNSSource asks the local network for mDNS service announcements. The
// responders' addresses are candidates: a box or a neighbour answering on
// a LAN reveals that LAN's /24.
type MDNSSource struct {
	services []string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewMDNSSource creates a source that queries each service type for up to
// timeout.
func NewMDNSSource(services []string, timeout time.Duration, logger *zap.Logger) *MDNSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSSource{services: services, timeout: timeout, logger: logger}
}

func (s *MDNSSource) Name() string { return "mdns" }

// Candidates queries every configured service type in turn.
func (s *MDNSSource) Candidates(ctx context.Context) ([]string, error) {
	var out []string
	for _, svc := range s.services {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.queryService(ctx, svc)...)
	}
	s.logger.Debug("mDNS candidates gathered", zap.Int("count", len(out)))
	return out, nil
}

// queryService runs one mDNS query and collects responder addresses.
func (s *MDNSSource) queryService(ctx context.Context, service string) []string {
	entries := make(chan *mdns.ServiceEntry, 16)

	var addrs []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if ip := entryIP(entry); ip != "" {
				addrs = append(addrs, ip)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = s.queryTimeout(ctx)
	params.Entries = entries
	params.DisableIPv6 = true

	if err := mdns.Query(params); err != nil {
		s.logger.Debug("mDNS query failed",
			zap.String("service", service),
			zap.Error(err),
		)
	}
	close(entries)
	wg.Wait()

	return addrs
}

// queryTimeout shrinks the configured timeout to what is left of ctx.
func (s *MDNSSource) queryTimeout(ctx context.Context) time.Duration {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return timeout
}

// entryIP returns the best IPv4 address from a service entry.
func entryIP(entry *mdns.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		return entry.AddrV4.String()
	}
	if entry.Addr != nil && !entry.Addr.IsUnspecified() {
		return entry.Addr.String()
	}
	return ""
}
