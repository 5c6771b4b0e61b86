package iot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by a candidate source that cannot run on this
// host. Discovery skips such sources silently.
var ErrUnsupported = errors.New("candidate source not supported on this host")

// FallbackPrefixes are registered when discovery ran but found nothing.
var FallbackPrefixes = []string{"192.168.0.", "192.168.1.", "10.0.0."}

// candidatePattern matches dotted quads and full-form IPv6 addresses inside
// arbitrary candidate text.
var candidatePattern = regexp.MustCompile(`([0-9]{1,3}(\.[0-9]{1,3}){3}|[a-f0-9]{1,4}(:[a-f0-9]{1,4}){7})`)

// maxIPv4Len is one past the longest dotted quad ("255.255.255.255").
// Longer matches are IPv6 and cannot seed a /24.
const maxIPv4Len = 16

// CandidateSource yields raw text in which local addresses can be found:
// interface addresses, responder addresses, location URLs.
type CandidateSource interface {
	Name() string
	Candidates(ctx context.Context) ([]string, error)
}

// Discoverer seeds a registry with the /24 ranges the host can see.
type Discoverer struct {
	sources []CandidateSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewDiscoverer creates a discoverer over sources. timeout bounds each
// source; 0 means no bound beyond ctx.
func NewDiscoverer(sources []CandidateSource, timeout time.Duration, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{sources: sources, timeout: timeout, logger: logger}
}

// Discover gathers candidates from every source and registers one range per
// distinct IPv4 /24. If at least one source ran and no prefix came out of
// it, FallbackPrefixes are registered instead. If no source could run,
// nothing is registered. It returns the prefixes it created.
func (d *Discoverer) Discover(ctx context.Context, reg *Registry) []string {
	var (
		ran     int
		seen    = make(map[string]struct{})
		created []string
	)

	for _, src := range d.sources {
		if ctx.Err() != nil {
			break
		}
		cands, err := d.gather(ctx, src)
		if errors.Is(err, ErrUnsupported) {
			d.logger.Debug("candidate source unsupported", zap.String("source", src.Name()))
			continue
		}
		ran++
		if err != nil {
			d.logger.Warn("candidate source failed", zap.String("source", src.Name()), zap.Error(err))
		}

		for _, ip := range harvestIPv4(cands) {
			prefix, err := PrefixFromIP(ip)
			if err != nil {
				continue
			}
			seen[prefix] = struct{}{}
			if !reg.markSeen(ip) {
				continue
			}
			if _, ok := reg.AddRange(ctx, prefix); ok {
				d.logger.Info("range discovered",
					zap.String("source", src.Name()),
					zap.String("address", ip),
					zap.String("prefix", prefix),
				)
				created = append(created, prefix)
			}
		}
	}

	if ran > 0 && len(seen) == 0 && ctx.Err() == nil {
		d.logger.Info("no local ranges discovered, using fallback ranges",
			zap.Strings("prefixes", FallbackPrefixes),
		)
		for _, p := range FallbackPrefixes {
			if _, ok := reg.AddRange(ctx, p); ok {
				created = append(created, p)
			}
		}
	}
	return created
}

func (d *Discoverer) gather(ctx context.Context, src CandidateSource) ([]string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return src.Candidates(ctx)
}

// harvestIPv4 extracts usable IPv4 host addresses from candidate text, in
// order of first appearance. IPv6, loopback, link-local and unspecified
// addresses are dropped.
func harvestIPv4(cands []string) []string {
	var out []string
	for _, c := range cands {
		for _, m := range candidatePattern.FindAllString(c, -1) {
			if len(m) >= maxIPv4Len {
				continue
			}
			ip := net.ParseIP(m)
			if ip == nil || ip.To4() == nil {
				continue
			}
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				continue
			}
			out = append(out, ip.To4().String())
		}
	}
	return out
}

// InterfaceSource reports the host's own interface addresses.
type InterfaceSource struct {
	// selected returns the interface to restrict to, "" for all of them.
	selected func() string
	// addrs is swapped in tests.
	addrs func(name string) ([]net.Addr, error)
}

// NewInterfaceSource reads addresses from every interface that is up, or
// only from the one selected returns when that is non-empty. selected may
// be nil.
func NewInterfaceSource(selected func() string) *InterfaceSource {
	return &InterfaceSource{selected: selected, addrs: upInterfaceAddrs}
}

func (s *InterfaceSource) Name() string { return "interfaces" }

func (s *InterfaceSource) Candidates(_ context.Context) ([]string, error) {
	var name string
	if s.selected != nil {
		name = s.selected()
	}
	addrs, err := s.addrs(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out, nil
}

func upInterfaceAddrs(name string) ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, ErrUnsupported
	}
	var (
		out   []net.Addr
		found bool
	)
	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}
		found = true
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	if name != "" && !found {
		return nil, fmt.Errorf("interface %q not found", name)
	}
	return out, nil
}
