package iot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// AddressesPerRange is the number of candidates in a /24 range (octets 0-255).
const AddressesPerRange = 256

// ErrInvalidPrefix is returned for range prefixes that are not a dotted /24.
var ErrInvalidPrefix = errors.New("invalid range prefix")

// AddressFormat controls how a prefix and octet become a base URL.
type AddressFormat struct {
	Scheme    string
	PlainPort int
}

// Address builds the base URL for host. The port is only appended for plain
// http, and only when it is not the protocol default.
func (f AddressFormat) Address(host string) string {
	scheme := f.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if scheme == "http" && f.PlainPort != 0 && f.PlainPort != 80 {
		return scheme + "://" + host + ":" + strconv.Itoa(f.PlainPort)
	}
	return scheme + "://" + host
}

// ScanRange is one /24 block under scan. Prefix and Addresses never change
// after creation; the cursor and completion counter are shared by all lanes.
type ScanRange struct {
	Prefix    string
	Addresses []string

	cursor    atomic.Int64
	completed atomic.Int64
}

func newScanRange(prefix string, format AddressFormat) *ScanRange {
	r := &ScanRange{
		Prefix:    prefix,
		Addresses: make([]string, AddressesPerRange),
	}
	for i := 0; i < AddressesPerRange; i++ {
		r.Addresses[i] = format.Address(prefix + strconv.Itoa(i))
	}
	return r
}

// Total is the number of candidate addresses.
func (r *ScanRange) Total() int { return len(r.Addresses) }

// Cursor is the index of the next address to hand out. It never exceeds Total.
func (r *ScanRange) Cursor() int { return int(r.cursor.Load()) }

// Completed is the number of probes that have returned for this range.
func (r *ScanRange) Completed() int { return int(r.completed.Load()) }

// Next hands out the next unprobed address. Each address is returned to
// exactly one caller, however many goroutines call Next concurrently.
func (r *ScanRange) Next() (string, bool) {
	total := int64(len(r.Addresses))
	for {
		cur := r.cursor.Load()
		if cur >= total {
			return "", false
		}
		if r.cursor.CompareAndSwap(cur, cur+1) {
			return r.Addresses[cur], true
		}
	}
}

// MarkCompleted records a returned probe. finished is true for exactly one
// call: the one that brings Completed to Total.
func (r *ScanRange) MarkCompleted() (completed int, finished bool) {
	n := r.completed.Add(1)
	return int(n), n == int64(len(r.Addresses))
}

// RangeSnapshot is a point-in-time view of a range's progress.
type RangeSnapshot struct {
	Prefix    string `json:"prefix" yaml:"prefix"`
	Total     int    `json:"total" yaml:"total"`
	Cursor    int    `json:"cursor" yaml:"cursor"`
	Completed int    `json:"completed" yaml:"completed"`
}

// Snapshot returns the range's current progress.
func (r *ScanRange) Snapshot() RangeSnapshot {
	return RangeSnapshot{
		Prefix:    r.Prefix,
		Total:     r.Total(),
		Cursor:    r.Cursor(),
		Completed: r.Completed(),
	}
}

// Registry tracks the distinct prefixes of one scan session.
type Registry struct {
	format  AddressFormat
	events  *publisher
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	ranges   []*ScanRange
	byPrefix map[string]*ScanRange
	seenIPs  map[string]struct{}
}

// NewRegistry creates an empty registry. events and metrics may be nil.
func NewRegistry(format AddressFormat, events *publisher, metrics *Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		format:   format,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		byPrefix: make(map[string]*ScanRange),
		seenIPs:  make(map[string]struct{}),
	}
}

// AddRange registers prefix. Prefixes are compared as exact strings; a known
// prefix returns the existing range untouched and created=false.
func (g *Registry) AddRange(ctx context.Context, prefix string) (r *ScanRange, created bool) {
	g.mu.Lock()
	if existing, ok := g.byPrefix[prefix]; ok {
		g.mu.Unlock()
		return existing, false
	}
	r = newScanRange(prefix, g.format)
	g.byPrefix[prefix] = r
	g.ranges = append(g.ranges, r)
	g.mu.Unlock()

	g.logger.Debug("range added", zap.String("prefix", prefix))
	g.metrics.rangeAdded()
	g.events.rangeAdded(ctx, r)
	return r, true
}

// Get returns the range registered for prefix.
func (g *Registry) Get(prefix string) (*ScanRange, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.byPrefix[prefix]
	return r, ok
}

// Ranges returns the registered ranges in registration order.
func (g *Registry) Ranges() []*ScanRange {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ScanRange, len(g.ranges))
	copy(out, g.ranges)
	return out
}

// Len returns the number of registered ranges.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ranges)
}

// Reset drops every range and the memo of local addresses already seen.
func (g *Registry) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ranges = nil
	g.byPrefix = make(map[string]*ScanRange)
	g.seenIPs = make(map[string]struct{})
}

// markSeen records a discovered local address and reports whether it is new.
func (g *Registry) markSeen(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seenIPs[ip]; ok {
		return false
	}
	g.seenIPs[ip] = struct{}{}
	return true
}

// PrefixFromIP returns the /24 prefix ("a.b.c.") of a dotted-quad address.
func PrefixFromIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil || strings.Contains(ip, ":") {
		return "", fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidPrefix, ip)
	}
	return ip[:strings.LastIndex(ip, ".")+1], nil
}

// ParsePrefix normalizes user input to the "a.b.c." form. It accepts
// "10.0.0.", "10.0.0" and "10.0.0.0/24".
func ParsePrefix(s string) (string, error) {
	s = strings.TrimSpace(s)
	if base, bits, ok := strings.Cut(s, "/"); ok {
		if bits != "24" {
			return "", fmt.Errorf("%w: %q: only /24 ranges are supported", ErrInvalidPrefix, s)
		}
		return PrefixFromIP(base)
	}
	s = strings.TrimSuffix(s, ".")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, s)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || strconv.Itoa(n) != p {
			return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, s)
		}
	}
	return s + ".", nil
}
