package iot

import (
	"fmt"
	"time"
)

// DefaultLanes is the number of concurrent probe lanes per range.
const DefaultLanes = 6

// Config holds the IoT scanner settings (plugins.iot.* in the config file).
type Config struct {
	Lanes        int           `mapstructure:"lanes"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// Scheme is the protocol used to reach boxes, "http" or "https".
	Scheme string `mapstructure:"scheme"`
	// PlainPort is appended to plain-http addresses and used by the https
	// fallback check. 0 or 80 means no explicit port.
	PlainPort int `mapstructure:"plain_port"`

	HelloPath        string `mapstructure:"hello_path"`
	ControlImagePath string `mapstructure:"control_image_path"`

	ConnectPath          string        `mapstructure:"connect_path"`
	ConnectToken         string        `mapstructure:"connect_token"`
	ConnectSuccessHeight int           `mapstructure:"connect_success_height"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`

	// RateLimit caps probes per second across a session. 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	Ranges      []string        `mapstructure:"ranges"`
	ScanOnStart bool            `mapstructure:"scan_on_start"`
	Discovery   DiscoveryConfig `mapstructure:"discovery"`
}

// DiscoveryConfig selects the candidate sources used to seed ranges.
type DiscoveryConfig struct {
	Interfaces   bool          `mapstructure:"interfaces"`
	MDNS         bool          `mapstructure:"mdns"`
	UPnP         bool          `mapstructure:"upnp"`
	MDNSServices []string      `mapstructure:"mdns_services"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Interface restricts the interfaces source to one interface. A value
	// saved over the API takes precedence.
	Interface string `mapstructure:"interface"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Lanes:                DefaultLanes,
		ProbeTimeout:         400 * time.Millisecond,
		Scheme:               "http",
		PlainPort:            8069,
		HelloPath:            "/hw_proxy/hello",
		ControlImagePath:     "/web/static/img/logo.png",
		ConnectPath:          "/hw_drivers/box/connect",
		ConnectSuccessHeight: 10,
		ConnectTimeout:       5 * time.Second,
		RateBurst:            DefaultLanes,
		Discovery: DiscoveryConfig{
			Interfaces:   true,
			MDNSServices: []string{"_http._tcp", "_iot-box._tcp"},
			Timeout:      3 * time.Second,
		},
	}
}

// Validate rejects settings the scanner cannot run with.
func (c Config) Validate() error {
	if c.Lanes < 1 {
		return fmt.Errorf("lanes must be at least 1, got %d", c.Lanes)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %v", c.ProbeTimeout)
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", c.Scheme)
	}
	if c.PlainPort < 0 || c.PlainPort > 65535 {
		return fmt.Errorf("plain_port out of range: %d", c.PlainPort)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit)
	}
	for _, p := range c.Ranges {
		if _, err := ParsePrefix(p); err != nil {
			return err
		}
	}
	return nil
}

// addressFormat derives the address layout from the config.
func (c Config) addressFormat() AddressFormat {
	return AddressFormat{Scheme: c.Scheme, PlainPort: c.PlainPort}
}
