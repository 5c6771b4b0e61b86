package mqttsink

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the MQTT forwarding settings (plugins.mqtt.* in the config
// file).
type Config struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// QueueSize bounds the events waiting to be published. Events past it
	// are dropped so the scanner never waits on the broker.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "iotscan",
		TopicPrefix:    "iotscan",
		QoS:            0,
		ConnectTimeout: 10 * time.Second,
		QueueSize:      1024,
	}
}

// Validate rejects settings the sink cannot run with.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if strings.ContainsAny(c.TopicPrefix, "+#") {
		return fmt.Errorf("topic_prefix must not contain wildcards: %q", c.TopicPrefix)
	}
	return nil
}

// MQTTTopic maps a bus topic such as "iot.device.found" onto the broker
// topic "<prefix>/iot/device/found".
func (c Config) MQTTTopic(busTopic string) string {
	t := strings.ReplaceAll(busTopic, ".", "/")
	prefix := strings.Trim(c.TopicPrefix, "/")
	if prefix == "" {
		return t
	}
	return prefix + "/" + t
}
