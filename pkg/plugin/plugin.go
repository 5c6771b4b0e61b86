// Package plugin defines the contracts shared between the IoTScan host and its
// modules: lifecycle, HTTP routes, the event bus, and storage migrations.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Route represents an HTTP route exposed by a plugin.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Plugin API versions understood by this host.
const (
	APIVersionMin     = 1
	APIVersionCurrent = 1
)

// PluginInfo describes a plugin for registration and the /plugins endpoint.
type PluginInfo struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string // names of plugins that must start first
	Required     bool     // a required plugin that fails to init aborts startup
	APIVersion   int
}

// Dependencies are handed to each plugin during Init.
type Dependencies struct {
	Config *viper.Viper
	Logger *zap.Logger
	Bus    EventBus
	Store  Store
}

// Plugin defines the interface that all IoTScan modules must implement.
type Plugin interface {
	// Info returns the plugin's identity (e.g., "iot", "mqtt").
	Info() PluginInfo

	// Init wires the plugin to its configuration, logger, bus, and store.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the plugin's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the plugin.
	Stop(ctx context.Context) error
}

// Event is a message published on the EventBus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler receives events delivered by the bus.
type EventHandler func(ctx context.Context, event Event)

// EventBus is an in-process publish/subscribe channel.
type EventBus interface {
	// Publish delivers the event synchronously to every matching handler.
	Publish(ctx context.Context, event Event) error

	// PublishAsync delivers the event on a separate goroutine.
	PublishAsync(ctx context.Context, event Event)

	// Subscribe registers a handler for one topic and returns an unsubscribe func.
	Subscribe(topic string, handler EventHandler) func()

	// SubscribeAll registers a handler for every topic.
	SubscribeAll(handler EventHandler) func()
}

// Migration is a single schema change owned by a plugin.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store gives plugins access to the shared database.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, pluginName string, migrations []Migration) error
	Close() error
}
