// Package registry owns the lifecycle of IoTScan plugins: registration,
// dependency ordering, init, start and stop.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	order    []string // registration order until Validate, then dependency order
	disabled map[string]string
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		disabled: make(map[string]string),
		logger:   logger,
	}
}

// Register adds a plugin. Names must be unique and non-empty.
func (r *Registry) Register(p plugin.Plugin) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}
	r.plugins[info.Name] = p
	r.order = append(r.order, info.Name)
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
	)
	return nil
}

// Validate checks API versions and dependencies, disables optional plugins
// that cannot run (and everything depending on them), and sorts the rest so
// dependencies come first. Problems with required plugins are errors.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		info := r.plugins[name].Info()
		if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
			reason := fmt.Sprintf("unsupported API version %d (supported %d-%d)",
				info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
			if info.Required {
				return fmt.Errorf("plugin %q: %s", name, reason)
			}
			r.disableLocked(name, reason)
		}
	}

	for _, name := range r.order {
		info := r.plugins[name].Info()
		for _, dep := range info.Dependencies {
			if _, ok := r.plugins[dep]; ok {
				continue
			}
			reason := fmt.Sprintf("missing dependency %q", dep)
			if info.Required {
				return fmt.Errorf("plugin %q: %s", name, reason)
			}
			r.disableLocked(name, reason)
		}
	}

	sorted, err := r.topoSortLocked()
	if err != nil {
		return err
	}
	r.order = sorted

	// Cascade: dependencies precede dependents, so one pass suffices.
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		info := r.plugins[name].Info()
		for _, dep := range info.Dependencies {
			if _, off := r.disabled[dep]; !off {
				continue
			}
			reason := fmt.Sprintf("dependency %q is disabled", dep)
			if info.Required {
				return fmt.Errorf("plugin %q: %s", name, reason)
			}
			r.disableLocked(name, reason)
			break
		}
	}
	return nil
}

// topoSortLocked orders plugins so that dependencies come first, keeping
// registration order among independent plugins.
func (r *Registry) topoSortLocked() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.order))
	out := make([]string, 0, len(r.order))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("plugin dependency cycle: %v", append(path, name))
		}
		state[name] = visiting
		deps := append([]string(nil), r.plugins[name].Info().Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := r.plugins[dep]; !ok {
				continue
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, name)
		return nil
	}

	for _, name := range r.order {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) disableLocked(name, reason string) {
	if _, already := r.disabled[name]; already {
		return
	}
	r.disabled[name] = reason
	r.logger.Warn("plugin disabled", zap.String("name", name), zap.String("reason", reason))
}

// InitAll initializes every enabled plugin in dependency order. deps builds
// the per-plugin dependencies. An optional plugin that fails is disabled.
func (r *Registry) InitAll(ctx context.Context, deps func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		p := r.plugins[name]
		info := p.Info()

		r.logger.Info("initializing plugin", zap.String("name", name))
		err := p.Init(ctx, deps(name))
		if err == nil {
			if v, ok := p.(plugin.Validator); ok {
				err = v.ValidateConfig()
			}
		}
		if err != nil {
			if info.Required {
				return fmt.Errorf("initialize plugin %q: %w", name, err)
			}
			r.disableLocked(name, "init failed: "+err.Error())
		}
	}
	return nil
}

// StartAll starts every enabled plugin in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := r.plugins[name].Start(ctx); err != nil {
			return fmt.Errorf("start plugin %q: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every enabled plugin in reverse dependency order.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if _, off := r.disabled[name]; off {
			continue
		}
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := r.plugins[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Get returns an enabled plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, off := r.disabled[name]; off {
		return nil, false
	}
	p, ok := r.plugins[name]
	return p, ok
}

// IsDisabled reports whether a plugin was disabled during Validate or InitAll.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[name]
	return off
}

// All returns the enabled plugins in dependency order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		result = append(result, r.plugins[name])
	}
	return result
}

// AllRoutes returns the routes of every enabled HTTPProvider, keyed by
// plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	routes := make(map[string][]plugin.Route)
	for _, p := range r.All() {
		hp, ok := p.(plugin.HTTPProvider)
		if !ok {
			continue
		}
		if pr := hp.Routes(); len(pr) > 0 {
			routes[p.Info().Name] = pr
		}
	}
	return routes
}

// Health collects the status of every enabled HealthChecker.
func (r *Registry) Health(ctx context.Context) map[string]plugin.HealthStatus {
	out := make(map[string]plugin.HealthStatus)
	for _, p := range r.All() {
		if hc, ok := p.(plugin.HealthChecker); ok {
			out[p.Info().Name] = hc.Health(ctx)
		}
	}
	return out
}
