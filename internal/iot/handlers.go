package iot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/internal/server"
	"github.com/HerbHall/iotscan/pkg/plugin"
)

const (
	// eventBuffer is how many events a slow websocket client may lag behind
	// before events are dropped for it.
	eventBuffer       = 256
	eventWriteTimeout = 5 * time.Second
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/scan", Handler: m.handleStartScan},
		{Method: "GET", Path: "/scan", Handler: m.handleGetScan},
		{Method: "DELETE", Path: "/scan", Handler: m.handleResetScan},
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/events", Handler: m.handleEvents},
		{Method: "GET", Path: "/interfaces", Handler: m.handleListInterfaces},
		{Method: "GET", Path: "/settings/scan-interface", Handler: m.handleGetScanInterface},
		{Method: "PUT", Path: "/settings/scan-interface", Handler: m.handleSetScanInterface},
	}
}

// handleStartScan resets the session and starts scanning in the background.
func (m *Module) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		server.BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}

	sess, err := m.StartScan(req)
	switch {
	case errors.Is(err, ErrScanRunning):
		server.Conflict(w, err.Error(), r.URL.Path)
		return
	case errors.Is(err, ErrInvalidPrefix):
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	case err != nil:
		m.logger.Warn("failed to start scan", zap.Error(err))
		server.InternalError(w, "failed to start scan", r.URL.Path)
		return
	}

	snap := sess.Snapshot()
	snap.Running = true
	server.WriteJSON(w, http.StatusAccepted, snap)
}

// handleGetScan returns the current session's progress and devices.
func (m *Module) handleGetScan(w http.ResponseWriter, _ *http.Request) {
	sess := m.Session()
	snap := sess.Snapshot()
	snap.Running = snap.Running || m.Scanning()
	server.WriteJSON(w, http.StatusOK, snap)
}

// handleResetScan cancels the current scan and clears its progress.
func (m *Module) handleResetScan(w http.ResponseWriter, _ *http.Request) {
	sess := m.ResetSession()
	server.WriteJSON(w, http.StatusOK, sess.Snapshot())
}

type deviceListResponse struct {
	Items []StoredDevice `json:"items"`
	Total int            `json:"total"`
}

// handleListDevices returns the device history, most recent first.
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		server.Unavailable(w, "device history not available", r.URL.Path)
		return
	}

	var opts ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			server.BadRequest(w, "limit must be an integer", r.URL.Path)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			server.BadRequest(w, "offset must be an integer", r.URL.Path)
			return
		}
		opts.Offset = n
	}

	devices, total, err := m.store.List(r.Context(), opts)
	if err != nil {
		m.logger.Warn("failed to list devices", zap.Error(err))
		server.InternalError(w, "failed to list devices", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, deviceListResponse{Items: devices, Total: total})
}

// handleListInterfaces returns the host's network interfaces.
func (m *Module) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := m.interfaces()
	if err != nil {
		m.logger.Error("failed to list interfaces", zap.Error(err))
		server.InternalError(w, "failed to list network interfaces", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, ifaces)
}

type scanInterfaceBody struct {
	InterfaceName string `json:"interface_name"`
}

// handleGetScanInterface returns the interface discovery is restricted to.
// An empty name means every interface.
func (m *Module) handleGetScanInterface(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, scanInterfaceBody{InterfaceName: m.scanInterface()})
}

// handleSetScanInterface saves the interface discovery is restricted to. It
// applies from the next scan on.
func (m *Module) handleSetScanInterface(w http.ResponseWriter, r *http.Request) {
	if m.settings == nil {
		server.Unavailable(w, "settings storage not available", r.URL.Path)
		return
	}

	var req scanInterfaceBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}

	if req.InterfaceName != "" {
		ifaces, err := m.interfaces()
		if err != nil {
			m.logger.Error("failed to list interfaces for validation", zap.Error(err))
			server.InternalError(w, "failed to validate interface", r.URL.Path)
			return
		}
		found := false
		for i := range ifaces {
			if ifaces[i].Name == req.InterfaceName {
				found = true
				break
			}
		}
		if !found {
			server.BadRequest(w, "interface not found: "+req.InterfaceName, r.URL.Path)
			return
		}
	}

	if err := m.settings.Set(r.Context(), SettingScanInterface, req.InterfaceName); err != nil {
		m.logger.Error("failed to save scan interface", zap.Error(err))
		server.InternalError(w, "failed to save scan interface", r.URL.Path)
		return
	}
	m.logger.Info("scan interface changed", zap.String("interface", req.InterfaceName))
	server.WriteJSON(w, http.StatusOK, req)
}

// wireEvent is the JSON shape of an event on the websocket stream.
type wireEvent struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// handleEvents streams every iot.* event to a websocket client until the
// client goes away.
func (m *Module) handleEvents(w http.ResponseWriter, r *http.Request) {
	if m.bus == nil {
		server.Unavailable(w, "event bus not available", r.URL.Path)
		return
	}

	events := make(chan plugin.Event, eventBuffer)
	var dropped atomic.Int64
	unsubscribe := m.bus.SubscribeAll(func(_ context.Context, ev plugin.Event) {
		if !strings.HasPrefix(ev.Topic, eventSource+".") {
			return
		}
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	// Subscribed before the handshake completes so no event published after
	// the client connects is missed.
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	m.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("event stream closed",
				zap.String("remote", r.RemoteAddr),
				zap.Int64("dropped", dropped.Load()),
			)
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, c, wireEvent{
				Topic:     ev.Topic,
				Source:    ev.Source,
				Timestamp: ev.Timestamp,
				Payload:   ev.Payload,
			})
			cancel()
			if err != nil {
				m.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
