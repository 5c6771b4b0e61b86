package iot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/iotscan/internal/server"
	"github.com/HerbHall/iotscan/internal/testutil"
	"github.com/HerbHall/iotscan/pkg/plugin"
)

// blockingSource holds discovery open until release is closed or ctx ends.
type blockingSource struct {
	release chan struct{}
}

func (s blockingSource) Name() string { return "blocking" }

func (s blockingSource) Candidates(ctx context.Context) ([]string, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil, nil
}

type moduleFixture struct {
	module *Module
	bus    *testutil.MockBus
	srv    *httptest.Server
	box    *testutil.BoxServer
}

func newModuleFixture(t *testing.T, withStore bool, opts ...Option) *moduleFixture {
	t.Helper()
	box := testutil.NewBoxServer(t, testutil.WithConnectHeight(10))

	v := viper.New()
	v.Set("plain_port", serverPort(t, box.URL))
	v.Set("probe_timeout", "200ms")
	v.Set("hello_path", testutil.HelloPath)
	v.Set("connect_path", testutil.ConnectPath)
	v.Set("connect_token", "tok")

	bus := testutil.NewMockBus()
	deps := plugin.Dependencies{
		Config: v,
		Logger: testutil.Logger(t),
		Bus:    bus,
	}
	if withStore {
		deps.Store = testutil.NewStore(t)
	}

	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	m := New(opts...)
	require.NoError(t, m.Init(context.Background(), deps))
	require.NoError(t, m.ValidateConfig())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	mux := http.NewServeMux()
	for _, rt := range m.Routes() {
		mux.HandleFunc(rt.Method+" /api/v1/iot"+rt.Path, rt.Handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &moduleFixture{module: m, bus: bus, srv: srv, box: box}
}

func (f *moduleFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+"/api/v1/iot"+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestModule_InfoAndConfig(t *testing.T) {
	f := newModuleFixture(t, false)
	info := f.module.Info()
	assert.Equal(t, "iot", info.Name)
	assert.Equal(t, plugin.APIVersionCurrent, info.APIVersion)

	cfg := f.module.cfg
	assert.Equal(t, 200*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, DefaultLanes, cfg.Lanes, "unset keys keep their defaults")
	assert.Equal(t, "tok", cfg.ConnectToken)
}

func TestModule_InitRejectsBadConfig(t *testing.T) {
	v := viper.New()
	v.Set("lanes", 0)
	m := New()
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{Config: v}))
	assert.Error(t, m.ValidateConfig())
}

func TestHandleStartScan_FindsAndRecordsBox(t *testing.T) {
	f := newModuleFixture(t, true)

	resp := f.do(t, http.MethodPost, "/scan", `{"ranges": ["127.0.0."]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[Snapshot](t, resp)
	assert.True(t, started.Running)
	require.Len(t, started.Ranges, 1)
	assert.Equal(t, "127.0.0.", started.Ranges[0].Prefix)

	require.Eventually(t, func() bool { return !f.module.Scanning() }, 20*time.Second, 10*time.Millisecond)

	snap := decode[Snapshot](t, f.do(t, http.MethodGet, "/scan", ""))
	assert.Equal(t, started.SessionID, snap.SessionID)
	assert.False(t, snap.Running)
	require.Len(t, snap.Ranges, 1)
	assert.Equal(t, 256, snap.Ranges[0].Completed)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, f.box.URL, snap.Devices[0].Address)
	assert.Equal(t, StatusConnected, snap.Devices[0].Status)
	assert.Equal(t, []string{"tok"}, f.box.ConnectTokens())

	var list deviceListResponse
	require.Eventually(t, func() bool {
		list = decode[deviceListResponse](t, f.do(t, http.MethodGet, "/devices", ""))
		return list.Total == 1 && list.Items[0].Status == StatusConnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, f.box.URL, list.Items[0].Address)
	assert.Equal(t, 1, list.Items[0].TimesFound)
}

func TestHandleStartScan_BadRequests(t *testing.T) {
	f := newModuleFixture(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"ranges": [`},
		{"bad prefix", `{"ranges": ["10.0.0.0/8"]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/scan", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			p := decode[server.Problem](t, resp)
			assert.Equal(t, server.ProblemTypeBadRequest, p.Type)
		})
	}
	assert.False(t, f.module.Scanning())
}

func TestHandleStartScan_ConflictWhileRunning(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newModuleFixture(t, false, WithSources(blockingSource{release: release}))

	resp := f.do(t, http.MethodPost, "/scan", `{"discover": true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decode[Snapshot](t, resp)

	resp = f.do(t, http.MethodPost, "/scan", `{"discover": true}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	p := decode[server.Problem](t, resp)
	assert.Equal(t, server.ProblemTypeConflict, p.Type)

	resp = f.do(t, http.MethodDelete, "/scan", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reset := decode[Snapshot](t, resp)
	assert.NotEqual(t, first.SessionID, reset.SessionID)
	assert.Empty(t, reset.Ranges)
	assert.False(t, f.module.Scanning())

	cleared := f.bus.EventsFor(TopicProgressCleared)
	require.NotEmpty(t, cleared)
	assert.Equal(t, first.SessionID, cleared[len(cleared)-1].Payload.(RangeInfo).SessionID)
}

func TestHandleListDevices_NoStore(t *testing.T) {
	f := newModuleFixture(t, false)
	resp := f.do(t, http.MethodGet, "/devices", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleListDevices_BadLimit(t *testing.T) {
	f := newModuleFixture(t, true)
	resp := f.do(t, http.MethodGet, "/devices?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEvents_StreamsIoTEvents(t *testing.T) {
	f := newModuleFixture(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/iot/events"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	_ = f.bus.Publish(ctx, plugin.Event{Topic: "other.topic", Source: "test"})
	_ = f.bus.Publish(ctx, plugin.Event{
		Topic:     TopicDeviceFound,
		Source:    eventSource,
		Timestamp: time.Now(),
		Payload:   DeviceEvent{SessionID: "s1", Address: "http://10.0.0.42", Status: StatusFound},
	})

	var got struct {
		Topic   string      `json:"topic"`
		Source  string      `json:"source"`
		Payload DeviceEvent `json:"payload"`
	}
	require.NoError(t, wsjson.Read(ctx, c, &got))
	assert.Equal(t, TopicDeviceFound, got.Topic)
	assert.Equal(t, eventSource, got.Source)
	assert.Equal(t, "http://10.0.0.42", got.Payload.Address)
	assert.Equal(t, StatusFound, got.Payload.Status)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
}

func TestModule_Health(t *testing.T) {
	withStore := newModuleFixture(t, true)
	h := withStore.module.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, withStore.module.Session().ID(), h.Details["session_id"])
	assert.Equal(t, "false", h.Details["scanning"])

	noStore := newModuleFixture(t, false)
	assert.Equal(t, "degraded", noStore.module.Health(context.Background()).Status)
}

func TestModule_ScanOnStart(t *testing.T) {
	box := testutil.NewBoxServer(t)
	v := viper.New()
	v.Set("scan_on_start", true)
	v.Set("ranges", []string{"127.0.0."})
	v.Set("plain_port", serverPort(t, box.URL))
	v.Set("hello_path", testutil.HelloPath)
	v.Set("connect_path", testutil.ConnectPath)
	v.Set("probe_timeout", "200ms")

	m := New(WithSources(staticSource{name: "off", err: ErrUnsupported}))
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{Config: v, Logger: testutil.Logger(t)}))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	require.Eventually(t, func() bool { return !m.Scanning() }, 20*time.Second, 10*time.Millisecond)
	devices := m.Session().Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, box.URL, devices[0].Address)
}

func TestModule_StopCancelsScan(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newModuleFixture(t, false, WithSources(blockingSource{release: release}))

	_, err := f.module.StartScan(ScanRequest{Discover: true})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = f.module.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a scan was running")
	}
}

func fakeInterfaces() ([]NetworkInterface, error) {
	return []NetworkInterface{
		{Name: "lo", Addresses: []string{"127.0.0.1/8"}, Up: true, Loopback: true},
		{Name: "eth0", Addresses: []string{"192.168.1.20/24"}, Up: true},
	}, nil
}

func TestHandleListInterfaces(t *testing.T) {
	f := newModuleFixture(t, false)
	f.module.interfaces = fakeInterfaces

	resp := f.do(t, http.MethodGet, "/interfaces", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ifaces := decode[[]NetworkInterface](t, resp)
	require.Len(t, ifaces, 2)
	assert.Equal(t, "eth0", ifaces[1].Name)
}

func TestHandleScanInterface(t *testing.T) {
	f := newModuleFixture(t, true)
	f.module.interfaces = fakeInterfaces

	got := decode[scanInterfaceBody](t, f.do(t, http.MethodGet, "/settings/scan-interface", ""))
	assert.Empty(t, got.InterfaceName)

	resp := f.do(t, http.MethodPut, "/settings/scan-interface", `{"interface_name": "eth9"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/settings/scan-interface", `{"interface_name": "eth0"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got = decode[scanInterfaceBody](t, f.do(t, http.MethodGet, "/settings/scan-interface", ""))
	assert.Equal(t, "eth0", got.InterfaceName)
	assert.Equal(t, "eth0", f.module.scanInterface())

	resp = f.do(t, http.MethodPut, "/settings/scan-interface", `{"interface_name": ""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.module.scanInterface())
}

func TestHandleScanInterface_NoStore(t *testing.T) {
	f := newModuleFixture(t, false)
	resp := f.do(t, http.MethodPut, "/settings/scan-interface", `{"interface_name": ""}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestModule_ScanInterfaceFallsBackToConfig(t *testing.T) {
	v := viper.New()
	v.Set("discovery.interface", "wlan0")
	m := New(WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{Config: v, Store: testutil.NewStore(t)}))
	assert.Equal(t, "wlan0", m.scanInterface())
}

func TestModule_BusHandlersMayCallBackIntoModule(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newModuleFixture(t, false, WithSources(blockingSource{release: release}))

	var calls atomic.Int32
	callBack := func(ctx context.Context, _ plugin.Event) {
		_ = f.module.Scanning()
		_ = f.module.Session()
		_ = f.module.Health(ctx)
		calls.Add(1)
	}
	f.bus.Subscribe(TopicProgressCleared, callBack)
	f.bus.Subscribe(TopicRangeAdded, callBack)

	within := func(name string, fn func()) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not return while a bus handler read module state", name)
		}
	}

	within("StartScan", func() {
		_, err := f.module.StartScan(ScanRequest{Ranges: []string{"127.0.0."}, Discover: true})
		assert.NoError(t, err)
	})
	within("ResetSession", func() { f.module.ResetSession() })

	// Two cleared events and one range added.
	assert.Equal(t, int32(3), calls.Load())
}

func TestModule_DeviceHistoryDoesNotBlockLanes(t *testing.T) {
	f := newModuleFixture(t, true)

	// Hold the store's only connection.
	tx, err := f.module.store.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	ev := plugin.Event{
		Topic:   TopicDeviceFound,
		Payload: DeviceEvent{SessionID: "s1", Address: "http://10.0.0.42", Status: StatusFound},
	}

	done := make(chan struct{})
	go func() {
		f.module.handleDeviceEvent(canceled, ev)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleDeviceEvent waited for the database")
	}

	require.NoError(t, tx.Rollback())
	require.Eventually(t, func() bool {
		d, err := f.module.store.Get(context.Background(), "http://10.0.0.42")
		return err == nil && d.TimesFound == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestModule_StopFlushesDeviceHistory(t *testing.T) {
	f := newModuleFixture(t, true)
	for _, status := range []Status{StatusFound, StatusConnected} {
		f.module.handleDeviceEvent(context.Background(), plugin.Event{
			Topic:   status.Topic(),
			Payload: DeviceEvent{SessionID: "s1", Address: "http://10.0.0.7", Status: status},
		})
	}
	require.NoError(t, f.module.Stop(context.Background()))

	d, err := f.module.store.Get(context.Background(), "http://10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, d.Status)

	// Events after Stop are ignored.
	f.module.handleDeviceEvent(context.Background(), plugin.Event{
		Topic:   TopicDeviceFound,
		Payload: DeviceEvent{Address: "http://10.0.0.8", Status: StatusFound},
	})
}
