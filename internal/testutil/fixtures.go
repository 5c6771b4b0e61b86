package testutil

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Default box endpoints served by BoxServer.
const (
	HelloPath        = "/hw_proxy/hello"
	ConnectPath      = "/hw_drivers/box/connect"
	ControlImagePath = "/web/static/img/logo.png"
)

// BoxServer is a fake IoT box: it answers the hello probe, serves the
// control image and hands out a connect image of configurable height.
type BoxServer struct {
	*httptest.Server

	mu            sync.Mutex
	helloStatus   int
	helloDelay    time.Duration
	connectHeight int
	connectStatus int
	hellos        int
	tokens        []string
}

// BoxOption configures a BoxServer.
type BoxOption func(*BoxServer)

// WithHelloStatus makes the hello endpoint answer with code.
func WithHelloStatus(code int) BoxOption {
	return func(b *BoxServer) { b.helloStatus = code }
}

// WithHelloDelay makes the hello endpoint wait d (or until the client gives up).
func WithHelloDelay(d time.Duration) BoxOption {
	return func(b *BoxServer) { b.helloDelay = d }
}

// WithConnectHeight sets the height of the connect image.
func WithConnectHeight(h int) BoxOption {
	return func(b *BoxServer) { b.connectHeight = h }
}

// WithConnectStatus makes the connect endpoint answer with code and no image.
func WithConnectStatus(code int) BoxOption {
	return func(b *BoxServer) { b.connectStatus = code }
}

// NewBoxServer starts a plain-http fake box, closed when the test ends.
func NewBoxServer(t testing.TB, opts ...BoxOption) *BoxServer {
	t.Helper()
	b := newBox(opts)
	b.Server = httptest.NewServer(b.handler())
	t.Cleanup(b.Close)
	return b
}

// NewTLSBoxServer starts an https fake box whose certificate no default
// client trusts.
func NewTLSBoxServer(t testing.TB, opts ...BoxOption) *BoxServer {
	t.Helper()
	b := newBox(opts)
	b.Server = httptest.NewTLSServer(b.handler())
	t.Cleanup(b.Close)
	return b
}

func newBox(opts []BoxOption) *BoxServer {
	b := &BoxServer{
		helloStatus:   http.StatusOK,
		connectHeight: 10,
		connectStatus: http.StatusOK,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BoxServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HelloPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hellos++
		delay, code := b.helloDelay, b.helloStatus
		b.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte("ping"))
	})
	mux.HandleFunc("GET "+ControlImagePath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(PNG(16, 16))
	})
	mux.HandleFunc("GET "+ConnectPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.tokens = append(b.tokens, r.URL.Query().Get("token"))
		height, code := b.connectHeight, b.connectStatus
		b.mu.Unlock()

		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(PNG(1, height))
	})
	return mux
}

// Hellos returns how many hello requests the box received.
func (b *BoxServer) Hellos() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hellos
}

// ConnectTokens returns the token of every connect request, in order.
func (b *BoxServer) ConnectTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// PNG encodes a blank w x h image.
func PNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		panic("testutil.PNG: " + err.Error())
	}
	return buf.Bytes()
}
