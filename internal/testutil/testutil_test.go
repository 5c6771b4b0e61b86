package testutil

import (
	"bytes"
	"context"
	"image"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

func TestLogger_NotNil(t *testing.T) {
	if Logger(t) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewStore_Usable(t *testing.T) {
	db := NewStore(t)
	if err := db.DB().PingContext(context.Background()); err != nil {
		t.Fatalf("PingContext: %v", err)
	}
}

func TestMockBus_RecordsAndDelivers(t *testing.T) {
	bus := NewMockBus()

	var topicCalls, allCalls int
	bus.Subscribe("iot.device.found", func(context.Context, plugin.Event) { topicCalls++ })
	bus.SubscribeAll(func(context.Context, plugin.Event) { allCalls++ })

	_ = bus.Publish(context.Background(), plugin.Event{Topic: "iot.device.found", Source: "test"})
	bus.PublishAsync(context.Background(), plugin.Event{Topic: "iot.range.added", Source: "test"})

	events := bus.Events()
	if len(events) != 2 {
		t.Fatalf("Events len = %d, want 2", len(events))
	}
	if events[1].Topic != "iot.range.added" {
		t.Errorf("events[1].Topic = %q, want iot.range.added", events[1].Topic)
	}
	if topicCalls != 1 {
		t.Errorf("topic handler calls = %d, want 1", topicCalls)
	}
	if allCalls != 2 {
		t.Errorf("all handler calls = %d, want 2", allCalls)
	}
	if got := bus.Count("iot.device.found"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestMockBus_Reset(t *testing.T) {
	bus := NewMockBus()
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "a"})
	bus.Reset()
	if len(bus.Events()) != 0 {
		t.Error("expected empty events after Reset")
	}
}

func TestClock_Advance(t *testing.T) {
	c := NewClock()
	start := c.Now()
	c.Advance(5 * time.Minute)
	if got := c.Now().Sub(start); got != 5*time.Minute {
		t.Errorf("Advance: elapsed = %v, want 5m", got)
	}
}

func TestClock_Set(t *testing.T) {
	c := NewClock()
	target := time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Errorf("Set: got %v, want %v", c.Now(), target)
	}
}

func TestBoxServer_Endpoints(t *testing.T) {
	box := NewBoxServer(t, WithConnectHeight(25))

	resp, err := http.Get(box.URL + HelloPath)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("hello status = %d, want 200", resp.StatusCode)
	}
	if box.Hellos() != 1 {
		t.Errorf("Hellos = %d, want 1", box.Hellos())
	}

	resp, err = http.Get(box.URL + ConnectPath + "?token=abc")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode connect image: %v", err)
	}
	if cfg.Height != 25 {
		t.Errorf("connect image height = %d, want 25", cfg.Height)
	}
	if tokens := box.ConnectTokens(); len(tokens) != 1 || tokens[0] != "abc" {
		t.Errorf("ConnectTokens = %v, want [abc]", tokens)
	}
}

func TestBoxServer_HelloStatus(t *testing.T) {
	box := NewBoxServer(t, WithHelloStatus(http.StatusNotFound))
	resp, err := http.Get(box.URL + HelloPath)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("hello status = %d, want 404", resp.StatusCode)
	}
}
