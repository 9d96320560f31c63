package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/circuitbreaker"
	"github.com/goshtasb/xorj-landing-sub001/internal/killswitch"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func transition(cat circuitbreaker.Category, to circuitbreaker.State) *Event {
	return &Event{
		Type: EventBreakerTransition,
		Data: BreakerTransition{Category: cat, From: circuitbreaker.StateClosed, To: to},
	}
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, &Event{Type: EventKillSwitch}) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{EventTypes: []EventType{EventKillSwitch}}}

	if !h.shouldSend(client, &Event{Type: EventKillSwitch}) {
		t.Error("Should receive kill switch events")
	}
	if h.shouldSend(client, transition(circuitbreaker.NetworkConnectivity, circuitbreaker.StateOpen)) {
		t.Error("Should NOT receive breaker transitions")
	}
}

func TestShouldSend_CategoryFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Categories: []circuitbreaker.Category{circuitbreaker.HSMFailureRate}}}

	if !h.shouldSend(client, transition(circuitbreaker.HSMFailureRate, circuitbreaker.StateOpen)) {
		t.Error("Should receive transitions for the subscribed category")
	}
	if h.shouldSend(client, transition(circuitbreaker.SlippageRate, circuitbreaker.StateOpen)) {
		t.Error("Should NOT receive other categories")
	}
	if !h.shouldSend(client, &Event{Type: EventKillSwitch}) {
		t.Error("Category filter should not hide kill switch events")
	}
}

func TestShouldSend_OpenOnly(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{OpenOnly: true}}

	if !h.shouldSend(client, transition(circuitbreaker.TradeFailureRate, circuitbreaker.StateOpen)) {
		t.Error("Should receive transitions into open")
	}
	if h.shouldSend(client, transition(circuitbreaker.TradeFailureRate, circuitbreaker.StateHalfOpen)) {
		t.Error("Should NOT receive transitions into half_open")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{}
	if !h.shouldSend(client, &Event{Type: EventKillSwitch}) {
		t.Error("Empty subscription should pass everything through")
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connected_clients"])
	}
	if stats["total_events"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["total_events"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventKillSwitch, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["total_events"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["total_events"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connected_clients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connected_clients"])
	}
	if stats["peak_clients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peak_clients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connected_clients"])
	}
	// Peak should still be 1
	if stats["peak_clients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peak_clients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastTransition(circuitbreaker.NetworkConnectivity, circuitbreaker.StateClosed, circuitbreaker.StateOpen, "3 failures")

	select {
	case msg := <-client.send:
		var got struct {
			Type EventType         `json:"type"`
			Data BreakerTransition `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != EventBreakerTransition || got.Data.To != circuitbreaker.StateOpen {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastKillSwitch(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventKillSwitch}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	ks := killswitch.New()
	defer ks.Close()
	ks.OnEvent(h.BroadcastKillSwitch)
	ks.Trigger(ctx, "drill", killswitch.MethodManualAPI, "ops")

	select {
	case msg := <-client.send:
		var got struct {
			Type EventType        `json:"type"`
			Data killswitch.Event `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Data.Type != killswitch.EventActivated || got.Data.Reason != "drill" {
			t.Errorf("unexpected event %+v", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("Timeout waiting for kill switch event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{OpenOnly: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastTransition(circuitbreaker.SlippageRate, circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen, "recovery timeout")
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive half_open transition")
	default:
		// Good - filtered out
	}

	h.BroadcastTransition(circuitbreaker.SlippageRate, circuitbreaker.StateClosed, circuitbreaker.StateOpen, "threshold")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive open transition")
	}
}

func TestHub_SequenceAndSnapshot(t *testing.T) {
	h := NewHub(slog.Default(), WithSnapshot(func() any {
		return map[string]string{"kill_switch": "armed"}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	h.Broadcast(&Event{Type: EventKillSwitch})
	h.Broadcast(&Event{Type: EventKillSwitch})
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}}
	h.register <- client

	var snap Event
	select {
	case msg := <-client.send:
		if err := json.Unmarshal(msg, &snap); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for snapshot")
	}
	if snap.Type != EventSnapshot || snap.Seq != 2 {
		t.Errorf("Expected snapshot at seq 2, got %s at %d", snap.Type, snap.Seq)
	}

	h.Broadcast(&Event{Type: EventKillSwitch})
	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Seq != 3 {
			t.Errorf("Expected seq 3, got %d", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for live event")
	}

	if got := h.Stats()["last_seq"].(uint64); got != 3 {
		t.Errorf("Expected last_seq 3, got %d", got)
	}
}
