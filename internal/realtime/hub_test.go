package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventEscrowCreated, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventEscrowCompleted, EventEscrowRefunded},
	}}

	completed := &Event{Type: EventEscrowCompleted}
	refunded := &Event{Type: EventEscrowRefunded}
	created := &Event{Type: EventEscrowCreated}

	if !h.shouldSend(client, completed) {
		t.Error("Should receive escrow_completed events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("Should receive escrow_refunded events")
	}
	if h.shouldSend(client, created) {
		t.Error("Should NOT receive escrow_created events")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Parties: []string{"0xagent1"},
	}}

	matchingPayer := &Event{
		Type: EventEscrowCreated,
		Data: map[string]interface{}{"payer": "0xagent1", "payee": "0xother"},
	}
	matchingPayee := &Event{
		Type: EventEscrowCompleted,
		Data: map[string]interface{}{"payee": "0xagent1"},
	}
	matchingDisputer := &Event{
		Type: EventEscrowDisputed,
		Data: map[string]interface{}{"disputer": "0xagent1"},
	}
	notMatching := &Event{
		Type: EventEscrowCreated,
		Data: map[string]interface{}{"payer": "0xother", "payee": "0xanother"},
	}

	if !h.shouldSend(client, matchingPayer) {
		t.Error("Should match on payer address")
	}
	if !h.shouldSend(client, matchingPayee) {
		t.Error("Should match on payee address")
	}
	if !h.shouldSend(client, matchingDisputer) {
		t.Error("Should match on disputer address")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated parties")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventEscrowCreated}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Parties: []string{"0xagent1"},
	}}

	event := &Event{
		Type: EventPaymentLinked,
		Data: "string data not a map",
	}

	// Party filter skips non-map data (can't extract addresses), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when party filter can't extract addresses")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
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
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak survives the disconnect
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_NotifierBroadcast(t *testing.T) {
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

	n := NewNotifier(h)
	n.EscrowCompleted(7, "0xpayee", "3.00")

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("Bad event payload: %v", err)
		}
		if ev.Type != EventEscrowCompleted {
			t.Errorf("Expected escrow_completed, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants disputes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventEscrowDisputed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventEscrowCreated, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow_created event")
	default:
		// filtered out
	}

	h.Broadcast(&Event{Type: EventEscrowDisputed, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive escrow_disputed event")
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
