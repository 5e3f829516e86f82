package transport

import (
	"context"
	"sync"
	"testing"
)

func subscribe(t *testing.T, hub *Hub, topic string) Channel {
	t.Helper()
	ch := hub.Channel(topic, ChannelOptions{Private: true, PresenceKey: "k"})
	var got SubscribeStatus
	if err := ch.Subscribe(context.Background(), func(st SubscribeStatus, err error) { got = st }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got != StatusSubscribed {
		t.Fatalf("status = %s, want subscribed", got)
	}
	return ch
}

func TestHub_PublishFansOut(t *testing.T) {
	hub := NewHub()
	var mu sync.Mutex
	var a, b []string

	ca := subscribe(t, hub, "room")
	ca.On(EventInsert, "", func(ev Event) {
		mu.Lock()
		a = append(a, string(ev.Payload))
		mu.Unlock()
	})
	cb := subscribe(t, hub, "room")
	cb.On(EventInsert, "", func(ev Event) {
		mu.Lock()
		b = append(b, string(ev.Payload))
		mu.Unlock()
	})

	hub.Publish("room", Event{Type: EventInsert, Payload: []byte(`{"id":"m1"}`)})

	mu.Lock()
	defer mu.Unlock()
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("fanout incomplete: a=%d b=%d", len(a), len(b))
	}
	if a[0] != `{"id":"m1"}` {
		t.Fatalf("payload mangled: %q", a[0])
	}
}

func TestHub_TagFilter(t *testing.T) {
	hub := NewHub()
	ch := subscribe(t, hub, "room")

	var matched, all int
	ch.On(EventInsert, "c1", func(Event) { matched++ })
	ch.On(EventInsert, "", func(Event) { all++ })

	hub.Publish("room", Event{Type: EventInsert, Tag: "c1", Payload: []byte(`1`)})
	hub.Publish("room", Event{Type: EventInsert, Tag: "c2", Payload: []byte(`2`)})

	if matched != 1 {
		t.Fatalf("filtered handler fired %d times, want 1", matched)
	}
	if all != 2 {
		t.Fatalf("unfiltered handler fired %d times, want 2", all)
	}
}

func TestHub_PayloadNotAliased(t *testing.T) {
	hub := NewHub()
	ch := subscribe(t, hub, "room")

	var captured string
	ch.On(EventBroadcast, "", func(ev Event) {
		// handlers must read the payload synchronously; copy what they keep
		captured = string(ev.Payload)
	})
	original := []byte("payload-one")
	hub.Publish("room", Event{Type: EventBroadcast, Payload: original})
	// publishing again reuses pooled buffers; the earlier copy must survive
	hub.Publish("room", Event{Type: EventBroadcast, Payload: []byte("payload-two")})

	if captured != "payload-two" {
		t.Fatalf("latest payload lost: %q", captured)
	}
}

func TestHub_PresenceTrackUntrack(t *testing.T) {
	hub := NewHub()
	ch := subscribe(t, hub, "room")

	var mu sync.Mutex
	var lastSync string
	ch.On(EventPresence, "", func(ev Event) {
		mu.Lock()
		lastSync = string(ev.Payload)
		mu.Unlock()
	})

	if err := ch.Track(context.Background(), PresenceMeta{Key: "alice", OnlineAt: 1}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if keys := hub.Presence("room"); len(keys) != 1 || keys[0] != "alice" {
		t.Fatalf("presence after track: %v", keys)
	}
	mu.Lock()
	if lastSync != `["alice"]` {
		t.Fatalf("presence sync payload: %q", lastSync)
	}
	mu.Unlock()

	if err := ch.Untrack(context.Background()); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	if keys := hub.Presence("room"); len(keys) != 0 {
		t.Fatalf("presence after untrack: %v", keys)
	}
}

func TestHub_FailSubscribesInjectsOutcomes(t *testing.T) {
	hub := NewHub()
	hub.FailSubscribes("room", 2, StatusTimedOut)

	for i := 0; i < 2; i++ {
		ch := hub.Channel("room", ChannelOptions{})
		var got SubscribeStatus
		if err := ch.Subscribe(context.Background(), func(st SubscribeStatus, err error) { got = st }); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if got != StatusTimedOut {
			t.Fatalf("attempt %d: status = %s, want timed_out", i, got)
		}
	}
	// injected outcomes exhausted; the next attempt succeeds
	subscribe(t, hub, "room")
}

func TestHub_KillDropsSubscribers(t *testing.T) {
	hub := NewHub()
	ch := hub.Channel("room", ChannelOptions{})
	var statuses []SubscribeStatus
	if err := ch.Subscribe(context.Background(), func(st SubscribeStatus, err error) {
		statuses = append(statuses, st)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hub.Kill("room", StatusChannelError)
	if len(statuses) != 2 || statuses[1] != StatusChannelError {
		t.Fatalf("statuses = %v, want [subscribed channel_error]", statuses)
	}

	// dropped subscribers receive nothing further
	var delivered int
	ch.On(EventInsert, "", func(Event) { delivered++ })
	hub.Publish("room", Event{Type: EventInsert, Payload: []byte(`1`)})
	if delivered != 0 {
		t.Fatalf("dead subscriber received an event")
	}
}

func TestHub_ClosedChannelRejectsOps(t *testing.T) {
	hub := NewHub()
	ch := subscribe(t, hub, "room")
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := ch.Send(context.Background(), Event{Type: EventTyping}); err != ErrChannelClosed {
		t.Fatalf("send on closed: %v", err)
	}
	if err := ch.Track(context.Background(), PresenceMeta{Key: "k"}); err != ErrChannelClosed {
		t.Fatalf("track on closed: %v", err)
	}
	if err := ch.Subscribe(context.Background(), nil); err != ErrChannelClosed {
		t.Fatalf("resubscribe on closed: %v", err)
	}
}
