package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/transport"
)

// fastBackoff keeps reconnect tests quick while preserving the doubling
// shape of the production policy.
var fastBackoff = BackoffConfig{Base: 2 * time.Millisecond, Cap: 8 * time.Millisecond, MaxRetries: 3}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannelManager_SubscribeAndTrackPresence(t *testing.T) {
	hub := transport.NewHub()
	m := NewChannelManager(hub, "me", fastBackoff)
	defer m.Unsubscribe()

	var statuses []models.ChannelStatus
	var mu sync.Mutex
	err := m.Open(context.Background(), "conv:c1", Handlers{
		OnStatus: func(st models.ChannelStatus) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.Status() == models.ChannelSubscribed })
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[0] != models.ChannelConnecting {
		t.Fatalf("expected connecting as the first status, got %v", statuses)
	}
	if statuses[len(statuses)-1] != models.ChannelSubscribed {
		t.Fatalf("expected subscribed as the last status, got %v", statuses)
	}
}

func TestChannelManager_BackoffBudget(t *testing.T) {
	hub := transport.NewHub()
	// the initial attempt plus every retry fails
	hub.FailSubscribes("conv:c1", fastBackoff.MaxRetries+1, transport.StatusTimedOut)

	m := NewChannelManager(hub, "me", fastBackoff)
	if err := m.Open(context.Background(), "conv:c1", Handlers{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, "manager to go inert", func() bool { return !m.IsActive() })
	if got := m.RetryCount(); got != fastBackoff.MaxRetries {
		t.Fatalf("retry count = %d, want %d", got, fastBackoff.MaxRetries)
	}
	if m.Status() != models.ChannelTimedOut {
		t.Fatalf("status = %s, want timed_out", m.Status())
	}
	// inert: no fifth attempt ever subscribes
	time.Sleep(30 * time.Millisecond)
	if m.IsActive() || m.Status() == models.ChannelSubscribed {
		t.Fatalf("manager reconnected past its retry budget")
	}
}

func TestChannelManager_RecoversWithinBudget(t *testing.T) {
	hub := transport.NewHub()
	hub.FailSubscribes("conv:c1", 2, transport.StatusChannelError)

	m := NewChannelManager(hub, "me", fastBackoff)
	defer m.Unsubscribe()
	if err := m.Open(context.Background(), "conv:c1", Handlers{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, "recovery", func() bool { return m.Status() == models.ChannelSubscribed })
	if got := m.RetryCount(); got != 0 {
		t.Fatalf("retry count not reset on success: %d", got)
	}
	waitFor(t, "presence track", func() bool {
		for _, k := range hub.Presence("conv:c1") {
			if k == "me" {
				return true
			}
		}
		return false
	})
}

func TestChannelManager_ReopenNeverDeliversTwice(t *testing.T) {
	hub := transport.NewHub()
	var delivered int64
	h := Handlers{OnInsert: func(models.Message) { atomic.AddInt64(&delivered, 1) }}

	m := NewChannelManager(hub, "me", fastBackoff)
	defer m.Unsubscribe()
	if err := m.Open(context.Background(), "conv:c1", h); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := m.Open(context.Background(), "conv:c1", h); err != nil {
		t.Fatalf("second open: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.Status() == models.ChannelSubscribed })

	payload, _ := json.Marshal(models.Message{ID: "m1", Conversation: "c1", Sender: "u2", CreatedAt: 1})
	hub.Publish("conv:c1", transport.Event{Type: transport.EventInsert, Payload: payload})

	waitFor(t, "delivery", func() bool { return atomic.LoadInt64(&delivered) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&delivered); got != 1 {
		t.Fatalf("event delivered %d times after reopen, want exactly 1", got)
	}
}

func TestChannelManager_UnsubscribeIdempotent(t *testing.T) {
	hub := transport.NewHub()
	m := NewChannelManager(hub, "me", fastBackoff)
	if err := m.Open(context.Background(), "conv:c1", Handlers{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.Status() == models.ChannelSubscribed })

	m.Unsubscribe()
	m.Unsubscribe()
	m.Unsubscribe()
	if m.IsActive() {
		t.Fatalf("still active after unsubscribe")
	}
	if m.Status() != models.ChannelClosed {
		t.Fatalf("status = %s, want closed", m.Status())
	}
	if keys := hub.Presence("conv:c1"); len(keys) != 0 {
		t.Fatalf("presence not released: %v", keys)
	}
}

func TestChannelManager_RemoteCloseGoesInert(t *testing.T) {
	hub := transport.NewHub()
	m := NewChannelManager(hub, "me", fastBackoff)
	if err := m.Open(context.Background(), "conv:c1", Handlers{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.Status() == models.ChannelSubscribed })

	hub.Kill("conv:c1", transport.StatusClosed)
	waitFor(t, "closed", func() bool { return m.Status() == models.ChannelClosed })
	if m.IsActive() {
		t.Fatalf("closed channel still active")
	}
}

// oneShotTransport mimics the stream-backed transports: a channel object
// carries a single connection, so Subscribe on an already-connected object is
// refused and recovery requires a fresh channel.
type oneShotTransport struct {
	mu           sync.Mutex
	channels     []*oneShotChannel
	subscribeErr error // applied to channels created after it is set
}

func (tr *oneShotTransport) Channel(name string, opts transport.ChannelOptions) transport.Channel {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ch := &oneShotChannel{name: name, subscribeErr: tr.subscribeErr}
	tr.channels = append(tr.channels, ch)
	return ch
}

func (tr *oneShotTransport) channel(i int) *oneShotChannel {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.channels[i]
}

func (tr *oneShotTransport) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.channels)
}

type oneShotChannel struct {
	name         string
	subscribeErr error

	mu         sync.Mutex
	subscribed bool
	closed     bool
	tracked    bool
	statusFn   func(transport.SubscribeStatus, error)
}

func (c *oneShotChannel) On(transport.EventType, string, func(transport.Event)) {}

func (c *oneShotChannel) Subscribe(ctx context.Context, status func(transport.SubscribeStatus, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", c.name)
	}
	if err := c.subscribeErr; err != nil {
		c.mu.Unlock()
		return err
	}
	c.subscribed = true
	c.statusFn = status
	c.mu.Unlock()
	if status != nil {
		status(transport.StatusSubscribed, nil)
	}
	return nil
}

func (c *oneShotChannel) Track(ctx context.Context, meta transport.PresenceMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = true
	return nil
}

func (c *oneShotChannel) Untrack(ctx context.Context) error { return nil }

func (c *oneShotChannel) Send(ctx context.Context, ev transport.Event) error { return nil }

func (c *oneShotChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribed = false
	return nil
}

func (c *oneShotChannel) drop(status transport.SubscribeStatus) {
	c.mu.Lock()
	c.subscribed = false
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(status, nil)
	}
}

func (c *oneShotChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestChannelManager_ReconnectUsesFreshStream(t *testing.T) {
	tr := &oneShotTransport{}
	m := NewChannelManager(tr, "me", fastBackoff)
	defer m.Unsubscribe()
	if err := m.Open(context.Background(), "conv:c1", Handlers{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.Status() == models.ChannelSubscribed })

	tr.channel(0).drop(transport.StatusChannelError)
	waitFor(t, "resubscribed", func() bool { return m.Status() == models.ChannelSubscribed })

	if got := tr.count(); got != 2 {
		t.Fatalf("reconnect reused the dead stream: %d channels constructed, want 2", got)
	}
	if !tr.channel(0).isClosed() {
		t.Fatalf("dead stream left open after reconnect")
	}
	if !m.IsActive() {
		t.Fatalf("manager inactive after successful reconnect")
	}
	if got := m.RetryCount(); got != 0 {
		t.Fatalf("retry count not reset after reconnect: %d", got)
	}
	waitFor(t, "presence re-track", func() bool {
		c := tr.channel(1)
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.tracked
	})
}

func TestChannelManager_SubscribeErrorGoesInert(t *testing.T) {
	tr := &oneShotTransport{}
	m := NewChannelManager(tr, "me", fastBackoff)
	defer m.Unsubscribe()
	if err := m.Open(context.Background(), "conv:c1", Handlers{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "subscribed", func() bool { return m.Status() == models.ChannelSubscribed })

	// every channel constructed from here on refuses to subscribe outright
	tr.mu.Lock()
	tr.subscribeErr = fmt.Errorf("broken transport")
	tr.mu.Unlock()

	tr.channel(0).drop(transport.StatusChannelError)
	waitFor(t, "manager to go inert", func() bool { return !m.IsActive() })
	if m.Status() != models.ChannelError {
		t.Fatalf("status = %s, want error", m.Status())
	}
}

func TestBackoffDelaysNonDecreasingAndCapped(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Cap: 16 * time.Second, MaxRetries: 6}
	var prev time.Duration
	for i := 0; i < cfg.MaxRetries; i++ {
		d := cfg.delay(i)
		if d < prev {
			t.Fatalf("delay shrank: attempt %d got %s after %s", i, d, prev)
		}
		if d > cfg.Cap {
			t.Fatalf("delay %s exceeds cap %s", d, cfg.Cap)
		}
		prev = d
	}
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second} {
		if got := cfg.delay(i); got != want {
			t.Fatalf("delay(%d) = %s, want %s", i, got, want)
		}
	}
	// a shift past the int64 range must saturate at the cap, not go negative
	if got := cfg.delay(63); got != cfg.Cap {
		t.Fatalf("delay(63) = %s, want cap %s", got, cfg.Cap)
	}
}

func TestChannelManager_SendOnClosedChannel(t *testing.T) {
	hub := transport.NewHub()
	m := NewChannelManager(hub, "me", fastBackoff)
	err := m.Send(context.Background(), transport.Event{Type: transport.EventTyping})
	if err == nil {
		t.Fatalf("send on never-opened manager succeeded")
	}
	if !IsKind(err, KindTransport) {
		t.Fatalf("expected transport kind, got %v", err)
	}
}
