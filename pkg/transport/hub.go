package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/valyala/bytebufferpool"

	"chatsync/pkg/logger"
)

// ErrChannelClosed is returned for operations on a closed channel.
var ErrChannelClosed = errors.New("transport: channel closed")

// Hub is the in-process Transport used by tests and the dev relay. Topics
// are created lazily; every subscribed channel on a topic receives every
// published event. Fault injection hooks simulate the transient failures a
// real realtime service produces.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic

	// failNext maps topic -> queued subscribe outcomes consumed before a
	// subscription is allowed to succeed.
	failNext map[string][]SubscribeStatus
}

type topic struct {
	subs     map[*hubChannel]struct{}
	presence map[string]PresenceMeta
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics:   map[string]*topic{},
		failNext: map[string][]SubscribeStatus{},
	}
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{subs: map[*hubChannel]struct{}{}, presence: map[string]PresenceMeta{}}
		h.topics[name] = t
	}
	return t
}

// Channel constructs a new channel bound to name. The channel is inert until
// Subscribe is called.
func (h *Hub) Channel(name string, opts ChannelOptions) Channel {
	return &hubChannel{hub: h, name: name, opts: opts, handlers: map[EventType][]filteredHandler{}}
}

// Publish fans ev out to every subscriber of topic. The payload is copied
// into a pooled buffer per delivery pass and released afterwards, so
// handlers must not retain it.
func (h *Hub) Publish(topicName string, ev Event) {
	h.mu.Lock()
	t, ok := h.topics[topicName]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*hubChannel, 0, len(t.subs))
	for c := range t.subs {
		subs = append(subs, c)
	}
	h.mu.Unlock()

	var bb *bytebufferpool.ByteBuffer
	if len(ev.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], ev.Payload...)
		ev.Payload = bb.B[:len(ev.Payload)]
	}
	ev.Topic = topicName
	for _, c := range subs {
		c.deliver(ev)
	}
	if bb != nil {
		bytebufferpool.Put(bb)
	}
}

// FailSubscribes queues n failed subscribe outcomes with the given status
// for topic. Subsequent Subscribe calls consume them before succeeding.
func (h *Hub) FailSubscribes(topicName string, n int, status SubscribeStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < n; i++ {
		h.failNext[topicName] = append(h.failNext[topicName], status)
	}
}

// Kill pushes a terminal status to every subscriber of topic and removes
// them, simulating a dropped channel.
func (h *Hub) Kill(topicName string, status SubscribeStatus) {
	h.mu.Lock()
	t, ok := h.topics[topicName]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*hubChannel, 0, len(t.subs))
	for c := range t.subs {
		subs = append(subs, c)
		delete(t.subs, c)
	}
	h.mu.Unlock()
	for _, c := range subs {
		c.dropped(status)
	}
}

// Presence returns the sorted presence keys currently tracked on topic.
func (h *Hub) Presence(topicName string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[topicName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.presence))
	for k := range t.presence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type filteredHandler struct {
	filter string
	fn     func(Event)
}

type hubChannel struct {
	hub  *Hub
	name string
	opts ChannelOptions

	mu         sync.Mutex
	handlers   map[EventType][]filteredHandler
	subscribed bool
	closed     bool
	statusFn   func(SubscribeStatus, error)
	tracked    string // presence key currently tracked, "" if none
}

func (c *hubChannel) On(t EventType, filter string, h func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], filteredHandler{filter: filter, fn: h})
}

func (c *hubChannel) Subscribe(ctx context.Context, status func(SubscribeStatus, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.statusFn = status
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	if pending := h.failNext[c.name]; len(pending) > 0 {
		st := pending[0]
		h.failNext[c.name] = pending[1:]
		h.mu.Unlock()
		logger.Debug("hub_subscribe_injected_failure", "topic", c.name, "status", string(st))
		if status != nil {
			status(st, nil)
		}
		return nil
	}
	t := h.topicLocked(c.name)
	t.subs[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	if status != nil {
		status(StatusSubscribed, nil)
	}
	return nil
}

func (c *hubChannel) Track(ctx context.Context, meta PresenceMeta) error {
	c.mu.Lock()
	if c.closed || !c.subscribed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.tracked = meta.Key
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	t := h.topicLocked(c.name)
	t.presence[meta.Key] = meta
	h.mu.Unlock()
	c.publishPresence()
	return nil
}

func (c *hubChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	key := c.tracked
	c.tracked = ""
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	h := c.hub
	h.mu.Lock()
	if t, ok := h.topics[c.name]; ok {
		delete(t.presence, key)
	}
	h.mu.Unlock()
	c.publishPresence()
	return nil
}

// publishPresence broadcasts the full presence key set, matching the
// sync-on-change behavior of hosted realtime services.
func (c *hubChannel) publishPresence() {
	keys := c.hub.Presence(c.name)
	payload, _ := json.Marshal(keys)
	c.hub.Publish(c.name, Event{Type: EventPresence, Payload: payload})
}

func (c *hubChannel) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	if c.closed || !c.subscribed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()
	c.hub.Publish(c.name, ev)
	return nil
}

func (c *hubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	key := c.tracked
	c.tracked = ""
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	if t, ok := h.topics[c.name]; ok {
		delete(t.subs, c)
		if key != "" {
			delete(t.presence, key)
		}
	}
	h.mu.Unlock()
	return nil
}

// deliver runs matching handlers sequentially under the channel lock so one
// channel never observes interleaved events.
func (c *hubChannel) deliver(ev Event) {
	c.mu.Lock()
	if c.closed || !c.subscribed {
		c.mu.Unlock()
		return
	}
	hs := make([]filteredHandler, 0, len(c.handlers[ev.Type]))
	hs = append(hs, c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, fh := range hs {
		if fh.filter != "" && fh.filter != ev.Tag {
			continue
		}
		fh.fn(ev)
	}
}

func (c *hubChannel) dropped(status SubscribeStatus) {
	c.mu.Lock()
	c.subscribed = false
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(status, nil)
	}
}
