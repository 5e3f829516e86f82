// Package redistream adapts redis pub/sub to the transport interface so
// several relay processes can fan events out to each other. Presence is
// kept in TTL keys: a member that stops refreshing falls out on its own.
package redistream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chatsync/pkg/logger"
	"chatsync/pkg/transport"
)

const (
	topicPrefix    = "chatsync:topic:"
	presencePrefix = "chatsync:presence:"
)

// wireEvent is the published frame.
type wireEvent struct {
	Type    transport.EventType `json:"type"`
	Tag     string              `json:"tag,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
}

// Transport implements transport.Transport over one redis client.
type Transport struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// New wraps client. presenceTTL bounds how long an unrefreshed presence key
// survives; zero means 30s.
func New(client *redis.Client, presenceTTL time.Duration) *Transport {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	return &Transport{client: client, presenceTTL: presenceTTL}
}

// Ping verifies the connection; callers treat a failure here as a
// configuration problem, not a transient one.
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *Transport) Channel(name string, opts transport.ChannelOptions) transport.Channel {
	return &channel{tr: t, name: name, opts: opts, handlers: map[transport.EventType][]handler{}}
}

type handler struct {
	filter string
	fn     func(transport.Event)
}

type channel struct {
	tr   *Transport
	name string
	opts transport.ChannelOptions

	mu       sync.Mutex
	handlers map[transport.EventType][]handler
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	tracked  string
	closed   bool
}

func (c *channel) On(t transport.EventType, filter string, h func(transport.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], handler{filter: filter, fn: h})
}

func (c *channel) Subscribe(ctx context.Context, status func(transport.SubscribeStatus, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrChannelClosed
	}
	if c.pubsub != nil {
		c.mu.Unlock()
		return fmt.Errorf("redistream: already subscribed to %s", c.name)
	}
	ps := c.tr.client.Subscribe(ctx, topicPrefix+c.name)
	c.pubsub = ps
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	// Receive blocks until redis confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		c.mu.Lock()
		c.pubsub = nil
		c.cancel = nil
		c.mu.Unlock()
		_ = ps.Close()
		cancel()
		if status != nil {
			status(transport.StatusTimedOut, err)
		}
		return nil
	}
	go c.readLoop(runCtx, ps, status)
	if status != nil {
		status(transport.StatusSubscribed, nil)
	}
	return nil
}

func (c *channel) readLoop(ctx context.Context, ps *redis.PubSub, status func(transport.SubscribeStatus, error)) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if status != nil {
					if closed {
						status(transport.StatusClosed, nil)
					} else {
						status(transport.StatusChannelError, fmt.Errorf("redistream: stream ended for %s", c.name))
					}
				}
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				logger.Warn("redistream_bad_frame", "topic", c.name, "error", err)
				continue
			}
			c.dispatch(transport.Event{Type: we.Type, Topic: c.name, Tag: we.Tag, Payload: we.Payload})
		}
	}
}

func (c *channel) dispatch(ev transport.Event) {
	c.mu.Lock()
	hs := append([]handler(nil), c.handlers[ev.Type]...)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	for _, h := range hs {
		if h.filter != "" && h.filter != ev.Tag {
			continue
		}
		h.fn(ev)
	}
}

func (c *channel) Send(ctx context.Context, ev transport.Event) error {
	frame, err := json.Marshal(wireEvent{Type: ev.Type, Tag: ev.Tag, Payload: json.RawMessage(ev.Payload)})
	if err != nil {
		return err
	}
	return c.tr.client.Publish(ctx, topicPrefix+c.name, frame).Err()
}

func (c *channel) Track(ctx context.Context, meta transport.PresenceMeta) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrChannelClosed
	}
	c.tracked = meta.Key
	c.mu.Unlock()
	key := presencePrefix + c.name + ":" + meta.Key
	if err := c.tr.client.Set(ctx, key, meta.OnlineAt, c.tr.presenceTTL).Err(); err != nil {
		return err
	}
	return c.publishPresence(ctx)
}

func (c *channel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	key := c.tracked
	c.tracked = ""
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	if err := c.tr.client.Del(ctx, presencePrefix+c.name+":"+key).Err(); err != nil {
		return err
	}
	return c.publishPresence(ctx)
}

// publishPresence scans the presence keys for the topic and broadcasts the
// full member set, mirroring the sync-on-change behavior of hosted realtime.
func (c *channel) publishPresence(ctx context.Context) error {
	prefix := presencePrefix + c.name + ":"
	var keys []string
	iter := c.tr.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return err
	}
	sort.Strings(keys)
	payload, _ := json.Marshal(keys)
	return c.Send(ctx, transport.Event{Type: transport.EventPresence, Payload: payload})
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps := c.pubsub
	cancel := c.cancel
	key := c.tracked
	c.tracked = ""
	c.mu.Unlock()

	if key != "" {
		_ = c.tr.client.Del(context.Background(), presencePrefix+c.name+":"+key).Err()
	}
	if cancel != nil {
		cancel()
	}
	if ps != nil {
		return ps.Close()
	}
	return nil
}
