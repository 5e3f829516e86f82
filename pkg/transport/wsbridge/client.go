package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fasthttp/websocket"

	"chatsync/pkg/logger"
	"chatsync/pkg/transport"
)

// Client is a transport.Transport that dials a wsbridge server. URL is the
// realtime endpoint, e.g. "ws://127.0.0.1:9311/realtime".
type Client struct {
	URL string
}

func (c *Client) Channel(name string, opts transport.ChannelOptions) transport.Channel {
	return &wsChannel{url: c.URL, name: name, opts: opts, handlers: map[transport.EventType][]wsHandler{}}
}

type wsHandler struct {
	filter string
	fn     func(transport.Event)
}

type wsChannel struct {
	url  string
	name string
	opts transport.ChannelOptions

	mu       sync.Mutex
	handlers map[transport.EventType][]wsHandler
	conn     *websocket.Conn
	wmu      sync.Mutex
	closed   bool
}

func (c *wsChannel) On(t transport.EventType, filter string, h func(transport.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], wsHandler{filter: filter, fn: h})
}

func (c *wsChannel) Subscribe(ctx context.Context, status func(transport.SubscribeStatus, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrChannelClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("wsbridge: already subscribed to %s", c.name)
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url+"?topic="+c.name, nil)
	if err != nil {
		// dial failures are the transport-level timeout case; the channel
		// manager owns the retry policy
		if status != nil {
			status(transport.StatusTimedOut, err)
		}
		return nil
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn, status)
	if status != nil {
		status(transport.StatusSubscribed, nil)
	}
	return nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn, status func(transport.SubscribeStatus, error)) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if status != nil {
				if closed {
					status(transport.StatusClosed, nil)
				} else {
					status(transport.StatusChannelError, err)
				}
			}
			return
		}
		if f.Op != "event" {
			continue
		}
		c.dispatch(transport.Event{Type: f.Type, Topic: c.name, Tag: f.Tag, Payload: f.Payload})
	}
}

func (c *wsChannel) dispatch(ev transport.Event) {
	c.mu.Lock()
	hs := append([]wsHandler(nil), c.handlers[ev.Type]...)
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

func (c *wsChannel) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrChannelClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(f)
}

func (c *wsChannel) Send(ctx context.Context, ev transport.Event) error {
	return c.write(frame{Op: "event", Type: ev.Type, Tag: ev.Tag, Payload: json.RawMessage(ev.Payload)})
}

func (c *wsChannel) Track(ctx context.Context, meta transport.PresenceMeta) error {
	m := meta
	return c.write(frame{Op: "track", Presence: &m})
}

func (c *wsChannel) Untrack(ctx context.Context) error {
	return c.write(frame{Op: "untrack"})
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("ws_close_failed", "topic", c.name, "error", err)
		}
	}
	return nil
}
