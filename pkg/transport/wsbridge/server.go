// Package wsbridge exposes an in-process Hub over websockets (fasthttp on
// the server side) so out-of-process engines can consume the same topics.
// One websocket connection carries exactly one channel subscription.
package wsbridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"chatsync/pkg/logger"
	"chatsync/pkg/transport"
)

// frame is the single message shape in both directions.
type frame struct {
	Op       string                  `json:"op"` // event | track | untrack
	Type     transport.EventType     `json:"type,omitempty"`
	Tag      string                  `json:"tag,omitempty"`
	Payload  json.RawMessage         `json:"payload,omitempty"`
	Presence *transport.PresenceMeta `json:"presence,omitempty"`
}

// Server bridges websocket connections onto a Hub.
type Server struct {
	Hub      *transport.Hub
	upgrader websocket.FastHTTPUpgrader
}

// NewServer returns a bridge for hub.
func NewServer(hub *transport.Hub) *Server {
	return &Server{Hub: hub}
}

// Handler is the fasthttp handler for the realtime endpoint. The topic is
// taken from the "topic" query argument.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	topic := string(ctx.QueryArgs().Peek("topic"))
	if topic == "" {
		ctx.Error(`{"error":"missing topic"}`, fasthttp.StatusBadRequest)
		return
	}
	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		s.serve(topic, conn)
	})
	if err != nil {
		logger.Warn("ws_upgrade_failed", "topic", topic, "error", err)
	}
}

func (s *Server) serve(topic string, conn *websocket.Conn) {
	defer conn.Close()

	var wmu sync.Mutex
	writeEvent := func(ev transport.Event) {
		f := frame{Op: "event", Type: ev.Type, Tag: ev.Tag, Payload: append([]byte(nil), ev.Payload...)}
		wmu.Lock()
		err := conn.WriteJSON(f)
		wmu.Unlock()
		if err != nil {
			logger.Debug("ws_write_failed", "topic", topic, "error", err)
		}
	}

	ch := s.Hub.Channel(topic, transport.ChannelOptions{})
	for _, t := range []transport.EventType{
		transport.EventInsert, transport.EventUpdate, transport.EventPresence,
		transport.EventTyping, transport.EventBroadcast,
	} {
		ch.On(t, "", writeEvent)
	}
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		logger.Warn("ws_hub_subscribe_failed", "topic", topic, "error", err)
		return
	}
	defer ch.Close()
	logger.Info("ws_client_subscribed", "topic", topic)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			logger.Debug("ws_client_gone", "topic", topic, "error", err)
			return
		}
		switch f.Op {
		case "event":
			_ = ch.Send(context.Background(), transport.Event{Type: f.Type, Tag: f.Tag, Payload: f.Payload})
		case "track":
			if f.Presence != nil {
				_ = ch.Track(context.Background(), *f.Presence)
			}
		case "untrack":
			_ = ch.Untrack(context.Background())
		default:
			logger.Warn("ws_bad_frame", "topic", topic, "op", f.Op)
		}
	}
}
