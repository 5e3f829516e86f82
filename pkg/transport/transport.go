// Package transport defines the realtime pub-sub surface the sync engine
// consumes: named channels carrying record-change notifications, presence
// and ad hoc broadcasts. Implementations: the in-process Hub (this package),
// a redis adapter (redistream) and a websocket bridge (wsbridge).
package transport

import "context"

// EventType is the wire-level tag of a realtime event. The engine converts
// these into typed variants at its boundary; nothing past the adapter
// dispatches on raw strings.
type EventType string

const (
	EventInsert    EventType = "INSERT"
	EventUpdate    EventType = "UPDATE"
	EventPresence  EventType = "presence"
	EventTyping    EventType = "typing"
	EventBroadcast EventType = "broadcast"
)

// SubscribeStatus reports the outcome of a subscription attempt or a later
// transition of an established subscription.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "subscribed"
	StatusTimedOut     SubscribeStatus = "timed_out"
	StatusClosed       SubscribeStatus = "closed"
	StatusChannelError SubscribeStatus = "channel_error"
)

// Event is one realtime message on a channel. Payload is JSON. Tag carries
// an optional routing value (e.g. a conversation id) matched against
// handler filters. Payload must not be retained after the handler returns;
// it may be backed by a pooled buffer.
type Event struct {
	Type    EventType
	Topic   string
	Tag     string
	Payload []byte
}

// ChannelOptions mirror the channel construction options of the realtime
// service: private channels require auth, PresenceKey names this client in
// the presence set.
type ChannelOptions struct {
	Private     bool
	PresenceKey string
}

// PresenceMeta is the payload announced when a client tracks presence.
type PresenceMeta struct {
	Key      string `json:"key"`
	OnlineAt int64  `json:"online_at"`
}

// Channel is one named realtime stream. Handlers registered via On fire on
// the transport's delivery goroutine; implementations deliver events for one
// channel sequentially.
type Channel interface {
	// On registers a handler for one event type. An empty filter matches
	// every event of that type; otherwise the event Tag must equal filter.
	On(t EventType, filter string, h func(Event))
	// Subscribe starts delivery. status is invoked for the initial outcome
	// and again for later transitions (closed, channel_error).
	Subscribe(ctx context.Context, status func(SubscribeStatus, error)) error
	// Track announces presence on the channel; Untrack withdraws it.
	Track(ctx context.Context, meta PresenceMeta) error
	Untrack(ctx context.Context) error
	// Send publishes an ad hoc event to every subscriber of the channel.
	Send(ctx context.Context, ev Event) error
	// Close tears the channel down; further events are not delivered.
	Close() error
}

// Transport constructs channels by name. Channel may be called for the same
// name more than once; each call yields an independent subscription.
type Transport interface {
	Channel(name string, opts ChannelOptions) Channel
}
