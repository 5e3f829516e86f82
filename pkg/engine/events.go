package engine

import (
	"encoding/json"
	"fmt"

	"chatsync/pkg/models"
	"chatsync/pkg/transport"
)

// The transport tags events with wire-level strings. decodeEvent converts
// them into this closed set of variants at the boundary; reducers never see
// raw tags or raw payload bytes.

// ChannelEvent is the typed realtime event set.
type ChannelEvent interface{ isChannelEvent() }

// MessageInserted is a newly persisted message record.
type MessageInserted struct{ Message models.Message }

// MessageUpdated is a status/timestamp change to an existing record.
type MessageUpdated struct{ Message models.Message }

// PresenceSync is the full presence key set after a join or leave.
type PresenceSync struct{ Keys []string }

// TypingChanged is an ad hoc typing broadcast.
type TypingChanged struct {
	Participant string
	Typing      bool
}

// LocationChanged signals a fresh location fix for a participant; it
// triggers a proximity re-check, never a message mutation.
type LocationChanged struct{ Participant string }

func (MessageInserted) isChannelEvent() {}
func (MessageUpdated) isChannelEvent()  {}
func (PresenceSync) isChannelEvent()    {}
func (TypingChanged) isChannelEvent()   {}
func (LocationChanged) isChannelEvent() {}

// typingPayload is the wire shape of typing broadcasts.
type typingPayload struct {
	Participant string `json:"participant"`
	Typing      bool   `json:"typing"`
}

// locationPayload is the wire shape of location-change broadcasts.
type locationPayload struct {
	Participant string `json:"participant"`
}

// BroadcastLocation is the broadcast tag carrying locationPayload.
const BroadcastLocation = "location"

// decodeEvent maps a transport event to its typed variant. Unknown or
// malformed events yield an error and are dropped by the caller; they must
// never reach a reducer half-parsed.
func decodeEvent(ev transport.Event) (ChannelEvent, error) {
	switch ev.Type {
	case transport.EventInsert:
		var m models.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode insert: %w", err)
		}
		return MessageInserted{Message: m}, nil
	case transport.EventUpdate:
		var m models.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		return MessageUpdated{Message: m}, nil
	case transport.EventPresence:
		var keys []string
		if err := json.Unmarshal(ev.Payload, &keys); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		return PresenceSync{Keys: keys}, nil
	case transport.EventTyping:
		var p typingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode typing: %w", err)
		}
		return TypingChanged{Participant: p.Participant, Typing: p.Typing}, nil
	case transport.EventBroadcast:
		if ev.Tag == BroadcastLocation {
			var p locationPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode location: %w", err)
			}
			return LocationChanged{Participant: p.Participant}, nil
		}
		return nil, fmt.Errorf("unknown broadcast tag %q", ev.Tag)
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}
