package models

// ChannelStatus mirrors the transport-level subscription states.
type ChannelStatus string

const (
	ChannelConnecting ChannelStatus = "connecting"
	ChannelSubscribed ChannelStatus = "subscribed"
	ChannelTimedOut   ChannelStatus = "timed_out"
	ChannelClosed     ChannelStatus = "closed"
	ChannelError      ChannelStatus = "error"
)

// Subscription describes one logical realtime subscription.
type Subscription struct {
	ID         string        `json:"id"`
	Status     ChannelStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
}

// ProximityState records the last externally supplied nearness signal.
type ProximityState struct {
	Nearby    bool  `json:"nearby"`
	CheckedTS int64 `json:"checked_ts"`
}
