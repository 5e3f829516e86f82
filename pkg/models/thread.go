package models

// ParticipantProfile holds the identity fields the anonymity mode masks.
type ParticipantProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// MaskedProfile returns the generic placeholder shown while a participant
// is out of range. Only presentation fields differ; the id is preserved.
func MaskedProfile(id string) ParticipantProfile {
	return ParticipantProfile{ID: id, DisplayName: "Someone nearby"}
}

// Thread is one aggregate row in the conversation list: the other
// participant, the newest message and the unread tally.
type Thread struct {
	Participant string             `json:"participant"`
	Profile     ParticipantProfile `json:"profile"`
	LastMessage *Message           `json:"last_message,omitempty"`
	UnreadCount int                `json:"unread_count"`
	Anonymous   bool               `json:"anonymous,omitempty"`
	// UpdatedTS is the most-recent-activity timestamp (ns) used for ordering.
	UpdatedTS int64 `json:"updated_ts"`
}
