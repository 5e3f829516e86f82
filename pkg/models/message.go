package models

// LocalStatus tracks the client-visible delivery state of a message.
type LocalStatus string

const (
	StatusPending   LocalStatus = "pending"
	StatusSent      LocalStatus = "sent"
	StatusDelivered LocalStatus = "delivered"
	StatusRead      LocalStatus = "read"
	StatusFailed    LocalStatus = "failed"
)

// Message is one entry in a conversation. IDs may be client-assigned
// (optimistic sends) or server-assigned; they are unique per conversation.
// Timestamps are UTC nanoseconds; zero means unset.
type Message struct {
	ID           string      `json:"id"`
	Conversation string      `json:"conversation"`
	Sender       string      `json:"sender"`
	Recipient    string      `json:"recipient,omitempty"`
	Body         string      `json:"body"`
	CreatedAt    int64       `json:"created_at"`
	DeliveredAt  int64       `json:"delivered_at,omitempty"`
	ReadAt       int64       `json:"read_at,omitempty"`
	SenderIsSelf bool        `json:"sender_is_self,omitempty"`
	Status       LocalStatus `json:"status,omitempty"`
}

// MessagePatch carries partial status/timestamp changes for UpdateFields.
// Nil fields are left untouched.
type MessagePatch struct {
	Status      *LocalStatus
	DeliveredAt *int64
	ReadAt      *int64
	CreatedAt   *int64
	Body        *string
}

// Apply copies the non-nil patch fields onto m without touching the rest.
func (p MessagePatch) Apply(m *Message) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.DeliveredAt != nil {
		m.DeliveredAt = *p.DeliveredAt
	}
	if p.ReadAt != nil {
		m.ReadAt = *p.ReadAt
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
	if p.Body != nil {
		m.Body = *p.Body
	}
}
