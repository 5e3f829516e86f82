package pebblestore

import (
	"context"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/persist"
)

// Client adapts a Store to persist.Service for one local identity. It is
// what integration tests and the dev relay hand to the engine.
type Client struct {
	store *Store
	self  string
}

// NewClient returns a persist.Service view of store for selfID.
func NewClient(store *Store, selfID string) *Client {
	return &Client{store: store, self: selfID}
}

var _ persist.Service = (*Client)(nil)

func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int, beforeTS int64) (persist.Page, error) {
	if err := ctx.Err(); err != nil {
		return persist.Page{}, err
	}
	msgs, more, err := c.store.ListMessages(conversationID, limit, beforeTS)
	if err != nil {
		return persist.Page{}, err
	}
	for i := range msgs {
		msgs[i].SenderIsSelf = msgs[i].Sender == c.self
	}
	return persist.Page{Messages: msgs, HasMore: more}, nil
}

func (c *Client) CreateMessage(ctx context.Context, conversationID, body, clientID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	m := models.Message{
		ID:           clientID,
		Conversation: conversationID,
		Sender:       c.self,
		Body:         body,
		CreatedAt:    time.Now().UTC().UnixNano(),
		SenderIsSelf: true,
		Status:       models.StatusSent,
	}
	if err := c.store.SaveMessage(m); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

func (c *Client) ListThreads(ctx context.Context, selfID string) ([]models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if selfID == "" {
		selfID = c.self
	}
	rows, err := c.store.ListThreadRows(selfID)
	if err != nil {
		return nil, err
	}
	// enrich rows with stored profiles when available
	for i := range rows {
		if p, err := c.store.GetProfile(rows[i].Participant); err == nil {
			rows[i].Profile = p
		}
	}
	return rows, nil
}
