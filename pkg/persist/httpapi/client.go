// Package httpapi is the REST implementation of persist.Service, speaking
// to a chatsyncd relay. It is what a client process pairs with the wsbridge
// or redis transport.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/persist"
)

// Client talks to the relay's REST API for one local identity.
type Client struct {
	base string
	self string
	hc   *http.Client

	mu         sync.Mutex
	recipients map[string]string // conversation -> other participant
}

// New returns a client for the relay at baseURL (e.g. "http://127.0.0.1:9311").
func New(baseURL, selfID string) *Client {
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		self:       selfID,
		hc:         &http.Client{Timeout: 10 * time.Second},
		recipients: map[string]string{},
	}
}

var _ persist.Service = (*Client)(nil)

// SetRecipient records the other participant of a conversation so sends
// carry it; the relay needs it to maintain both parties' thread rows.
func (c *Client) SetRecipient(conversationID, participantID string) {
	c.mu.Lock()
	c.recipients[conversationID] = participantID
	c.mu.Unlock()
}

func (c *Client) recipientFor(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recipients[conversationID]
}

func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int, beforeTS int64) (persist.Page, error) {
	u := fmt.Sprintf("%s/v1/conversations/%s/messages?limit=%d", c.base, url.PathEscape(conversationID), limit)
	if beforeTS > 0 {
		u += "&before=" + strconv.FormatInt(beforeTS, 10)
	}
	var out struct {
		Messages []models.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return persist.Page{}, err
	}
	for i := range out.Messages {
		out.Messages[i].SenderIsSelf = out.Messages[i].Sender == c.self
	}
	return persist.Page{Messages: out.Messages, HasMore: out.HasMore}, nil
}

func (c *Client) CreateMessage(ctx context.Context, conversationID, body, clientID string) (models.Message, error) {
	m := models.Message{
		ID:        clientID,
		Sender:    c.self,
		Recipient: c.recipientFor(conversationID),
		Body:      body,
	}
	u := fmt.Sprintf("%s/v1/conversations/%s/messages", c.base, url.PathEscape(conversationID))
	var created models.Message
	if err := c.do(ctx, http.MethodPost, u, m, &created); err != nil {
		return models.Message{}, err
	}
	created.SenderIsSelf = true
	return created, nil
}

func (c *Client) ListThreads(ctx context.Context, selfID string) ([]models.Thread, error) {
	if selfID == "" {
		selfID = c.self
	}
	var out struct {
		Threads []models.Thread `json:"threads"`
	}
	u := fmt.Sprintf("%s/v1/threads/%s", c.base, url.PathEscape(selfID))
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("httpapi: %s %s: status %d: %s", method, u, res.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
