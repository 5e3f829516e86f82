package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/transport"
)

// The outbound pipeline is id-first: the client id exists before any
// network call and rides along on the submission, so the authoritative echo
// (direct response or realtime broadcast) reconciles into the optimistic
// entry instead of creating a duplicate.

var errBodyTooLarge = errors.New("message body exceeds limit")
var errComposerDisabled = errors.New("composer disabled while participant is distant")

// Send optimistically inserts a pending message and submits it. The
// returned client id identifies the entry for Retry. A failed submission
// flips the entry to failed and is never auto-retried.
func (e *Engine) Send(ctx context.Context, body string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	conv := e.focused
	participant := e.participant
	guard := e.guard
	epoch := e.epoch
	e.mu.Unlock()

	if conv == "" {
		return "", ErrNotFocused
	}
	if int64(len(body)) > e.opts.MaxBodyBytes {
		return "", wrapErr(KindSubmission, "send", errBodyTooLarge)
	}
	if guard != nil && !guard.View().ComposerEnabled {
		return "", wrapErr(KindSubmission, "send", errComposerDisabled)
	}

	clientID := uuid.NewString()
	optimistic := models.Message{
		ID:           clientID,
		Conversation: conv,
		Sender:       e.opts.SelfID,
		Recipient:    participant,
		Body:         body,
		CreatedAt:    time.Now().UTC().UnixNano(),
		SenderIsSelf: true,
		Status:       models.StatusPending,
	}
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		e.store.Upsert(optimistic)
	})

	go e.submit(ctx, epoch, conv, body, clientID)
	return clientID, nil
}

// Retry re-submits a failed message under a freshly generated client id;
// otherwise it behaves like Send. Non-failed messages are refused.
func (e *Engine) Retry(ctx context.Context, id string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	conv := e.focused
	epoch := e.epoch
	m, ok := e.store.Get(id)
	e.mu.Unlock()

	if conv == "" {
		return "", ErrNotFocused
	}
	if !ok {
		return "", fmt.Errorf("retry %s: %w", id, ErrNotFailed)
	}
	if m.Status != models.StatusFailed {
		return "", fmt.Errorf("retry %s: %w", id, ErrNotFailed)
	}

	clientID := uuid.NewString()
	fresh := m
	fresh.ID = clientID
	fresh.Status = models.StatusPending
	fresh.CreatedAt = time.Now().UTC().UnixNano()
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		e.store.Rekey(id, clientID, fresh)
	})

	go e.submit(ctx, epoch, conv, m.Body, clientID)
	return clientID, nil
}

// submit performs the network call and reconciles the result back through
// the coalescer. Failures become a visible failed status; a user-authored
// message is never silently discarded.
func (e *Engine) submit(ctx context.Context, epoch uint64, conv, body, clientID string) {
	rec, err := e.opts.Persist.CreateMessage(ctx, conv, body, clientID)
	if err != nil {
		metricSendFailures.Inc()
		logger.Warn("send_failed", "conv", conv, "client_id", clientID, "error", err)
		e.detailCo.Enqueue(func() {
			if e.epoch != epoch {
				return
			}
			st := models.StatusFailed
			e.store.UpdateFields(clientID, models.MessagePatch{Status: &st})
		})
		return
	}
	rec.SenderIsSelf = true
	if rec.Status == "" || rec.Status == models.StatusPending {
		rec.Status = models.StatusSent
	}
	e.detailCo.Enqueue(func() {
		if e.epoch != epoch {
			return
		}
		// same id as the optimistic entry: replaced in place, never duplicated
		e.store.Upsert(rec)
	})
}

// SetTyping broadcasts the local typing state on the focused channel.
// Broadcasts are throttled; a dropped repeat is harmless since typing is
// edge-triggered UI state.
func (e *Engine) SetTyping(ctx context.Context, typing bool) error {
	e.mu.Lock()
	conv := e.focused
	e.mu.Unlock()
	if conv == "" {
		return ErrNotFocused
	}
	if typing && !e.typingLimiter.Allow() {
		return nil
	}
	payload, _ := json.Marshal(typingPayload{Participant: e.opts.SelfID, Typing: typing})
	if err := e.convMgr.Send(ctx, transport.Event{Type: transport.EventTyping, Payload: payload}); err != nil {
		logger.Debug("typing_broadcast_failed", "error", err)
		return err
	}
	return nil
}
