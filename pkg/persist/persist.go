// Package persist defines the persistence collaborator the sync engine
// loads history from and submits sends to. The engine never persists
// anything itself; a page is normalized to ascending order internally.
package persist

import (
	"context"
	"errors"

	"chatsync/pkg/models"
)

// ErrNotFound is returned when a referenced message or thread is missing.
var ErrNotFound = errors.New("persist: not found")

// Page is one slice of conversation history. Order is whatever the backend
// finds cheapest; callers normalize. HasMore reports whether older entries
// exist past the returned slice.
type Page struct {
	Messages []models.Message
	HasMore  bool
}

// Service is the persistence surface the engine consumes.
type Service interface {
	// GetMessages returns up to limit messages of the conversation created
	// strictly before beforeTS (ns). beforeTS <= 0 means "newest page".
	GetMessages(ctx context.Context, conversationID string, limit int, beforeTS int64) (Page, error)
	// CreateMessage persists a send under the caller-supplied client id and
	// returns the authoritative record with server timestamps.
	CreateMessage(ctx context.Context, conversationID, body, clientID string) (models.Message, error)
	// ListThreads returns the full conversation summaries for selfID,
	// including participant profile data.
	ListThreads(ctx context.Context, selfID string) ([]models.Thread, error)
}
