// Package store persists conversations and their turns. The engine treats
// persistence as best-effort: the in-memory session stays authoritative and
// store failures never interrupt a chat exchange.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tmarek/chatmux/pkg/chatmux/engine"
)

// ErrNotFound is returned when a conversation does not exist or has been
// deleted.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a persisted chat thread. Deletion is soft: DeletedAt is
// set and the row is purged later by the retention sweeper.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Store is the persistence interface for conversations and turns.
type Store interface {
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AppendTurn(ctx context.Context, conversationID string, t engine.Turn) error
	Turns(ctx context.Context, conversationID string) ([]engine.Turn, error)

	// PurgeDeleted permanently removes soft-deleted conversations older
	// than the cutoff, returning the number purged.
	PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}
