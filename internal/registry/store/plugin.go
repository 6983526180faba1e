package store

import (
	"context"
	"fmt"
	"time"

	"github.com/convohq/chat-service/internal/model"
	"github.com/google/uuid"
)

// ChatStore is the persistence contract the managers run on. It is a thin
// document-style interface: find by id, filtered pages, and atomic
// per-document updates. No cross-document transactions are assumed; callers
// order multi-document writes to fail safe.
type ChatStore interface {
	// Conversations
	InsertConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)
	// FindDirectConversation returns the direct conversation between the
	// unordered pair, or a NotFoundError.
	FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error)
	// ListConversationsForUser returns conversations where userID is a
	// participant, ordered by last-message timestamp descending with
	// message-less conversations last, plus the total match count.
	ListConversationsForUser(ctx context.Context, userID string, page, limit int) ([]model.Conversation, int64, error)
	SaveConversation(ctx context.Context, conv *model.Conversation) error
	DeleteConversation(ctx context.Context, conversationID uuid.UUID) error

	// Messages
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error)
	// ListMessages returns non-deleted messages newest-first plus the total
	// non-deleted count for the conversation.
	ListMessages(ctx context.Context, conversationID uuid.UUID, page, limit int) ([]model.Message, int64, error)
	SaveMessage(ctx context.Context, msg *model.Message) error
	// SetReaction upserts the user's reaction on the message, last write wins.
	SetReaction(ctx context.Context, messageID uuid.UUID, userID string, reaction model.Reaction) error
	// RemoveReaction deletes the user's reaction, no-op if absent.
	RemoveReaction(ctx context.Context, messageID uuid.UUID, userID string) error
	// MarkRead records a read receipt for the user, first write wins.
	MarkRead(ctx context.Context, messageID uuid.UUID, userID string, at time.Time) error
	// DeleteMessagesByConversation hard-deletes every message of the
	// conversation, used by the conversation delete cascade.
	DeleteMessagesByConversation(ctx context.Context, conversationID uuid.UUID) (int64, error)
	// LatestVisibleMessage returns the newest non-deleted message of the
	// conversation, or a NotFoundError if none exists.
	LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*model.Message, error)

	// Close releases the underlying connection pool.
	Close(ctx context.Context) error
}

// Loader creates a ChatStore from config carried on the context.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
