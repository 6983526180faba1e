package metrics

import (
	"context"
	"time"

	"github.com/convohq/chat-service/internal/model"
	"github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	defer observe("insert_conversation", time.Now())
	return m.inner.InsertConversation(ctx, conv)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer observe("find_direct_conversation", time.Now())
	return m.inner.FindDirectConversation(ctx, userA, userB)
}

func (m *metricsStore) ListConversationsForUser(ctx context.Context, userID string, page, limit int) ([]model.Conversation, int64, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversationsForUser(ctx, userID, page, limit)
}

func (m *metricsStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	defer observe("save_conversation", time.Now())
	return m.inner.SaveConversation(ctx, conv)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, conversationID)
}

func (m *metricsStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	defer observe("insert_message", time.Now())
	return m.inner.InsertMessage(ctx, msg)
}

func (m *metricsStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, messageID)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID uuid.UUID, page, limit int) ([]model.Message, int64, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID, page, limit)
}

func (m *metricsStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	defer observe("save_message", time.Now())
	return m.inner.SaveMessage(ctx, msg)
}

func (m *metricsStore) SetReaction(ctx context.Context, messageID uuid.UUID, userID string, reaction model.Reaction) error {
	defer observe("set_reaction", time.Now())
	return m.inner.SetReaction(ctx, messageID, userID, reaction)
}

func (m *metricsStore) RemoveReaction(ctx context.Context, messageID uuid.UUID, userID string) error {
	defer observe("remove_reaction", time.Now())
	return m.inner.RemoveReaction(ctx, messageID, userID)
}

func (m *metricsStore) MarkRead(ctx context.Context, messageID uuid.UUID, userID string, at time.Time) error {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, messageID, userID, at)
}

func (m *metricsStore) DeleteMessagesByConversation(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	defer observe("delete_messages_by_conversation", time.Now())
	return m.inner.DeleteMessagesByConversation(ctx, conversationID)
}

func (m *metricsStore) LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*model.Message, error) {
	defer observe("latest_visible_message", time.Now())
	return m.inner.LatestVisibleMessage(ctx, conversationID)
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}
