package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/convohq/chat-service/internal/authz"
	"github.com/convohq/chat-service/internal/model"
	"github.com/convohq/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

// MessageManager owns message lifecycle: send, edit, soft delete, reactions,
// and read receipts. Per-conversation authorization goes through the
// conversation manager's loaded entities.
type MessageManager struct {
	store    store.ChatStore
	convs    *ConversationManager
	notifier Notifier
}

// NewMessageManager creates a MessageManager sharing the conversation
// manager's store and page limits.
func NewMessageManager(st store.ChatStore, convs *ConversationManager, notifier Notifier) *MessageManager {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &MessageManager{store: st, convs: convs, notifier: notifier}
}

// SetNotifier wires the live delivery hub after construction.
func (m *MessageManager) SetNotifier(n Notifier) {
	if n == nil {
		n = NoopNotifier{}
	}
	m.notifier = n
}

// SendMessageInput carries the send request fields.
type SendMessageInput struct {
	Content     string
	ContentType model.ContentType
	Metadata    *model.MessageMetadata
	ReplyTo     *uuid.UUID
}

func validateContent(in SendMessageInput) error {
	if in.ContentType == "" {
		return &store.ValidationError{Field: "contentType", Message: "required"}
	}
	if !in.ContentType.Valid() {
		return &store.ValidationError{Field: "contentType", Message: "unknown content type"}
	}
	switch in.ContentType {
	case model.ContentTypeText:
		if in.Content == "" {
			return &store.ValidationError{Field: "content", Message: "required for text messages"}
		}
	case model.ContentTypeLocation:
		if in.Metadata == nil || in.Metadata.Location == nil {
			return &store.ValidationError{Field: "metadata.location", Message: "required for location messages"}
		}
	default:
		// image, file, audio, video all point at stored media
		if in.Metadata == nil || in.Metadata.FileURL == "" {
			return &store.ValidationError{Field: "metadata.fileUrl", Message: "required for " + string(in.ContentType) + " messages"}
		}
	}
	return nil
}

// SendMessage creates a message in the conversation and refreshes the
// conversation's last-message summary. The message insert is authoritative;
// the summary update is best-effort and attempted even when the originating
// request has been cancelled.
func (m *MessageManager) SendMessage(ctx context.Context, actorID string, conversationID uuid.UUID, in SendMessageInput) (*model.Message, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authz.IsParticipant(conv, actorID) {
		return nil, &store.ForbiddenError{}
	}
	if err := validateContent(in); err != nil {
		return nil, err
	}
	if in.ReplyTo != nil {
		parent, err := m.store.GetMessage(ctx, *in.ReplyTo)
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != conversationID {
			return nil, &store.ValidationError{Field: "replyTo", Message: "must reference a message in the same conversation"}
		}
	}

	now := time.Now().UTC()
	msg := &model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       actorID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		Metadata:       in.Metadata,
		ReplyTo:        in.ReplyTo,
		Reactions:      map[string]model.Reaction{},
		ReadBy:         map[string]time.Time{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	m.convs.refreshSummary(context.WithoutCancel(ctx), conversationID)

	m.notifier.Notify(conversationID, Event{
		Type:           EventMessageNew,
		ConversationID: conversationID,
		SenderID:       actorID,
		Payload:        msg,
	}, actorID)
	return msg, nil
}

// GetMessages returns a page of the conversation's non-deleted messages.
// The store pages newest-first; the returned slice is re-ordered oldest-first
// for display. Every returned message the actor has not yet read is marked
// read as a best-effort side effect.
func (m *MessageManager) GetMessages(ctx context.Context, actorID string, conversationID uuid.UUID, page, limit int) ([]model.Message, int64, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if !authz.IsParticipant(conv, actorID) {
		return nil, 0, &store.ForbiddenError{}
	}

	page, limit = m.convs.normalizePage(page, limit)
	msgs, total, err := m.store.ListMessages(ctx, conversationID, page, limit)
	if err != nil {
		return nil, 0, err
	}

	// oldest-first for display
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	m.markRead(context.WithoutCancel(ctx), conv, actorID, msgs)
	return msgs, total, nil
}

// markRead records first-write-wins read receipts for the actor and advances
// the actor's read cursor on the conversation. Failures are logged only.
func (m *MessageManager) markRead(ctx context.Context, conv *model.Conversation, actorID string, msgs []model.Message) {
	now := time.Now().UTC()
	marked := false
	for i := range msgs {
		msg := &msgs[i]
		if _, ok := msg.ReadBy[actorID]; ok {
			continue
		}
		if err := m.store.MarkRead(ctx, msg.ID, actorID, now); err != nil {
			log.Warn("Read receipt write failed", "messageID", msg.ID, "userID", actorID, "err", err)
			continue
		}
		if msg.ReadBy == nil {
			msg.ReadBy = map[string]time.Time{}
		}
		msg.ReadBy[actorID] = now
		marked = true
	}
	if !marked {
		return
	}
	if p := conv.Participant(actorID); p != nil {
		p.LastReadAt = &now
		if err := m.store.SaveConversation(ctx, conv); err != nil {
			log.Warn("Read cursor update failed", "conversationID", conv.ID, "userID", actorID, "err", err)
		}
	}
}

// EditMessage replaces the message content. Sender only. Content type and
// metadata are immutable after send.
func (m *MessageManager) EditMessage(ctx context.Context, actorID string, messageID uuid.UUID, newContent string) (*model.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !authz.IsAuthor(msg, actorID) {
		return nil, &store.ForbiddenError{}
	}
	if msg.IsDeleted {
		return nil, &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if newContent == "" {
		return nil, &store.ValidationError{Field: "content", Message: "required"}
	}

	msg.Content = newContent
	msg.IsEdited = true
	msg.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	m.refreshSummaryIfCurrent(ctx, msg)

	m.notifier.Notify(msg.ConversationID, Event{
		Type:           EventMessageEdited,
		ConversationID: msg.ConversationID,
		SenderID:       actorID,
		Payload:        msg,
	}, actorID)
	return msg, nil
}

// DeleteMessage soft-deletes the message. Sender only. The content stays in
// storage but the message disappears from listings and from any future
// summary recomputation.
func (m *MessageManager) DeleteMessage(ctx context.Context, actorID string, messageID uuid.UUID) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !authz.IsAuthor(msg, actorID) {
		return &store.ForbiddenError{}
	}
	if msg.IsDeleted {
		return nil
	}

	now := time.Now().UTC()
	msg.IsDeleted = true
	msg.DeletedAt = &now
	msg.UpdatedAt = now
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return err
	}

	m.refreshSummaryIfCurrent(context.WithoutCancel(ctx), msg)

	m.notifier.Notify(msg.ConversationID, Event{
		Type:           EventMessageDeleted,
		ConversationID: msg.ConversationID,
		SenderID:       actorID,
		Payload:        map[string]any{"messageId": msg.ID},
	}, actorID)
	return nil
}

// refreshSummaryIfCurrent recomputes the conversation summary when the
// mutated message is the one the summary points at. A stale summary is a
// display artifact, so mismatched loads are simply skipped.
func (m *MessageManager) refreshSummaryIfCurrent(ctx context.Context, msg *model.Message) {
	conv, err := m.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		log.Warn("Summary check: conversation load failed", "conversationID", msg.ConversationID, "err", err)
		return
	}
	if conv.LastMessage == nil || conv.LastMessage.MessageID != msg.ID {
		return
	}
	m.convs.refreshSummary(ctx, msg.ConversationID)
}

// AddReaction upserts the actor's reaction on the message. Any participant
// of the owning conversation may react; a repeat call replaces the previous
// emoji and timestamp.
func (m *MessageManager) AddReaction(ctx context.Context, actorID string, messageID uuid.UUID, emoji string) (*model.Message, error) {
	if emoji == "" {
		return nil, &store.ValidationError{Field: "emoji", Message: "required"}
	}
	msg, err := m.loadForParticipant(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}

	reaction := model.Reaction{Emoji: emoji, Timestamp: time.Now().UTC()}
	if err := m.store.SetReaction(ctx, messageID, actorID, reaction); err != nil {
		return nil, err
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string]model.Reaction{}
	}
	msg.Reactions[actorID] = reaction

	m.notifier.Notify(msg.ConversationID, Event{
		Type:           EventReactionChanged,
		ConversationID: msg.ConversationID,
		SenderID:       actorID,
		Payload:        map[string]any{"messageId": msg.ID, "userId": actorID, "emoji": emoji},
	}, actorID)
	return msg, nil
}

// RemoveReaction removes the actor's own reaction. No-op if absent.
func (m *MessageManager) RemoveReaction(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	msg, err := m.loadForParticipant(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}

	if err := m.store.RemoveReaction(ctx, messageID, actorID); err != nil {
		return nil, err
	}
	delete(msg.Reactions, actorID)

	m.notifier.Notify(msg.ConversationID, Event{
		Type:           EventReactionChanged,
		ConversationID: msg.ConversationID,
		SenderID:       actorID,
		Payload:        map[string]any{"messageId": msg.ID, "userId": actorID, "emoji": nil},
	}, actorID)
	return msg, nil
}

// loadForParticipant loads the message and verifies the actor participates
// in its conversation.
func (m *MessageManager) loadForParticipant(ctx context.Context, actorID string, messageID uuid.UUID) (*model.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := m.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !authz.IsParticipant(conv, actorID) {
		return nil, &store.ForbiddenError{}
	}
	return msg, nil
}
