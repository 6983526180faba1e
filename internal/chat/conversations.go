// Package chat implements the conversation and message managers. Both run on
// the thin ChatStore contract and consult the authz predicates for every
// actor-sensitive operation. Cross-document writes are ordered so the
// authoritative record lands first and derived state is best-effort.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/convohq/chat-service/internal/authz"
	"github.com/convohq/chat-service/internal/model"
	"github.com/convohq/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

// ConversationManager owns conversation lifecycle, participant membership,
// and the denormalized last-message summary.
type ConversationManager struct {
	store    store.ChatStore
	notifier Notifier

	defaultPageSize int
	maxPageSize     int
}

// NewConversationManager creates a ConversationManager. A nil notifier
// disables live fan-out.
func NewConversationManager(st store.ChatStore, notifier Notifier, defaultPageSize, maxPageSize int) *ConversationManager {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if defaultPageSize <= 0 {
		defaultPageSize = 20
	}
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &ConversationManager{
		store:           st,
		notifier:        notifier,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// SetNotifier wires the live delivery hub after construction. The hub needs
// the manager to resolve participants, so the two are linked in two steps.
func (m *ConversationManager) SetNotifier(n Notifier) {
	if n == nil {
		n = NoopNotifier{}
	}
	m.notifier = n
}

func (m *ConversationManager) normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = m.defaultPageSize
	}
	if limit > m.maxPageSize {
		limit = m.maxPageSize
	}
	return page, limit
}

// CreateConversationInput carries the create request fields.
type CreateConversationInput struct {
	Kind           model.Kind
	ParticipantIDs []string
	Name           string
	Description    string
	Picture        string
	Settings       *model.Settings
	IsEncrypted    bool
}

// CreateConversation creates a direct or group conversation. Direct creation
// is idempotent: when a thread between the pair already exists it is returned
// unchanged and created is false.
func (m *ConversationManager) CreateConversation(ctx context.Context, actorID string, in CreateConversationInput) (conv *model.Conversation, created bool, err error) {
	switch in.Kind {
	case model.KindDirect:
		return m.createDirect(ctx, actorID, in)
	case model.KindGroup:
		return m.createGroup(ctx, actorID, in)
	default:
		return nil, false, &store.ValidationError{Field: "kind", Message: "must be direct or group"}
	}
}

func (m *ConversationManager) createDirect(ctx context.Context, actorID string, in CreateConversationInput) (*model.Conversation, bool, error) {
	others := dedupe(in.ParticipantIDs, actorID)
	if len(others) != 1 {
		return nil, false, &store.ValidationError{Field: "participantIds", Message: "direct conversation requires exactly one other participant"}
	}
	other := others[0]

	existing, err := m.store.FindDirectConversation(ctx, actorID, other)
	if err == nil {
		return existing, false, nil
	}
	var nf *store.NotFoundError
	if !errors.As(err, &nf) {
		return nil, false, err
	}

	now := time.Now().UTC()
	key := model.DirectPairKey(actorID, other)
	conv := &model.Conversation{
		ID:   uuid.New(),
		Kind: model.KindDirect,
		Participants: []model.Participant{
			{UserID: actorID, Role: model.RoleAdmin, JoinedAt: now},
			{UserID: other, Role: model.RoleMember, JoinedAt: now},
		},
		DirectKey:   &key,
		Settings:    settingsOrDefault(in.Settings),
		IsEncrypted: in.IsEncrypted,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.InsertConversation(ctx, conv); err != nil {
		// Lost a create race: the unique pair index rejected the insert, so
		// the winner's thread is the one to return.
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			if existing, ferr := m.store.FindDirectConversation(ctx, actorID, other); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	m.notifier.Notify(conv.ID, Event{
		Type:           EventConversationNew,
		ConversationID: conv.ID,
		SenderID:       actorID,
		Payload:        conv,
	}, actorID)
	return conv, true, nil
}

func (m *ConversationManager) createGroup(ctx context.Context, actorID string, in CreateConversationInput) (*model.Conversation, bool, error) {
	if in.Name == "" {
		return nil, false, &store.ValidationError{Field: "name", Message: "group conversation requires a name"}
	}

	now := time.Now().UTC()
	participants := []model.Participant{
		{UserID: actorID, Role: model.RoleAdmin, JoinedAt: now},
	}
	for _, id := range dedupe(in.ParticipantIDs, actorID) {
		participants = append(participants, model.Participant{UserID: id, Role: model.RoleMember, JoinedAt: now})
	}

	conv := &model.Conversation{
		ID:           uuid.New(),
		Kind:         model.KindGroup,
		Name:         in.Name,
		Description:  in.Description,
		Picture:      in.Picture,
		Participants: participants,
		Settings:     settingsOrDefault(in.Settings),
		IsEncrypted:  in.IsEncrypted,
		CreatedBy:    actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.InsertConversation(ctx, conv); err != nil {
		return nil, false, err
	}

	m.notifier.Notify(conv.ID, Event{
		Type:           EventConversationNew,
		ConversationID: conv.ID,
		SenderID:       actorID,
		Payload:        conv,
	}, actorID)
	return conv, true, nil
}

// GetConversationsForUser returns the actor's conversations ordered by
// last-message recency, newest first, with the total count for pagination.
func (m *ConversationManager) GetConversationsForUser(ctx context.Context, userID string, page, limit int) ([]model.Conversation, int64, error) {
	page, limit = m.normalizePage(page, limit)
	return m.store.ListConversationsForUser(ctx, userID, page, limit)
}

// GetConversation loads a conversation the actor participates in.
func (m *ConversationManager) GetConversation(ctx context.Context, actorID string, conversationID uuid.UUID) (*model.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authz.IsParticipant(conv, actorID) {
		return nil, &store.ForbiddenError{}
	}
	return conv, nil
}

// ParticipantIDs resolves the participant user ids of a conversation without
// an actor check. Used by the delivery registry for fan-out.
func (m *ConversationManager) ParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.ParticipantIDs(), nil
}

// IsParticipant reports whether the user participates in the conversation.
// Used by the delivery registry to gate inbound relay events.
func (m *ConversationManager) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return authz.IsParticipant(conv, userID), nil
}

// UpdateConversationInput carries the admin-updatable fields. Nil pointers
// leave the field unchanged.
type UpdateConversationInput struct {
	Name        *string
	Description *string
	Picture     *string
	Settings    *model.Settings
}

// UpdateConversation applies the patch. Admin only.
func (m *ConversationManager) UpdateConversation(ctx context.Context, actorID string, conversationID uuid.UUID, in UpdateConversationInput) (*model.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authz.IsAdmin(conv, actorID) {
		return nil, &store.ForbiddenError{}
	}

	if in.Name != nil {
		if conv.Kind == model.KindGroup && *in.Name == "" {
			return nil, &store.ValidationError{Field: "name", Message: "group conversation requires a name"}
		}
		conv.Name = *in.Name
	}
	if in.Description != nil {
		conv.Description = *in.Description
	}
	if in.Picture != nil {
		conv.Picture = *in.Picture
	}
	if in.Settings != nil {
		conv.Settings = *in.Settings
	}
	conv.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}

	m.notifier.Notify(conv.ID, Event{
		Type:           EventConversationUpdate,
		ConversationID: conv.ID,
		SenderID:       actorID,
		Payload:        conv,
	}, actorID)
	return conv, nil
}

// DeleteConversation removes the conversation and every message it owns.
// Admin only. Messages are deleted first so a partial failure leaves a
// conversation with no messages rather than orphaned messages; the remaining
// conversation delete can simply be retried.
func (m *ConversationManager) DeleteConversation(ctx context.Context, actorID string, conversationID uuid.UUID) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !authz.IsAdmin(conv, actorID) {
		return &store.ForbiddenError{}
	}

	deleted, err := m.store.DeleteMessagesByConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteConversation(ctx, conversationID); err != nil {
		log.Error("Conversation delete failed after message cascade; retry will complete it",
			"conversationID", conversationID, "messagesDeleted", deleted, "err", err)
		return err
	}
	log.Info("Conversation deleted", "conversationID", conversationID, "messagesDeleted", deleted)

	m.notifier.Notify(conversationID, Event{
		Type:           EventConversationDelete,
		ConversationID: conversationID,
		SenderID:       actorID,
	}, actorID)
	return nil
}

// AddParticipant adds a user to a group conversation. Admin only. Adding an
// existing participant is a no-op.
func (m *ConversationManager) AddParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, newUserID string, role model.Role) (*model.Conversation, error) {
	if newUserID == "" {
		return nil, &store.ValidationError{Field: "userId", Message: "required"}
	}
	if role == "" {
		role = model.RoleMember
	}
	if role != model.RoleAdmin && role != model.RoleMember {
		return nil, &store.ValidationError{Field: "role", Message: "must be admin or member"}
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authz.IsAdmin(conv, actorID) {
		return nil, &store.ForbiddenError{}
	}
	if conv.Kind == model.KindDirect {
		return nil, &store.ValidationError{Field: "conversationId", Message: "cannot modify participants of a direct conversation"}
	}
	if authz.IsParticipant(conv, newUserID) {
		return conv, nil
	}

	conv.Participants = append(conv.Participants, model.Participant{
		UserID:   newUserID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	})
	conv.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}

	m.notifier.Notify(conv.ID, Event{
		Type:           EventParticipantAdded,
		ConversationID: conv.ID,
		SenderID:       actorID,
		Payload:        map[string]any{"userId": newUserID, "role": role},
	}, actorID)
	return conv, nil
}

// RemoveParticipant removes a user from a group conversation. Admin only.
// The conversation must keep at least one admin.
func (m *ConversationManager) RemoveParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, targetUserID string) (*model.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !authz.IsAdmin(conv, actorID) {
		return nil, &store.ForbiddenError{}
	}
	if conv.Kind == model.KindDirect {
		return nil, &store.ValidationError{Field: "conversationId", Message: "cannot modify participants of a direct conversation"}
	}
	target := conv.Participant(targetUserID)
	if target == nil {
		return nil, &store.NotFoundError{Resource: "participant", ID: targetUserID}
	}
	if target.Role == model.RoleAdmin && conv.AdminCount() <= 1 {
		return nil, &store.ValidationError{Field: "userId", Message: "cannot remove the last admin"}
	}

	kept := conv.Participants[:0]
	for _, p := range conv.Participants {
		if p.UserID != targetUserID {
			kept = append(kept, p)
		}
	}
	conv.Participants = kept
	conv.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}

	m.notifier.Notify(conv.ID, Event{
		Type:           EventParticipantRemoved,
		ConversationID: conv.ID,
		SenderID:       actorID,
		Payload:        map[string]any{"userId": targetUserID},
	}, actorID)
	return conv, nil
}

// refreshSummary recomputes the conversation's last-message summary from the
// newest non-deleted message. Best-effort: failures are logged, never
// surfaced to the triggering request.
func (m *ConversationManager) refreshSummary(ctx context.Context, conversationID uuid.UUID) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Warn("Summary refresh: conversation load failed", "conversationID", conversationID, "err", err)
		return
	}

	latest, err := m.store.LatestVisibleMessage(ctx, conversationID)
	var nf *store.NotFoundError
	switch {
	case errors.As(err, &nf):
		conv.LastMessage = nil
	case err != nil:
		log.Warn("Summary refresh: latest message lookup failed", "conversationID", conversationID, "err", err)
		return
	default:
		conv.LastMessage = &model.LastMessageSummary{
			MessageID:   latest.ID,
			Preview:     latest.Preview(),
			SenderID:    latest.SenderID,
			ContentType: latest.ContentType,
			Timestamp:   latest.CreatedAt,
		}
	}
	conv.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		log.Warn("Summary refresh: save failed", "conversationID", conversationID, "err", err)
	}
}

func settingsOrDefault(s *model.Settings) model.Settings {
	if s == nil {
		return model.Settings{}
	}
	return *s
}

func dedupe(ids []string, exclude string) []string {
	seen := map[string]bool{exclude: true}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
