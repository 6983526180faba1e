// Package authz holds the pure authorization predicates consulted by the
// conversation and message managers. Predicates take already-loaded entities
// and never touch storage, which keeps authorization decisions testable in
// isolation.
package authz

import "github.com/convohq/chat-service/internal/model"

// IsParticipant reports whether userID is a participant of the conversation.
func IsParticipant(conv *model.Conversation, userID string) bool {
	return conv != nil && conv.Participant(userID) != nil
}

// IsAdmin reports whether userID holds the admin role in the conversation.
func IsAdmin(conv *model.Conversation, userID string) bool {
	if conv == nil {
		return false
	}
	p := conv.Participant(userID)
	return p != nil && p.Role == model.RoleAdmin
}

// IsAuthor reports whether userID sent the message.
func IsAuthor(msg *model.Message, userID string) bool {
	return msg != nil && msg.SenderID == userID
}
