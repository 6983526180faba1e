package chat

import "github.com/google/uuid"

// Event types pushed to live connections.
const (
	EventMessageNew         = "message.new"
	EventMessageEdited      = "message.edited"
	EventMessageDeleted     = "message.deleted"
	EventReactionChanged    = "message.reaction"
	EventParticipantAdded   = "conversation.participant.added"
	EventParticipantRemoved = "conversation.participant.removed"
	EventConversationNew    = "conversation.new"
	EventConversationUpdate = "conversation.updated"
	EventConversationDelete = "conversation.deleted"
	EventTyping             = "typing"
)

// Event is a typed payload fanned out to the live connections of a
// conversation's participants.
type Event struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	Payload        any       `json:"payload,omitempty"`
}

// Notifier fans an event out to the live connections of the conversation's
// participants, excluding excludeUserID when non-empty. Delivery is
// best-effort and fire-and-forget; implementations must never return the
// outcome to the caller.
type Notifier interface {
	Notify(conversationID uuid.UUID, event Event, excludeUserID string)
}

// NoopNotifier discards all events. Used when no live delivery is wired, and
// in tests that do not care about fan-out.
type NoopNotifier struct{}

func (NoopNotifier) Notify(uuid.UUID, Event, string) {}
