package model

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind distinguishes one-to-one threads from named group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Role is a participant's role within a conversation.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ContentType identifies what a message body carries.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeFile     ContentType = "file"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeVideo    ContentType = "video"
	ContentTypeLocation ContentType = "location"
)

// Valid reports whether t is one of the recognized content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeFile, ContentTypeAudio, ContentTypeVideo, ContentTypeLocation:
		return true
	}
	return false
}

// Participant binds a user to a conversation with a role and a read cursor.
type Participant struct {
	UserID     string     `json:"userId"`
	Role       Role       `json:"role"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// LastMessageSummary is a denormalized snapshot of the newest non-deleted
// message, cached on the conversation so listing does not re-scan messages.
// It is display-only and may lag the message collection briefly.
type LastMessageSummary struct {
	MessageID   uuid.UUID   `json:"messageId"`
	Preview     string      `json:"preview"`
	SenderID    string      `json:"senderId"`
	ContentType ContentType `json:"contentType"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Settings holds per-conversation behavior toggles.
type Settings struct {
	SlowModeSeconds int    `json:"slowModeSeconds"`
	IsPublic        bool   `json:"isPublic"`
	JoinLink        string `json:"joinLink,omitempty"`
}

// Conversation is a direct or group chat thread. It exclusively owns its
// participant list and last-message summary.
type Conversation struct {
	ID           uuid.UUID           `json:"id"                     gorm:"primaryKey;type:uuid"`
	Kind         Kind                `json:"kind"                   gorm:"not null"`
	Name         string              `json:"name,omitempty"`
	Description  string              `json:"description,omitempty"`
	Picture      string              `json:"picture,omitempty"`
	Participants []Participant       `json:"participants"           gorm:"type:jsonb;serializer:json;not null;default:'[]'"`
	DirectKey    *string             `json:"-"                      gorm:"uniqueIndex"` // normalized participant pair, direct kind only
	LastMessage  *LastMessageSummary `json:"lastMessage,omitempty"  gorm:"type:jsonb;serializer:json"`
	// LastMessageAt mirrors LastMessage.Timestamp into a plain column so
	// relational stores can order the conversation list without unpacking
	// the summary JSON.
	LastMessageAt *time.Time `json:"-"           gorm:"index"`
	Settings      Settings   `json:"settings"    gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	IsEncrypted   bool       `json:"isEncrypted" gorm:"not null;default:false"`
	CreatedBy     string     `json:"createdBy"   gorm:"not null"`
	CreatedAt     time.Time  `json:"createdAt"   gorm:"not null"`
	UpdatedAt     time.Time  `json:"updatedAt"   gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant returns the participant entry for userID, or nil.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// AdminCount returns the number of participants holding the admin role.
func (c *Conversation) AdminCount() int {
	n := 0
	for i := range c.Participants {
		if c.Participants[i].Role == RoleAdmin {
			n++
		}
	}
	return n
}

// ParticipantIDs returns the user ids of all participants.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for i := range c.Participants {
		ids = append(ids, c.Participants[i].UserID)
	}
	return ids
}

// DirectPairKey normalizes an unordered pair of user ids into a stable key.
// The key backs the uniqueness constraint that prevents duplicate direct
// threads between the same two users, even under a concurrent create race.
func DirectPairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Reaction is one user's emoji reaction on a message. Keyed by user id on the
// message, so at most one reaction per user is structural.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// GeoPoint is a longitude/latitude pair for location messages.
type GeoPoint struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// MessageMetadata carries content-type specific fields. Which fields are
// required depends on the message's content type, see Validate.
type MessageMetadata struct {
	FileName     string    `json:"fileName,omitempty"`
	FileSize     int64     `json:"fileSize,omitempty"`
	FileType     string    `json:"fileType,omitempty"`
	FileURL      string    `json:"fileUrl,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
}

// Message is a single entry in a conversation. It exclusively owns its
// reaction and read-receipt maps. The conversation reference is a
// back-reference, not an ownership edge.
type Message struct {
	ID             uuid.UUID            `json:"id"                     gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID            `json:"conversationId"         gorm:"not null;type:uuid;index"`
	SenderID       string               `json:"senderId"               gorm:"not null"`
	Content        string               `json:"content"`
	ContentType    ContentType          `json:"contentType"            gorm:"not null"`
	Metadata       *MessageMetadata     `json:"metadata,omitempty"     gorm:"type:jsonb;serializer:json"`
	ReplyTo        *uuid.UUID           `json:"replyTo,omitempty"      gorm:"type:uuid"`
	Reactions      map[string]Reaction  `json:"reactions"              gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	ReadBy         map[string]time.Time `json:"readBy"                 gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	IsEdited       bool                 `json:"isEdited"               gorm:"not null;default:false"`
	IsDeleted      bool                 `json:"isDeleted"              gorm:"not null;default:false"`
	DeletedAt      *time.Time           `json:"deletedAt,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"              gorm:"not null"`
	UpdatedAt      time.Time            `json:"updatedAt"              gorm:"not null"`
}

func (Message) TableName() string { return "messages" }

// Preview returns the summary text stored on the owning conversation.
// Non-text messages summarize to a short tag instead of raw metadata.
func (m *Message) Preview() string {
	if m.ContentType == ContentTypeText {
		if utf8.RuneCountInString(m.Content) > 120 {
			return string([]rune(m.Content)[:120])
		}
		return m.Content
	}
	return "[" + string(m.ContentType) + "]"
}
