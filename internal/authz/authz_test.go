package authz_test

import (
	"testing"
	"time"

	"github.com/convohq/chat-service/internal/authz"
	"github.com/convohq/chat-service/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testConversation() *model.Conversation {
	now := time.Now()
	return &model.Conversation{
		ID:   uuid.New(),
		Kind: model.KindGroup,
		Name: "team",
		Participants: []model.Participant{
			{UserID: "alice", Role: model.RoleAdmin, JoinedAt: now},
			{UserID: "bob", Role: model.RoleMember, JoinedAt: now},
		},
	}
}

func TestIsParticipant(t *testing.T) {
	conv := testConversation()
	require.True(t, authz.IsParticipant(conv, "alice"))
	require.True(t, authz.IsParticipant(conv, "bob"))
	require.False(t, authz.IsParticipant(conv, "mallory"))
	require.False(t, authz.IsParticipant(nil, "alice"))
}

func TestIsAdmin(t *testing.T) {
	conv := testConversation()
	require.True(t, authz.IsAdmin(conv, "alice"))
	require.False(t, authz.IsAdmin(conv, "bob"))
	require.False(t, authz.IsAdmin(conv, "mallory"))
	require.False(t, authz.IsAdmin(nil, "alice"))
}

func TestIsAuthor(t *testing.T) {
	msg := &model.Message{ID: uuid.New(), SenderID: "alice"}
	require.True(t, authz.IsAuthor(msg, "alice"))
	require.False(t, authz.IsAuthor(msg, "bob"))
	require.False(t, authz.IsAuthor(nil, "alice"))
}
