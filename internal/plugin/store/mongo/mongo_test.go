package mongo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/model"
	registrymigrate "github.com/convohq/chat-service/internal/registry/migrate"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/testutil/testmongo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/convohq/chat-service/internal/plugin/store/mongo"
)

func setupTestStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = testmongo.StartMongo(t)
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return store, ctx
}

func directConv(a, b string) *model.Conversation {
	key := model.DirectPairKey(a, b)
	now := time.Now().UTC()
	return &model.Conversation{
		ID:   uuid.New(),
		Kind: model.KindDirect,
		Participants: []model.Participant{
			{UserID: a, Role: model.RoleAdmin, JoinedAt: now},
			{UserID: b, Role: model.RoleMember, JoinedAt: now},
		},
		DirectKey: &key,
		CreatedBy: a,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func textMsg(convID uuid.UUID, sender, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		ContentType:    model.ContentTypeText,
		Reactions:      map[string]model.Reaction{},
		ReadBy:         map[string]time.Time{},
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestConversationRoundTrip(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv := directConv("alice", "bob")
	require.NoError(t, store.InsertConversation(ctx, conv))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
	require.Equal(t, model.KindDirect, got.Kind)
	require.Len(t, got.Participants, 2)

	found, err := store.FindDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv.ID, found.ID)

	_, err = store.GetConversation(ctx, uuid.New())
	var nf *registrystore.NotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestUniqueDirectPairIndex(t *testing.T) {
	store, ctx := setupTestStore(t)

	require.NoError(t, store.InsertConversation(ctx, directConv("alice", "bob")))

	err := store.InsertConversation(ctx, directConv("bob", "alice"))
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))

	// group conversations have no direct key and never collide
	now := time.Now().UTC()
	for range 2 {
		require.NoError(t, store.InsertConversation(ctx, &model.Conversation{
			ID:   uuid.New(),
			Kind: model.KindGroup,
			Name: "Team",
			Participants: []model.Participant{
				{UserID: "alice", Role: model.RoleAdmin, JoinedAt: now},
			},
			CreatedBy: "alice",
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}
}

func TestListConversationsOrdering(t *testing.T) {
	store, ctx := setupTestStore(t)

	quiet := directConv("alice", "bob")
	busy := directConv("alice", "carol")
	require.NoError(t, store.InsertConversation(ctx, quiet))
	require.NoError(t, store.InsertConversation(ctx, busy))

	busy.LastMessage = &model.LastMessageSummary{
		MessageID:   uuid.New(),
		Preview:     "newest",
		SenderID:    "carol",
		ContentType: model.ContentTypeText,
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveConversation(ctx, busy))

	list, total, err := store.ListConversationsForUser(ctx, "alice", 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, list, 2)
	// conversations with a summary sort first, quiet ones last
	require.Equal(t, busy.ID, list[0].ID)
	require.Equal(t, quiet.ID, list[1].ID)
}

func TestMessageLifecycle(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv := directConv("alice", "bob")
	require.NoError(t, store.InsertConversation(ctx, conv))

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := textMsg(conv.ID, "alice", "first", base)
	second := textMsg(conv.ID, "bob", "second", base.Add(time.Second))
	require.NoError(t, store.InsertMessage(ctx, first))
	require.NoError(t, store.InsertMessage(ctx, second))

	list, total, err := store.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Equal(t, second.ID, list[0].ID) // newest first

	latest, err := store.LatestVisibleMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)

	// soft delete hides from listings and from the latest lookup
	second.IsDeleted = true
	now := time.Now().UTC()
	second.DeletedAt = &now
	require.NoError(t, store.SaveMessage(ctx, second))

	list, total, err = store.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, first.ID, list[0].ID)

	latest, err = store.LatestVisibleMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, latest.ID)

	n, err := store.DeleteMessagesByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestReactionAndReceiptSemantics(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv := directConv("alice", "bob")
	require.NoError(t, store.InsertConversation(ctx, conv))
	msg := textMsg(conv.ID, "alice", "react", time.Now().UTC())
	require.NoError(t, store.InsertMessage(ctx, msg))

	// reactions are last-write-wins per user
	require.NoError(t, store.SetReaction(ctx, msg.ID, "bob", model.Reaction{Emoji: "👍", Timestamp: time.Now().UTC()}))
	require.NoError(t, store.SetReaction(ctx, msg.ID, "bob", model.Reaction{Emoji: "❤️", Timestamp: time.Now().UTC()}))

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	require.Equal(t, "❤️", got.Reactions["bob"].Emoji)

	require.NoError(t, store.RemoveReaction(ctx, msg.ID, "bob"))
	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Empty(t, got.Reactions)

	// read receipts are first-write-wins per user
	firstRead := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.MarkRead(ctx, msg.ID, "bob", firstRead))
	require.NoError(t, store.MarkRead(ctx, msg.ID, "bob", firstRead.Add(time.Hour)))

	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, firstRead, got.ReadBy["bob"].UTC())
}
