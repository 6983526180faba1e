package gormstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/model"
	registrymigrate "github.com/convohq/chat-service/internal/registry/migrate"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/testutil/testpg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/convohq/chat-service/internal/plugin/store/gormstore"
)

// setupStore opens the gorm store against the given DSN after running
// migrations. A sqlite file keeps most tests container-free; the postgres
// path is exercised separately.
func setupStore(t *testing.T, dbURL string) (registrystore.ChatStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "gorm"
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("gorm")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return store, ctx
}

func setupSqliteStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()
	return setupStore(t, filepath.Join(t.TempDir(), "chat.db"))
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
	store, ctx := setupSqliteStore(t)

	conv := directConv("alice", "bob")
	require.NoError(t, store.InsertConversation(ctx, conv))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
	require.Len(t, got.Participants, 2)

	found, err := store.FindDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv.ID, found.ID)

	_, err = store.GetConversation(ctx, uuid.New())
	var nf *registrystore.NotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestUniqueDirectPair(t *testing.T) {
	store, ctx := setupSqliteStore(t)

	require.NoError(t, store.InsertConversation(ctx, directConv("alice", "bob")))

	err := store.InsertConversation(ctx, directConv("bob", "alice"))
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
}

func TestListConversationsOrdering(t *testing.T) {
	store, ctx := setupSqliteStore(t)

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
	require.Equal(t, busy.ID, list[0].ID)
	require.Equal(t, quiet.ID, list[1].ID)

	// membership filter: carol only sees her conversation
	list, total, err = store.ListConversationsForUser(ctx, "carol", 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, busy.ID, list[0].ID)
}

func TestParticipantRowsFollowSaves(t *testing.T) {
	store, ctx := setupSqliteStore(t)

	conv := directConv("alice", "bob")
	require.NoError(t, store.InsertConversation(ctx, conv))

	// adding a participant through a save must update the join table
	conv.Participants = append(conv.Participants, model.Participant{
		UserID: "carol", Role: model.RoleMember, JoinedAt: time.Now().UTC(),
	})
	require.NoError(t, store.SaveConversation(ctx, conv))

	list, total, err := store.ListConversationsForUser(ctx, "carol", 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, conv.ID, list[0].ID)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	_, total, err = store.ListConversationsForUser(ctx, "carol", 1, 10)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestMessageLifecycle(t *testing.T) {
	store, ctx := setupSqliteStore(t)

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
	require.Equal(t, second.ID, list[0].ID)

	second.IsDeleted = true
	now := time.Now().UTC()
	second.DeletedAt = &now
	require.NoError(t, store.SaveMessage(ctx, second))

	latest, err := store.LatestVisibleMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, latest.ID)

	n, err := store.DeleteMessagesByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestReactionAndReceiptSemantics(t *testing.T) {
	store, ctx := setupSqliteStore(t)

	conv := directConv("alice", "bob")
	require.NoError(t, store.InsertConversation(ctx, conv))
	msg := textMsg(conv.ID, "alice", "react", time.Now().UTC())
	require.NoError(t, store.InsertMessage(ctx, msg))

	require.NoError(t, store.SetReaction(ctx, msg.ID, "bob", model.Reaction{Emoji: "👍", Timestamp: time.Now().UTC()}))
	require.NoError(t, store.SetReaction(ctx, msg.ID, "bob", model.Reaction{Emoji: "❤️", Timestamp: time.Now().UTC()}))

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	require.Equal(t, "❤️", got.Reactions["bob"].Emoji)

	firstRead := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.MarkRead(ctx, msg.ID, "bob", firstRead))
	require.NoError(t, store.MarkRead(ctx, msg.ID, "bob", firstRead.Add(time.Hour)))

	got, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, firstRead, got.ReadBy["bob"].UTC())
}

func TestPostgresUniqueDirectPair(t *testing.T) {
	store, ctx := setupStore(t, testpg.StartPostgres(t))

	require.NoError(t, store.InsertConversation(ctx, directConv("alice", "bob")))

	err := store.InsertConversation(ctx, directConv("bob", "alice"))
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))

	// the conflicting insert must not leave partial participant rows behind
	list, total, err := store.ListConversationsForUser(ctx, "alice", 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, list, 1)
}
