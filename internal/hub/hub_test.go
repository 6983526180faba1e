package hub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/hub"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mu      sync.Mutex
	members map[uuid.UUID][]string
	calls   int
}

func (f *fakeResolver) ParticipantIDs(_ context.Context, conversationID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.members[conversationID], nil
}

func (f *fakeResolver) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	ids, err := f.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// dial opens a websocket pair through an httptest server and registers the
// server side of it in the hub under userID.
func dial(t *testing.T, h *hub.Hub, userID string) (*websocket.Conn, func()) {
	t.Helper()

	var (
		mu     sync.Mutex
		client *hub.Client
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		mu.Lock()
		client = h.Register(userID, conn)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1), nil)
	require.NoError(t, err)

	// wait for the server handler to register
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return client != nil
	}, 2*time.Second, 10*time.Millisecond)

	return conn, func() {
		mu.Lock()
		h.Unregister(client)
		mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev chat.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return ev
}

func TestNotifyReachesParticipantsOnly(t *testing.T) {
	convID := uuid.New()
	resolver := &fakeResolver{members: map[uuid.UUID][]string{
		convID: {"alice", "bob"},
	}}
	h, err := hub.New(resolver, nil, hub.Options{})
	require.NoError(t, err)

	bobConn, closeBob := dial(t, h, "bob")
	defer closeBob()
	carolConn, closeCarol := dial(t, h, "carol")
	defer closeCarol()

	h.Notify(convID, chat.Event{
		Type:           chat.EventMessageNew,
		ConversationID: convID,
		SenderID:       "alice",
		Payload:        map[string]any{"content": "hi"},
	}, "alice")

	ev := readEvent(t, bobConn)
	require.Equal(t, chat.EventMessageNew, ev.Type)
	require.Equal(t, convID, ev.ConversationID)
	require.Equal(t, "alice", ev.SenderID)

	// carol is not a participant and must receive nothing
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var stray chat.Event
	require.Error(t, wsjson.Read(ctx, carolConn, &stray))
}

func TestNotifyExcludesSender(t *testing.T) {
	convID := uuid.New()
	resolver := &fakeResolver{members: map[uuid.UUID][]string{
		convID: {"alice", "bob"},
	}}
	h, err := hub.New(resolver, nil, hub.Options{})
	require.NoError(t, err)

	aliceConn, closeAlice := dial(t, h, "alice")
	defer closeAlice()

	h.Notify(convID, chat.Event{Type: chat.EventMessageNew, ConversationID: convID, SenderID: "alice"}, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var stray chat.Event
	require.Error(t, wsjson.Read(ctx, aliceConn, &stray))
}

func TestMembershipEventReachesNewParticipant(t *testing.T) {
	convID := uuid.New()
	resolver := &fakeResolver{members: map[uuid.UUID][]string{
		convID: {"alice", "bob"},
	}}
	h, err := hub.New(resolver, nil, hub.Options{})
	require.NoError(t, err)

	carolConn, closeCarol := dial(t, h, "carol")
	defer closeCarol()

	// warm the participant cache with the pre-add membership
	h.Notify(convID, chat.Event{Type: chat.EventMessageNew, ConversationID: convID, SenderID: "alice"}, "")

	// carol joins; her own join notification must not fan out on the cached
	// pre-add list
	resolver.mu.Lock()
	resolver.members[convID] = []string{"alice", "bob", "carol"}
	resolver.mu.Unlock()

	h.Notify(convID, chat.Event{
		Type:           chat.EventParticipantAdded,
		ConversationID: convID,
		SenderID:       "alice",
		Payload:        map[string]any{"userId": "carol"},
	}, "alice")

	ev := readEvent(t, carolConn)
	require.Equal(t, chat.EventParticipantAdded, ev.Type)
	require.Equal(t, convID, ev.ConversationID)
}

func TestRelayRequiresMembership(t *testing.T) {
	convID := uuid.New()
	resolver := &fakeResolver{members: map[uuid.UUID][]string{
		convID: {"alice", "bob"},
	}}
	h, err := hub.New(resolver, nil, hub.Options{})
	require.NoError(t, err)

	bobConn, closeBob := dial(t, h, "bob")
	defer closeBob()

	// mallory is not a participant so her relay is discarded. Writes are
	// ordered per connection, so the first event bob sees must be alice's.
	h.Relay(context.Background(), "mallory", convID, chat.Event{Type: chat.EventTyping})
	h.Relay(context.Background(), "alice", convID, chat.Event{Type: chat.EventTyping})

	ev := readEvent(t, bobConn)
	require.Equal(t, chat.EventTyping, ev.Type)
	require.Equal(t, "alice", ev.SenderID)
	require.Equal(t, convID, ev.ConversationID)
}
