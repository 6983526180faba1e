package ws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/hub"
	"github.com/convohq/chat-service/internal/model"
	"github.com/convohq/chat-service/internal/plugin/route/ws"
	"github.com/convohq/chat-service/internal/security"
	"github.com/convohq/chat-service/internal/testutil/memchat"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// newServer wires the full websocket stack: managers over an in-memory store,
// the delivery hub, and the real token resolver in opaque mode so ?token=alice
// authenticates as user alice.
func newServer(t *testing.T) (*httptest.Server, *chat.ConversationManager, *hub.Hub) {
	t.Helper()

	cfg := config.DefaultConfig()
	convs := chat.NewConversationManager(memchat.New(), nil, cfg.DefaultPageSize, cfg.MaxPageSize)
	h, err := hub.New(convs, nil, hub.Options{})
	require.NoError(t, err)
	convs.SetNotifier(h)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	ws.MountRoutes(r, h, security.NewTokenResolver(&cfg), &cfg)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, convs, h
}

func wsURL(srv *httptest.Server, token string) string {
	u := strings.Replace(srv.URL, "http", "ws", 1) + "/v1/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestConnectionWithoutCredentialIsRefused(t *testing.T) {
	srv, _, _ := newServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the server upgrades, then closes with the auth-failure code before any
	// event exchange
	var ev chat.Event
	err = wsjson.Read(ctx, conn, &ev)
	require.Error(t, err)
	require.Equal(t, hub.StatusAuthFailure, websocket.CloseStatus(err))
}

func TestInboundChatFrameReachesOtherParticipant(t *testing.T) {
	srv, convs, h := newServer(t)

	conv, _, err := convs.CreateConversation(context.Background(), "alice", chat.CreateConversationInput{
		Kind:           model.KindDirect,
		ParticipantIDs: []string{"bob"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceConn, _, err := websocket.Dial(ctx, wsURL(srv, "alice"), nil)
	require.NoError(t, err)
	defer aliceConn.Close(websocket.StatusNormalClosure, "")
	bobConn, _, err := websocket.Dial(ctx, wsURL(srv, "bob"), nil)
	require.NoError(t, err)
	defer bobConn.Close(websocket.StatusNormalClosure, "")

	// registration happens server-side after the handshake returns, so wait
	// for both connections to appear in the hub before sending
	require.Eventually(t, func() bool {
		return h.ClientCount("alice") == 1 && h.ClientCount("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, wsjson.Write(ctx, aliceConn, map[string]any{
		"type":           "chat",
		"conversationId": conv.ID.String(),
		"payload":        map[string]any{"content": "hi"},
	}))

	var ev chat.Event
	require.NoError(t, wsjson.Read(ctx, bobConn, &ev))

	require.Equal(t, chat.EventMessageNew, ev.Type)
	require.Equal(t, conv.ID, ev.ConversationID)
	require.Equal(t, "alice", ev.SenderID)
}
