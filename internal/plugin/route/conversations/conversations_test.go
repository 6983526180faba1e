package conversations_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/plugin/route/conversations"
	"github.com/convohq/chat-service/internal/security"
	"github.com/convohq/chat-service/internal/testutil/memchat"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// newRouter wires the real auth middleware with opaque token resolution, so
// "Bearer alice" authenticates as user alice.
func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	st := memchat.New()
	convs := chat.NewConversationManager(st, nil, cfg.DefaultPageSize, cfg.MaxPageSize)

	r := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	conversations.MountRoutes(r, convs, &cfg, auth)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestCreateDirectChatIdempotentOverHTTP(t *testing.T) {
	r := newRouter(t)

	w, resp := do(t, r, http.MethodPost, "/v1/chats", "alice", gin.H{
		"kind":         "direct",
		"participants": []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, true, resp["success"])
	first := resp["chat"].(map[string]any)

	// same pair from the other side resolves to the existing chat
	w, resp = do(t, r, http.MethodPost, "/v1/chats", "bob", gin.H{
		"kind":         "direct",
		"participants": []string{"alice"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Chat already exists", resp["message"])
	require.Equal(t, first["id"], resp["chat"].(map[string]any)["id"])
}

func TestCreateGroupChatValidation(t *testing.T) {
	r := newRouter(t)

	w, resp := do(t, r, http.MethodPost, "/v1/chats", "alice", gin.H{
		"kind":         "group",
		"participants": []string{"bob", "carol"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, false, resp["success"])
}

func TestAuthRequired(t *testing.T) {
	r := newRouter(t)

	w, resp := do(t, r, http.MethodGet, "/v1/chats", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, false, resp["success"])
}

func TestListChatsPagination(t *testing.T) {
	r := newRouter(t)

	for _, name := range []string{"One", "Two", "Three"} {
		w, _ := do(t, r, http.MethodPost, "/v1/chats", "alice", gin.H{
			"kind":         "group",
			"name":         name,
			"participants": []string{"bob"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, resp := do(t, r, http.MethodGet, "/v1/chats?page=1&limit=2", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["chats"], 2)

	p := resp["pagination"].(map[string]any)
	require.EqualValues(t, 1, p["page"])
	require.EqualValues(t, 2, p["limit"])
	require.EqualValues(t, 3, p["total"])
	require.EqualValues(t, 2, p["totalPages"])
}

func TestGetChatRequiresMembership(t *testing.T) {
	r := newRouter(t)

	_, resp := do(t, r, http.MethodPost, "/v1/chats", "alice", gin.H{
		"kind":         "group",
		"name":         "Team",
		"participants": []string{"bob"},
	})
	chatID := resp["chat"].(map[string]any)["id"].(string)

	w, _ := do(t, r, http.MethodGet, "/v1/chats/"+chatID, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = do(t, r, http.MethodGet, "/v1/chats/"+chatID, "mallory", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, false, resp["success"])

	w, _ = do(t, r, http.MethodGet, "/v1/chats/not-a-uuid", "alice", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParticipantManagement(t *testing.T) {
	r := newRouter(t)

	_, resp := do(t, r, http.MethodPost, "/v1/chats", "alice", gin.H{
		"kind":         "group",
		"name":         "Team",
		"participants": []string{"bob"},
	})
	chatID := resp["chat"].(map[string]any)["id"].(string)

	// a plain member may not manage membership
	w, _ := do(t, r, http.MethodPost, "/v1/chats/"+chatID+"/participants", "bob", gin.H{"userId": "carol"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w, resp = do(t, r, http.MethodPost, "/v1/chats/"+chatID+"/participants", "alice", gin.H{"userId": "carol"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["chat"].(map[string]any)["participants"], 3)

	w, resp = do(t, r, http.MethodDelete, "/v1/chats/"+chatID+"/participants", "alice", gin.H{"userId": "carol"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["chat"].(map[string]any)["participants"], 2)

	// the last admin cannot be removed
	w, _ = do(t, r, http.MethodDelete, "/v1/chats/"+chatID+"/participants", "alice", gin.H{"userId": "alice"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateAndDeleteChat(t *testing.T) {
	r := newRouter(t)

	_, resp := do(t, r, http.MethodPost, "/v1/chats", "alice", gin.H{
		"kind":         "group",
		"name":         "Team",
		"participants": []string{"bob"},
	})
	chatID := resp["chat"].(map[string]any)["id"].(string)

	w, resp := do(t, r, http.MethodPut, "/v1/chats/"+chatID, "alice", gin.H{"name": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Renamed", resp["chat"].(map[string]any)["name"])

	w, _ = do(t, r, http.MethodDelete, "/v1/chats/"+chatID, "bob", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, r, http.MethodDelete, "/v1/chats/"+chatID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/v1/chats/"+chatID, "alice", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
