// Package conversations exposes the conversation lifecycle over HTTP:
// create/list/get/update/delete plus participant management.
package conversations

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/model"
	registryroute "github.com/convohq/chat-service/internal/registry/route"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation routes on the router. Called after store
// initialization so the manager is available.
func MountRoutes(r *gin.Engine, convs *chat.ConversationManager, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/chats", func(c *gin.Context) {
		createChat(c, convs)
	})
	g.GET("/chats", func(c *gin.Context) {
		listChats(c, convs, cfg)
	})
	g.GET("/chats/:chatId", func(c *gin.Context) {
		getChat(c, convs)
	})
	g.PUT("/chats/:chatId", func(c *gin.Context) {
		updateChat(c, convs)
	})
	g.DELETE("/chats/:chatId", func(c *gin.Context) {
		deleteChat(c, convs)
	})
	g.POST("/chats/:chatId/participants", func(c *gin.Context) {
		addParticipant(c, convs)
	})
	g.DELETE("/chats/:chatId/participants", func(c *gin.Context) {
		removeParticipant(c, convs)
	})
}

func createChat(c *gin.Context, convs *chat.ConversationManager) {
	userID := security.GetUserID(c)
	var req struct {
		Kind         string          `json:"kind"`
		Participants []string        `json:"participants"`
		Name         string          `json:"name"`
		Description  string          `json:"description"`
		Picture      string          `json:"picture"`
		Settings     *model.Settings `json:"settings"`
		IsEncrypted  bool            `json:"isEncrypted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}

	conv, created, err := convs.CreateConversation(c.Request.Context(), userID, chat.CreateConversationInput{
		Kind:           model.Kind(req.Kind),
		ParticipantIDs: req.Participants,
		Name:           req.Name,
		Description:    req.Description,
		Picture:        req.Picture,
		Settings:       req.Settings,
		IsEncrypted:    req.IsEncrypted,
	})
	if err != nil {
		HandleError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Chat already exists", "chat": conv})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Chat created successfully", "chat": conv})
}

func listChats(c *gin.Context, convs *chat.ConversationManager, cfg *config.Config) {
	userID := security.GetUserID(c)
	page, limit := PageParams(c, cfg)

	chats, total, err := convs.GetConversationsForUser(c.Request.Context(), userID, page, limit)
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Chats retrieved successfully",
		"chats":      chats,
		"pagination": Pagination(page, limit, total),
	})
}

func getChat(c *gin.Context, convs *chat.ConversationManager) {
	userID := security.GetUserID(c)
	chatID, ok := PathUUID(c, "chatId")
	if !ok {
		return
	}
	conv, err := convs.GetConversation(c.Request.Context(), userID, chatID)
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Chat retrieved successfully", "chat": conv})
}

func updateChat(c *gin.Context, convs *chat.ConversationManager) {
	userID := security.GetUserID(c)
	chatID, ok := PathUUID(c, "chatId")
	if !ok {
		return
	}
	var req struct {
		Name        *string         `json:"name"`
		Description *string         `json:"description"`
		Picture     *string         `json:"picture"`
		Settings    *model.Settings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	conv, err := convs.UpdateConversation(c.Request.Context(), userID, chatID, chat.UpdateConversationInput{
		Name:        req.Name,
		Description: req.Description,
		Picture:     req.Picture,
		Settings:    req.Settings,
	})
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Chat updated successfully", "chat": conv})
}

func deleteChat(c *gin.Context, convs *chat.ConversationManager) {
	userID := security.GetUserID(c)
	chatID, ok := PathUUID(c, "chatId")
	if !ok {
		return
	}
	if err := convs.DeleteConversation(c.Request.Context(), userID, chatID); err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Chat deleted successfully"})
}

func addParticipant(c *gin.Context, convs *chat.ConversationManager) {
	userID := security.GetUserID(c)
	chatID, ok := PathUUID(c, "chatId")
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	conv, err := convs.AddParticipant(c.Request.Context(), userID, chatID, req.UserID, model.Role(req.Role))
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Participant added successfully", "chat": conv})
}

func removeParticipant(c *gin.Context, convs *chat.ConversationManager) {
	userID := security.GetUserID(c)
	chatID, ok := PathUUID(c, "chatId")
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	conv, err := convs.RemoveParticipant(c.Request.Context(), userID, chatID, req.UserID)
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Participant removed successfully", "chat": conv})
}

// HandleError maps domain errors onto the response envelope. Forbidden and
// not-found carry no detail beyond the message so an unauthorized caller
// learns nothing about the entity.
func HandleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
	}
}

// PathUUID parses a uuid path parameter, writing a 400 envelope on failure.
func PathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		HandleError(c, &registrystore.ValidationError{Field: name, Message: "must be a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

// PageParams reads page/limit query parameters clamped to the configured
// bounds, matching the clamping the managers apply.
func PageParams(c *gin.Context, cfg *config.Config) (int, int) {
	page := QueryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := QueryInt(c, "limit", cfg.DefaultPageSize)
	if limit < 1 {
		limit = cfg.DefaultPageSize
	}
	if limit > cfg.MaxPageSize {
		limit = cfg.MaxPageSize
	}
	return page, limit
}

// QueryInt reads an integer query parameter, falling back on absent or
// malformed values.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Pagination builds the envelope's pagination block.
func Pagination(page, limit int, total int64) gin.H {
	totalPages := int64(0)
	if limit > 0 {
		totalPages = (total + int64(limit) - 1) / int64(limit)
	}
	return gin.H{"page": page, "limit": limit, "total": total, "totalPages": totalPages}
}
