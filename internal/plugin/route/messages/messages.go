// Package messages exposes message operations over HTTP: send/list within a
// conversation, plus edit, soft delete, and reactions addressed by message id.
package messages

import (
	"net/http"

	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/model"
	"github.com/convohq/chat-service/internal/plugin/route/conversations"
	registryroute "github.com/convohq/chat-service/internal/registry/route"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts message routes on the router.
func MountRoutes(r *gin.Engine, msgs *chat.MessageManager, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/chats/:chatId/messages", func(c *gin.Context) {
		sendMessage(c, msgs)
	})
	g.GET("/chats/:chatId/messages", func(c *gin.Context) {
		listMessages(c, msgs, cfg)
	})
	g.PUT("/messages/:messageId", func(c *gin.Context) {
		editMessage(c, msgs)
	})
	g.DELETE("/messages/:messageId", func(c *gin.Context) {
		deleteMessage(c, msgs)
	})
	g.POST("/messages/:messageId/reactions", func(c *gin.Context) {
		addReaction(c, msgs)
	})
	g.DELETE("/messages/:messageId/reactions", func(c *gin.Context) {
		removeReaction(c, msgs)
	})
}

func sendMessage(c *gin.Context, msgs *chat.MessageManager) {
	userID := security.GetUserID(c)
	chatID, ok := conversations.PathUUID(c, "chatId")
	if !ok {
		return
	}
	var req struct {
		Content     string                 `json:"content"`
		ContentType string                 `json:"contentType"`
		Metadata    *model.MessageMetadata `json:"metadata"`
		ReplyTo     *uuid.UUID             `json:"replyTo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		conversations.HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	msg, err := msgs.SendMessage(c.Request.Context(), userID, chatID, chat.SendMessageInput{
		Content:     req.Content,
		ContentType: model.ContentType(req.ContentType),
		Metadata:    req.Metadata,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		conversations.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Message sent successfully", "data": msg})
}

func listMessages(c *gin.Context, msgs *chat.MessageManager, cfg *config.Config) {
	userID := security.GetUserID(c)
	chatID, ok := conversations.PathUUID(c, "chatId")
	if !ok {
		return
	}
	page, limit := conversations.PageParams(c, cfg)

	list, total, err := msgs.GetMessages(c.Request.Context(), userID, chatID, page, limit)
	if err != nil {
		conversations.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Messages retrieved successfully",
		"messages":   list,
		"pagination": conversations.Pagination(page, limit, total),
	})
}

func editMessage(c *gin.Context, msgs *chat.MessageManager) {
	userID := security.GetUserID(c)
	messageID, ok := conversations.PathUUID(c, "messageId")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		conversations.HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	msg, err := msgs.EditMessage(c.Request.Context(), userID, messageID, req.Content)
	if err != nil {
		conversations.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message updated successfully", "data": msg})
}

func deleteMessage(c *gin.Context, msgs *chat.MessageManager) {
	userID := security.GetUserID(c)
	messageID, ok := conversations.PathUUID(c, "messageId")
	if !ok {
		return
	}
	if err := msgs.DeleteMessage(c.Request.Context(), userID, messageID); err != nil {
		conversations.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message deleted successfully"})
}

func addReaction(c *gin.Context, msgs *chat.MessageManager) {
	userID := security.GetUserID(c)
	messageID, ok := conversations.PathUUID(c, "messageId")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		conversations.HandleError(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	msg, err := msgs.AddReaction(c.Request.Context(), userID, messageID, req.Emoji)
	if err != nil {
		conversations.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Reaction added successfully", "data": msg})
}

func removeReaction(c *gin.Context, msgs *chat.MessageManager) {
	userID := security.GetUserID(c)
	messageID, ok := conversations.PathUUID(c, "messageId")
	if !ok {
		return
	}
	msg, err := msgs.RemoveReaction(c.Request.Context(), userID, messageID)
	if err != nil {
		conversations.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Reaction removed successfully", "data": msg})
}
