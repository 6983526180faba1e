// Package ws upgrades authenticated clients to a websocket and bridges them
// to the delivery hub. The credential rides in the token query parameter
// because browser websocket clients cannot set an Authorization header.
package ws

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/hub"
	registryroute "github.com/convohq/chat-service/internal/registry/route"
	"github.com/convohq/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 120,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// inbound is the client-to-server frame shape.
type inbound struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversationId"`
	Payload        any       `json:"payload,omitempty"`
}

// MountRoutes mounts the websocket endpoint.
func MountRoutes(r *gin.Engine, h *hub.Hub, resolver *security.TokenResolver, cfg *config.Config) {
	readLimit := cfg.WSReadLimit

	var origins []string
	if cfg.CORSEnabled && cfg.CORSOrigins != "" {
		for _, o := range strings.Split(cfg.CORSOrigins, ",") {
			origins = append(origins, strings.TrimSpace(o))
		}
	}

	r.GET("/v1/ws", func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns: origins,
		})
		if err != nil {
			log.Warn("Websocket accept failed", "err", err)
			return
		}
		conn.SetReadLimit(readLimit)

		// the upgrade has to complete before we can signal an auth failure
		// with a close code, so validation happens after Accept
		userID, err := resolver.Resolve(c.Request.Context(), c.Query("token"))
		if err != nil {
			_ = conn.Close(hub.StatusAuthFailure, "authentication failed")
			return
		}

		client := h.Register(userID, conn)
		defer h.Unregister(client)

		readLoop(c.Request.Context(), h, client)
	})
}

// readLoop relays client frames until the connection drops. Unknown frame
// types are logged and ignored so protocol additions stay backward
// compatible.
func readLoop(ctx context.Context, h *hub.Hub, client *hub.Client) {
	for {
		var in inbound
		if err := wsjson.Read(ctx, client.Conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			log.Debug("Websocket read ended", "userID", client.UserID, "err", err)
			return
		}

		switch in.Type {
		case "chat":
			h.Relay(ctx, client.UserID, in.ConversationID, chat.Event{
				Type:    chat.EventMessageNew,
				Payload: in.Payload,
			})
		case "typing":
			h.Relay(ctx, client.UserID, in.ConversationID, chat.Event{
				Type:    chat.EventTyping,
				Payload: in.Payload,
			})
		default:
			log.Debug("Ignoring unknown websocket frame", "userID", client.UserID, "type", in.Type)
		}
	}
}
