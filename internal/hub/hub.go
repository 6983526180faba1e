// Package hub is the live delivery registry: it maps authenticated websocket
// connections to user ids and fans domain events out to the connections of a
// conversation's participants. Delivery is best-effort; the registry is a
// notification optimization, never the source of truth.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/registry/cache"
	"github.com/convohq/chat-service/internal/security"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

// StatusAuthFailure is the close code sent when a connection presents a
// missing or invalid credential.
const StatusAuthFailure websocket.StatusCode = 4401

const resolveTimeout = 5 * time.Second

// ParticipantResolver resolves conversation membership for fan-out and for
// gating inbound relay events.
type ParticipantResolver interface {
	ParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error)
	IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error)
}

// Options tunes hub behavior. Zero values fall back to defaults.
type Options struct {
	SendBuffer      int
	PingInterval    time.Duration
	ParticipantsTTL time.Duration
}

// Hub is the process-wide connection registry. In a multi-instance
// deployment fan-out only reaches connections on this instance; the presence
// cache is the shared layer other instances can consult.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	resolver ParticipantResolver
	presence cache.PresenceCache

	// participant lists are hot on every fan-out, so they are cached with a
	// short TTL and invalidated on membership events
	participants *ristretto.Cache[string, []string]

	sendBuffer   int
	pingInterval time.Duration
	ttl          time.Duration
}

// Client is one live connection bound to a user.
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan chat.Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Hub. presence may be nil when no shared presence layer is
// configured.
func New(resolver ParticipantResolver, presence cache.PresenceCache, opts Options) (*Hub, error) {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.ParticipantsTTL <= 0 {
		opts.ParticipantsTTL = 30 * time.Second
	}
	participants, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Hub{
		clients:      map[string]map[*Client]struct{}{},
		resolver:     resolver,
		presence:     presence,
		participants: participants,
		sendBuffer:   opts.SendBuffer,
		pingInterval: opts.PingInterval,
		ttl:          opts.ParticipantsTTL,
	}, nil
}

// Register binds a connection to a user and starts its write and keep-alive
// loops.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		UserID: userID,
		Conn:   conn,
		Send:   make(chan chat.Event, h.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()

	if security.WSConnections != nil {
		security.WSConnections.Inc()
	}
	if h.presence != nil && h.presence.Available() {
		if err := h.presence.SetOnline(ctx, userID); err != nil {
			log.Warn("Presence update failed", "userID", userID, "err", err)
		}
	}

	go c.writeLoop()
	go c.keepAliveLoop(h.pingInterval)

	log.Info("Websocket connected", "userID", userID)
	return c
}

// Unregister removes the connection and closes it. The user goes offline in
// the presence cache when this was their last connection.
func (h *Hub) Unregister(c *Client) {
	c.cancel()

	h.mu.Lock()
	last := false
	if set, ok := h.clients[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
			last = true
		}
	}
	h.mu.Unlock()

	if security.WSConnections != nil {
		security.WSConnections.Dec()
	}
	if last && h.presence != nil && h.presence.Available() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		if err := h.presence.SetOffline(ctx, c.UserID); err != nil {
			log.Warn("Presence update failed", "userID", c.UserID, "err", err)
		}
	}

	_ = c.Conn.Close(websocket.StatusNormalClosure, "bye")
	log.Info("Websocket disconnected", "userID", c.UserID)
}

// ClientCount returns the number of live connections registered for userID.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Notify pushes the event to every live connection of the conversation's
// participants, skipping excludeUserID. Fire-and-forget: a slow or failed
// connection never affects others or the caller.
func (h *Hub) Notify(conversationID uuid.UUID, event chat.Event, excludeUserID string) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	switch event.Type {
	case chat.EventParticipantAdded, chat.EventParticipantRemoved, chat.EventConversationDelete:
		// membership changed, resolve this fan-out against the store so a
		// newly added participant is included
		h.participants.Del(conversationID.String())
	}

	userIDs, err := h.participantIDs(ctx, conversationID)
	if err != nil {
		log.Warn("Fan-out skipped: participant resolution failed", "conversationID", conversationID, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		if uid == excludeUserID {
			continue
		}
		for c := range h.clients[uid] {
			select {
			case c.Send <- event:
				if security.WSEventsTotal != nil {
					security.WSEventsTotal.WithLabelValues(event.Type).Inc()
				}
			default:
				if security.WSDroppedTotal != nil {
					security.WSDroppedTotal.Inc()
				}
				log.Warn("Event dropped: client send buffer full", "userID", uid, "type", event.Type)
			}
		}
	}
}

// Relay forwards a client-originated event (chat or typing) to the other
// participants after a membership check.
func (h *Hub) Relay(ctx context.Context, userID string, conversationID uuid.UUID, event chat.Event) {
	ok, err := h.resolver.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		log.Warn("Relay skipped: membership check failed", "conversationID", conversationID, "userID", userID, "err", err)
		return
	}
	if !ok {
		log.Warn("Relay rejected: not a participant", "conversationID", conversationID, "userID", userID)
		return
	}
	event.SenderID = userID
	event.ConversationID = conversationID
	h.Notify(conversationID, event, userID)
}

func (h *Hub) participantIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	key := conversationID.String()
	if ids, ok := h.participants.Get(key); ok {
		if security.CacheHitsTotal != nil {
			security.CacheHitsTotal.Inc()
		}
		return ids, nil
	}
	if security.CacheMissesTotal != nil {
		security.CacheMissesTotal.Inc()
	}
	ids, err := h.resolver.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	h.participants.SetWithTTL(key, ids, int64(len(ids)+1), h.ttl)
	return ids, nil
}

var _ chat.Notifier = (*Hub)(nil)

// writeLoop drains the send buffer. Send is never closed so a racing
// fan-out can at worst write into a buffer nobody drains.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.Send:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = wsjson.Write(writeCtx, c.Conn, ev)
			cancel()
		}
	}
}

func (c *Client) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.Conn.Ping(pingCtx)
			cancel()
		}
	}
}
