package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicecast/voicecast/pkg/pubsub"

	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// Config holds relay WebSocket settings.
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// DisconnectHandler is called when a client's connection dies.
type DisconnectHandler func(*Client)

// Client is one connected engine (broadcaster or listener).
type Client struct {
	UserID   string
	Username string
	Rooms    []string
	Conn     *websocket.Conn
	Send     chan []byte

	hub               *Hub
	disconnectHandler DisconnectHandler
}

// SetDisconnectHandler sets the handler called when the client drops.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// Hub tracks every connected client and their room membership and routes
// signaling messages: targeted ones to a single user, announcements to a
// whole room minus the sender. With a pubsub bus configured, room traffic
// is bridged across relay instances.
type Hub struct {
	instanceID string
	cfg        Config
	bus        pubsub.PubSub

	mu      sync.RWMutex
	clients map[string]*Client            // userID -> client
	rooms   map[string]map[string]*Client // roomID -> userID -> client

	register   chan *Client
	unregister chan *Client
}

// NewHub creates a hub. bus may be nil for a single-instance relay.
func NewHub(instanceID string, cfg Config, bus pubsub.PubSub) *Hub {
	return &Hub{
		instanceID: instanceID,
		cfg:        cfg,
		bus:        bus,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run services registration until the context is cancelled. When a pubsub
// bus is configured it also consumes traffic bridged from other relay
// instances.
func (h *Hub) Run(ctx context.Context) {
	l := pkglog.L().With().Str(pkglog.FieldComponent, "relay_hub").Logger()

	if h.bus != nil {
		events, err := h.bus.SubscribePattern(ctx, pubsub.PatternRoomTraffic)
		if err != nil {
			l.Error().Err(err).Msg("pubsub subscribe failed, running single-instance")
		} else {
			go h.bridgeLoop(ctx, events)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if prev, ok := h.clients[client.UserID]; ok {
				// One connection per user; the newer one wins.
				close(prev.Send)
				h.dropLocked(prev)
			}
			h.clients[client.UserID] = client
			for _, roomID := range client.Rooms {
				if _, ok := h.rooms[roomID]; !ok {
					h.rooms[roomID] = make(map[string]*Client)
				}
				h.rooms[roomID][client.UserID] = client
			}
			h.mu.Unlock()
			l.Info().
				Str(pkglog.FieldUserID, client.UserID).
				Strs("rooms", client.Rooms).
				Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.UserID]; ok && current == client {
				close(client.Send)
				h.dropLocked(client)
			}
			h.mu.Unlock()
			l.Info().Str(pkglog.FieldUserID, client.UserID).Msg("client unregistered")
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	delete(h.clients, client.UserID)
	for roomID, members := range h.rooms {
		delete(members, client.UserID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		close(client.Send)
		client.Conn.Close()
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Untrack removes a client from the hub.
func (h *Hub) Untrack(client *Client) {
	h.unregister <- client
}

// SendToUser delivers a raw message to one user, if locally connected.
// Returns false when the user is not on this instance.
func (h *Hub) SendToUser(userID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.Send <- message:
	default:
		// Send buffer full; the write pump is wedged, drop the client.
		go h.Untrack(client)
	}
	return true
}

// BroadcastToRoom delivers a raw message to every local member of a room
// except excludeUserID.
func (h *Hub) BroadcastToRoom(roomID string, message []byte, excludeUserID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for userID, client := range h.rooms[roomID] {
		if userID == excludeUserID {
			continue
		}
		select {
		case client.Send <- message:
		default:
			go h.Untrack(client)
		}
	}
}

// Route delivers one validated signaling message: targeted to a single
// user, otherwise room-wide excluding the sender. Traffic is republished
// to other relay instances when a bus is configured.
func (h *Hub) Route(ctx context.Context, roomID, targetUserID, senderID string, message []byte) {
	if targetUserID != "" {
		h.SendToUser(targetUserID, message)
	} else {
		h.BroadcastToRoom(roomID, message, senderID)
	}
	h.republish(ctx, roomID, targetUserID, senderID, message)
}

func (h *Hub) republish(ctx context.Context, roomID, targetUserID, senderID string, message []byte) {
	if h.bus == nil {
		return
	}

	event, err := pubsub.NewEvent(pubsub.EventSignal, roomID, &pubsub.SignalPayload{
		Origin:        h.instanceID,
		Message:       message,
		TargetUserID:  targetUserID,
		ExcludeUserID: senderID,
	})
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, pubsub.RoomTrafficChannel(roomID), event); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("pubsub republish failed")
	}
}

// bridgeLoop delivers traffic published by other relay instances to local
// clients. Events originating here are skipped to avoid duplicates.
func (h *Hub) bridgeLoop(ctx context.Context, events <-chan *pubsub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != pubsub.EventSignal {
				continue
			}
			var payload pubsub.SignalPayload
			if err := event.UnmarshalPayload(&payload); err != nil {
				continue
			}
			if payload.Origin == h.instanceID {
				continue
			}
			if payload.TargetUserID != "" {
				h.SendToUser(payload.TargetUserID, payload.Message)
			} else {
				h.BroadcastToRoom(event.RoomID, payload.Message, payload.ExcludeUserID)
			}
		}
	}
}

// RoomMembers returns the user ids currently in a room on this instance.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]string, 0, len(h.rooms[roomID]))
	for userID := range h.rooms[roomID] {
		members = append(members, userID)
	}
	return members
}

// ReadPump pumps messages from the connection into the handler. It owns
// connection teardown.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.hub.Untrack(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := pkglog.L()
				l.Error().Err(err).Str(pkglog.FieldUserID, c.UserID).Msg("websocket error")
			}
			break
		}
		handler(c, message)
	}
}

// WritePump pumps outbound messages and pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
