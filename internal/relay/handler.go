package relay

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voicecast/voicecast/internal/signaling"
	"github.com/voicecast/voicecast/pkg/jwt"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Engines connect from anywhere; auth is the token.
	},
}

// Handler upgrades engine connections, authenticates them and routes
// their signaling traffic through the hub.
type Handler struct {
	hub      *Hub
	tokens   *jwt.Manager
	producer LifecycleProducer
	log      zerolog.Logger

	// Active broadcaster per room, to synthesize broadcast_stop when a
	// broadcaster's connection dies without an explicit stop.
	mu           sync.Mutex
	broadcasters map[string]string // roomID -> userID
}

// NewHandler creates the relay's WebSocket handler. producer may be nil;
// lifecycle events are then skipped.
func NewHandler(hub *Hub, tokens *jwt.Manager, producer LifecycleProducer) *Handler {
	return &Handler{
		hub:          hub,
		tokens:       tokens,
		producer:     producer,
		broadcasters: make(map[string]string),
		log:          pkglog.L().With().Str(pkglog.FieldComponent, "relay_handler").Logger(),
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
}

// HandleWebSocket authenticates the bearer token, upgrades the connection
// and starts the client's pumps. Room membership comes from the `rooms`
// query parameter.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var roomIDs []string
	if raw := r.URL.Query().Get("rooms"); raw != "" {
		for _, roomID := range strings.Split(raw, ",") {
			if roomID = strings.TrimSpace(roomID); roomID != "" {
				roomIDs = append(roomIDs, roomID)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		UserID:   claims.UserID,
		Username: claims.Username,
		Rooms:    roomIDs,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		hub:      h.hub,
	}
	client.SetDisconnectHandler(h.handleDisconnect)

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *Handler) authenticate(r *http.Request) (*jwt.Claims, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return nil, jwt.ErrInvalidToken
	}
	return h.tokens.Validate(token)
}

// handleMessage validates and routes one inbound signaling message. The
// sender identity on the wire must match the authenticated identity.
func (h *Handler) handleMessage(client *Client, raw []byte) {
	msg, err := signaling.Decode(raw)
	if err != nil {
		h.log.Warn().Err(err).Str(pkglog.FieldUserID, client.UserID).Msg("rejecting invalid message")
		return
	}

	if msg.FromUserID != client.UserID {
		h.log.Warn().
			Str(pkglog.FieldUserID, client.UserID).
			Str("claimed", msg.FromUserID).
			Msg("rejecting spoofed sender")
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case signaling.TypeBroadcastStart:
		h.trackBroadcaster(ctx, msg.RoomID, client.UserID)
	case signaling.TypeBroadcastStop:
		h.untrackBroadcaster(ctx, msg.RoomID, client.UserID, ReasonExplicit)
	}

	h.hub.Route(ctx, msg.RoomID, msg.TargetUserID, msg.FromUserID, raw)
}

// handleDisconnect synthesizes broadcast_stop for any room this user was
// broadcasting in, so listeners are not left waiting on a dead session.
func (h *Handler) handleDisconnect(client *Client) {
	h.mu.Lock()
	var rooms []string
	for roomID, userID := range h.broadcasters {
		if userID == client.UserID {
			rooms = append(rooms, roomID)
		}
	}
	h.mu.Unlock()

	ctx := context.Background()
	for _, roomID := range rooms {
		h.untrackBroadcaster(ctx, roomID, client.UserID, ReasonDisconnect)

		stop, err := signaling.NewMessage(signaling.TypeBroadcastStop, roomID, client.UserID,
			&signaling.BroadcastStopPayload{RoomID: roomID, UserID: client.UserID, Reason: ReasonDisconnect})
		if err != nil {
			continue
		}
		raw, err := stop.Encode()
		if err != nil {
			continue
		}
		h.hub.Route(ctx, roomID, "", client.UserID, raw)
		h.log.Info().
			Str(pkglog.FieldRoomID, roomID).
			Str(pkglog.FieldUserID, client.UserID).
			Msg("broadcaster disconnected, stop synthesized")
	}
}

func (h *Handler) trackBroadcaster(ctx context.Context, roomID, userID string) {
	h.mu.Lock()
	h.broadcasters[roomID] = userID
	h.mu.Unlock()

	if h.producer != nil {
		if err := h.producer.ProduceBroadcastStarted(ctx, roomID, userID); err != nil {
			h.log.Warn().Err(err).Msg("lifecycle event not produced")
		}
	}
}

func (h *Handler) untrackBroadcaster(ctx context.Context, roomID, userID, reason string) {
	h.mu.Lock()
	if h.broadcasters[roomID] != userID {
		h.mu.Unlock()
		return
	}
	delete(h.broadcasters, roomID)
	h.mu.Unlock()

	if h.producer != nil {
		if err := h.producer.ProduceBroadcastStopped(ctx, roomID, userID, reason); err != nil {
			h.log.Warn().Err(err).Msg("lifecycle event not produced")
		}
	}
}
