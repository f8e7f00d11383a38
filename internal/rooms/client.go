package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrRoomNotFound is returned when the room service has no such room.
var ErrRoomNotFound = errors.New("room not found")

// Room is the room service's view of a chat room.
type Room struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	OwnerID  string   `json:"owner_id"`
	AdminIDs []string `json:"admin_ids"`
	Status   string   `json:"status"` // "active", "closed"
}

type roomResponse struct {
	Success bool   `json:"success"`
	Data    *Room  `json:"data"`
	Error   string `json:"error,omitempty"`
}

// Client queries the room service over HTTP with a small TTL cache. It
// implements the engine's admin privilege check.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration

	mu    sync.RWMutex
	cache map[string]*cachedRoom
}

type cachedRoom struct {
	room      *Room
	expiresAt time.Time
}

// NewClient creates a room service client.
func NewClient(baseURL string, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   cacheTTL,
		cache:      make(map[string]*cachedRoom),
	}
}

// IsRoomAdmin reports whether the user may broadcast in the room: the
// owner or any listed admin of an active room.
func (c *Client) IsRoomAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	room, err := c.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return false, nil
		}
		return false, err
	}

	if room.Status != "active" {
		return false, nil
	}
	if room.OwnerID == userID {
		return true, nil
	}
	for _, id := range room.AdminIDs {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// GetRoom retrieves room information by id.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	if room := c.getFromCache(roomID); room != nil {
		return room, nil
	}

	url := fmt.Sprintf("%s/api/v1/rooms/%s", c.baseURL, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("room service returned status: %d", resp.StatusCode)
	}

	var out roomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.Success || out.Data == nil {
		return nil, fmt.Errorf("room service error: %s", out.Error)
	}

	c.addToCache(roomID, out.Data)
	return out.Data, nil
}

// InvalidateCache removes a room from the cache.
func (c *Client) InvalidateCache(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, roomID)
}

func (c *Client) getFromCache(roomID string) *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cached, ok := c.cache[roomID]; ok {
		if time.Now().Before(cached.expiresAt) {
			return cached.room
		}
	}
	return nil
}

func (c *Client) addToCache(roomID string, room *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[roomID] = &cachedRoom{room: room, expiresAt: time.Now().Add(c.cacheTTL)}
}

// StaticAuthorizer grants admin privilege from a fixed map. Used in tests
// and local development without a room service.
type StaticAuthorizer struct {
	// Admins maps roomID to the user ids allowed to broadcast there.
	Admins map[string][]string
}

// IsRoomAdmin reports whether the user is listed for the room.
func (a *StaticAuthorizer) IsRoomAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	for _, id := range a.Admins[roomID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}
