package pubsub

import "fmt"

// Channel naming conventions for relay-to-relay traffic.
const (
	// Per-room signaling traffic republished between relay instances.
	ChannelRoomTraffic = "relay:room:%s"

	// Pattern matching every room traffic channel.
	PatternRoomTraffic = "relay:room:*"
)

// RoomTrafficChannel returns the channel name for a room's signaling traffic.
func RoomTrafficChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomTraffic, roomID)
}

// Event types republished between relay instances.
const (
	EventSignal = "signal"
)

// SignalPayload carries one signaling message between relay instances.
// Origin identifies the publishing instance so it can skip its own events.
type SignalPayload struct {
	Origin  string `json:"origin"`
	Message []byte `json:"message"`

	// Addressing mirrored from the signaling envelope so a receiving
	// instance can route without re-parsing the message body.
	TargetUserID  string `json:"target_user_id,omitempty"`
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
}
