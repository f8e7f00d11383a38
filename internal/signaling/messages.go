package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event types carried over the relay.
const (
	TypeBroadcastStart = "broadcast_start"
	TypeBroadcastStop  = "broadcast_stop"
	TypeJoinRequest    = "join_request"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice_candidate"
)

// Local event types raised by the dispatcher itself. They never cross the
// transport; components subscribe to them to react to connectivity changes.
const (
	TypeTransportUp   = "transport_up"
	TypeTransportDown = "transport_down"
)

// ErrInvalidMessage is returned when a message fails validation.
var ErrInvalidMessage = errors.New("invalid signaling message")

// Message is the envelope for every signaling event. The payload is opaque
// to the dispatcher and the relay; only the peer session managers interpret
// it.
type Message struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id"`
	FromUserID   string          `json:"from_user_id"`
	FromUsername string          `json:"from_username,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// BroadcastStartPayload announces a new broadcast to a room.
type BroadcastStartPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// BroadcastStopPayload announces the end of a broadcast.
type BroadcastStopPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"` // "explicit" | "disconnect"
}

// JoinRequestPayload asks the broadcaster for an offer.
type JoinRequestPayload struct {
	RoomID        string `json:"room_id"`
	BroadcasterID string `json:"broadcaster_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
}

// OfferPayload carries an SDP offer. The SDP body is opaque.
type OfferPayload struct {
	RoomID       string          `json:"room_id"`
	TargetUserID string          `json:"target_user_id"`
	Offer        json.RawMessage `json:"offer"`
}

// AnswerPayload carries an SDP answer. The SDP body is opaque.
type AnswerPayload struct {
	RoomID       string          `json:"room_id"`
	TargetUserID string          `json:"target_user_id"`
	Answer       json.RawMessage `json:"answer"`
}

// ICECandidatePayload carries one network-path candidate. The candidate
// body is opaque.
type ICECandidatePayload struct {
	RoomID       string          `json:"room_id"`
	TargetUserID string          `json:"target_user_id"`
	Candidate    json.RawMessage `json:"candidate"`
}

// targeted reports whether the event type must carry a target user.
func targeted(eventType string) bool {
	switch eventType {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeJoinRequest:
		return true
	}
	return false
}

// Known reports whether the event type is a wire type this engine handles.
func Known(eventType string) bool {
	switch eventType {
	case TypeBroadcastStart, TypeBroadcastStop, TypeJoinRequest,
		TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Validate checks the envelope's required fields for its type.
func (m *Message) Validate() error {
	if !Known(m.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.RoomID == "" {
		return fmt.Errorf("%w: missing room_id", ErrInvalidMessage)
	}
	if m.FromUserID == "" {
		return fmt.Errorf("%w: missing from_user_id", ErrInvalidMessage)
	}
	if targeted(m.Type) && m.TargetUserID == "" {
		return fmt.Errorf("%w: %s requires target_user_id", ErrInvalidMessage, m.Type)
	}
	if m.Type == TypeOffer || m.Type == TypeAnswer || m.Type == TypeICECandidate {
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: %s requires payload", ErrInvalidMessage, m.Type)
		}
	}
	return nil
}

// AddressedTo reports whether a recipient with the given user id should
// process this message. The relay may fan targeted messages out room-wide;
// filtering them is the recipient dispatcher's responsibility.
func (m *Message) AddressedTo(userID string) bool {
	if m.TargetUserID == "" {
		return true
	}
	return m.TargetUserID == userID
}

// Decode parses a wire message and validates it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serialises a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePayload unmarshals the opaque payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	return json.Unmarshal(m.Payload, v)
}

// NewMessage builds an envelope with a marshalled payload.
func NewMessage(eventType, roomID, fromUserID string, payload interface{}) (*Message, error) {
	m := &Message{
		Type:       eventType,
		RoomID:     roomID,
		FromUserID: fromUserID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = data
	}
	return m, nil
}
