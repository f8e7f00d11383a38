package log

const (
	// Signaling
	FieldRoomID    = "room_id"
	FieldUserID    = "user_id"
	FieldUsername  = "username"
	FieldPeerID    = "peer_id"
	FieldClientID  = "client_id"
	FieldEventType = "event_type"

	// Engine
	FieldComponent = "component"
	FieldState     = "state"
	FieldRole      = "role"

	// Service
	FieldService = "service"
)
