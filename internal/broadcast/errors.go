package broadcast

import "errors"

var (
	// ErrPermissionDenied is returned when a non-admin attempts to start
	// a broadcast.
	ErrPermissionDenied = errors.New("permission denied: not a room admin")

	// ErrAlreadyBroadcasting is returned when a non-stopped session
	// already exists for the room.
	ErrAlreadyBroadcasting = errors.New("room already has an active broadcast")

	// ErrNotBroadcaster is returned when stop/pause/resume is issued by
	// someone other than the session's broadcaster.
	ErrNotBroadcaster = errors.New("caller is not the broadcaster")

	// ErrMicrophoneUnavailable is returned when audio capture cannot be
	// acquired. Fatal to starting a broadcast; surfaced to the user, no
	// retry.
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")

	// ErrPeerConnectionFailed marks a negotiation or network failure for
	// one listener. Recovery is an isolated teardown of that session,
	// never an escalation to the whole broadcast.
	ErrPeerConnectionFailed = errors.New("peer connection failed")

	// ErrInvalidState is returned when an operation is issued against a
	// session state machine in an incompatible state.
	ErrInvalidState = errors.New("invalid session state for operation")
)
