package rtc

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrPermission is returned when microphone access is denied or no capture
// device exists. Fatal to starting a broadcast; there is no retry.
var ErrPermission = errors.New("microphone permission denied")

// ConnectionState mirrors the underlying peer connection's state.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// AudioSource is a local capture feed attached to outbound peer
// connections. Muting is purely local; it never triggers renegotiation.
type AudioSource interface {
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

// AudioSink receives the inbound audio of a connected listener. Muting is
// purely local.
type AudioSink interface {
	SetMuted(muted bool)
	Muted() bool
}

// Microphone acquires the local capture device. Acquisition may block
// awaiting user permission, hence the context.
type Microphone interface {
	Acquire(ctx context.Context) (AudioSource, error)
}

// Negotiator is one peer connection's negotiation surface. SDP and
// candidate payloads are opaque JSON blobs produced and consumed only by
// the implementation; the session layer shuttles them over signaling
// without interpretation.
//
// Implementations must tolerate Close being called from any state and must
// release network resources synchronously.
type Negotiator interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	// OnICECandidate registers the trickle callback. Register before
	// CreateOffer/CreateAnswer or candidates may be lost.
	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnectionStateChange(fn func(state ConnectionState))
	OnTrack(fn func(sink AudioSink))

	AttachSource(src AudioSource) error
	Close() error
}

// Factory builds one Negotiator per peer.
type Factory interface {
	NewNegotiator(ctx context.Context) (Negotiator, error)
}
