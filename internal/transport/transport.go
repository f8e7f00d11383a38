package transport

import (
	"context"
	"errors"

	"github.com/voicecast/voicecast/internal/signaling"
)

// ErrUnavailable is returned by Send when no live connection exists.
// Callers own retry policy; the transport never buffers outbound messages
// across reconnects.
var ErrUnavailable = errors.New("transport unavailable")

// State describes the link to the signaling relay.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Transport is one persistent duplex connection to the signaling relay.
// Receive yields inbound messages in the order the relay delivered them.
// States yields a notification on every link transition; the channel is
// buffered and transitions are never dropped.
type Transport interface {
	Send(ctx context.Context, msg *signaling.Message) error
	Receive() <-chan *signaling.Message
	States() <-chan State
	Close() error
}
