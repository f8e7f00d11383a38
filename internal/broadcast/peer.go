package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voicecast/voicecast/internal/rtc"
)

// Role is this side's part in one peer negotiation.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// PeerState is the lifecycle state of one peer session.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerAwaitingRemote
	PeerConnected
	PeerDisconnected
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerAwaitingRemote:
		return "awaiting_remote"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	}
	return "unknown"
}

// PeerSession manages one peer connection's lifecycle for a single
// broadcaster-listener pair. Candidates that race ahead of the remote
// description are queued and flushed in arrival order the moment the
// description is applied; they cannot be applied to an unset connection.
//
// Each side owns exactly its own PeerSession. No shared mutable state
// crosses the signaling boundary.
type PeerSession struct {
	peerID string
	role   Role
	neg    rtc.Negotiator

	mu        sync.Mutex
	state     PeerState
	remoteSet bool
	pending   []json.RawMessage
	closed    bool
}

// NewPeerSession wraps a negotiator for the given counterpart.
func NewPeerSession(peerID string, role Role, neg rtc.Negotiator) *PeerSession {
	return &PeerSession{
		peerID: peerID,
		role:   role,
		neg:    neg,
		state:  PeerNew,
	}
}

// PeerID returns the counterpart's user id.
func (p *PeerSession) PeerID() string { return p.peerID }

// Role returns this side's negotiation role.
func (p *PeerSession) Role() Role { return p.role }

// State returns the current lifecycle state.
func (p *PeerSession) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerSession) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SetRemoteDescription applies the counterpart's description and flushes
// every queued candidate in original arrival order.
func (p *PeerSession) SetRemoteDescription(desc json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrInvalidState
	}
	p.mu.Unlock()

	if err := p.neg.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.neg.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: queued candidate: %v", ErrPeerConnectionFailed, err)
		}
	}
	return nil
}

// AddCandidate applies a candidate immediately when the remote description
// is set, otherwise queues it.
func (p *PeerSession) AddCandidate(candidate json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.neg.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}
	return nil
}

// PendingCandidates returns the number of queued candidates.
func (p *PeerSession) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close tears the peer connection down synchronously. Idempotent.
func (p *PeerSession) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.state != PeerFailed {
		p.state = PeerDisconnected
	}
	p.pending = nil
	p.mu.Unlock()

	return p.neg.Close()
}
