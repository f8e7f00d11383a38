package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voicecast/voicecast/internal/dispatch"
	"github.com/voicecast/voicecast/internal/rtc"
	"github.com/voicecast/voicecast/internal/signaling"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// SessionState is the broadcaster session lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateCapturing
	StateBroadcasting
	StatePaused
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateBroadcasting:
		return "broadcasting"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Stop reasons carried in broadcast_stop payloads.
const (
	ReasonExplicit   = "explicit"
	ReasonDisconnect = "disconnect"
	ReasonCapture    = "capture_failure"
)

// Session binds one broadcaster's audio capture to zero or more peer
// sessions, one per listener. It is owned exclusively by the broadcasting
// client; listeners only ever see a projection via signaling.
type Session struct {
	roomID   string
	userID   string
	username string

	d       *dispatch.Dispatcher
	factory rtc.Factory
	log     zerolog.Logger

	mu     sync.Mutex
	state  SessionState
	source rtc.AudioSource
	peers  map[string]*PeerSession

	onStopped func(*Session)
}

func newSession(d *dispatch.Dispatcher, factory rtc.Factory, roomID, userID, username string) *Session {
	return &Session{
		roomID:   roomID,
		userID:   userID,
		username: username,
		d:        d,
		factory:  factory,
		state:    StateIdle,
		peers:    make(map[string]*PeerSession),
		log: pkglog.L().With().
			Str(pkglog.FieldComponent, "broadcast_session").
			Str(pkglog.FieldRoomID, roomID).
			Str(pkglog.FieldUserID, userID).
			Logger(),
	}
}

func (s *Session) componentID() string {
	return "broadcast:" + s.roomID
}

// RoomID returns the session's room.
func (s *Session) RoomID() string { return s.roomID }

// BroadcasterID returns the owning user id.
func (s *Session) BroadcasterID() string { return s.userID }

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listeners returns the ids of every current peer session.
func (s *Session) Listeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Peer returns the peer session for a listener, or nil.
func (s *Session) Peer(listenerID string) *PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[listenerID]
}

// start registers the session with the dispatcher, attaches the capture
// source and announces the broadcast.
func (s *Session) start(ctx context.Context, source rtc.AudioSource) error {
	s.mu.Lock()
	s.source = source
	s.state = StateCapturing
	s.mu.Unlock()

	s.d.Register(s.componentID(), dispatch.Handlers{
		signaling.TypeJoinRequest:   s.handleJoinRequest,
		signaling.TypeAnswer:        s.handleAnswer,
		signaling.TypeICECandidate:  s.handleICECandidate,
		signaling.TypeTransportUp:   s.handleTransportUp,
		signaling.TypeTransportDown: s.handleTransportDown,
	})

	if err := s.announce(ctx); err != nil {
		s.d.Unregister(s.componentID())
		s.mu.Lock()
		s.state = StateStopped
		s.source = nil
		s.mu.Unlock()
		source.Close()
		return err
	}

	s.mu.Lock()
	s.state = StateBroadcasting
	s.mu.Unlock()
	s.log.Info().Msg("broadcast started")
	return nil
}

func (s *Session) announce(ctx context.Context) error {
	msg, err := signaling.NewMessage(signaling.TypeBroadcastStart, s.roomID, s.userID,
		&signaling.BroadcastStartPayload{RoomID: s.roomID, UserID: s.userID, Username: s.username})
	if err != nil {
		return err
	}
	msg.FromUsername = s.username
	return s.d.Emit(ctx, msg)
}

// stop announces the end to every listener, then tears all peer sessions
// down and releases capture synchronously.
func (s *Session) stop(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	peers := s.peers
	s.peers = make(map[string]*PeerSession)
	source := s.source
	s.source = nil
	s.mu.Unlock()

	// Listeners are notified before local resources go away.
	if msg, err := signaling.NewMessage(signaling.TypeBroadcastStop, s.roomID, s.userID,
		&signaling.BroadcastStopPayload{RoomID: s.roomID, UserID: s.userID, Reason: reason}); err == nil {
		if err := s.d.Emit(ctx, msg); err != nil {
			s.log.Warn().Err(err).Msg("broadcast_stop not delivered")
		}
	}

	for _, peer := range peers {
		peer.Close()
	}
	if source != nil {
		source.Close()
	}

	s.d.Unregister(s.componentID())
	s.log.Info().Str("reason", reason).Msg("broadcast stopped")

	if s.onStopped != nil {
		s.onStopped(s)
	}
}

// pause suspends capture without touching peer sessions. No renegotiation
// happens; listeners stay connected.
func (s *Session) pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBroadcasting {
		return fmt.Errorf("%w: pause in %s", ErrInvalidState, s.state)
	}
	s.state = StatePaused
	s.source.SetMuted(true)
	return nil
}

func (s *Session) resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("%w: resume in %s", ErrInvalidState, s.state)
	}
	s.state = StateBroadcasting
	s.source.SetMuted(false)
	return nil
}

// handleJoinRequest accepts a listener by creating an independent peer
// session and sending a targeted offer. Requests arriving while the
// session is not broadcasting are implicitly rejected: no offer is sent
// and the listener times out on its side.
func (s *Session) handleJoinRequest(msg *signaling.Message) error {
	if msg.RoomID != s.roomID {
		return nil
	}

	var req signaling.JoinRequestPayload
	if err := msg.DecodePayload(&req); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateBroadcasting && s.state != StatePaused {
		s.mu.Unlock()
		s.log.Debug().Str(pkglog.FieldPeerID, req.UserID).Msg("join ignored, not broadcasting")
		return nil
	}
	stale := s.peers[req.UserID]
	delete(s.peers, req.UserID)
	source := s.source
	s.mu.Unlock()

	// A re-join replaces any previous session for that listener.
	if stale != nil {
		stale.Close()
	}

	ctx := context.Background()
	neg, err := s.factory.NewNegotiator(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}

	peer := NewPeerSession(req.UserID, RoleOfferer, neg)

	neg.OnICECandidate(func(candidate json.RawMessage) {
		s.emitCandidate(req.UserID, candidate)
	})
	neg.OnConnectionStateChange(func(state rtc.ConnectionState) {
		s.onPeerState(peer, state)
	})

	if err := neg.AttachSource(source); err != nil {
		peer.Close()
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}

	offer, err := neg.CreateOffer(ctx)
	if err != nil {
		peer.Close()
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		peer.Close()
		return nil
	}
	s.peers[req.UserID] = peer
	s.mu.Unlock()

	peer.setState(PeerAwaitingRemote)

	out, err := signaling.NewMessage(signaling.TypeOffer, s.roomID, s.userID,
		&signaling.OfferPayload{RoomID: s.roomID, TargetUserID: req.UserID, Offer: offer})
	if err != nil {
		s.removePeer(req.UserID, PeerFailed)
		return err
	}
	out.TargetUserID = req.UserID

	if err := s.d.Emit(context.Background(), out); err != nil {
		// The listener will retry; drop this half-open session.
		s.removePeer(req.UserID, PeerFailed)
		return err
	}

	s.log.Info().Str(pkglog.FieldPeerID, req.UserID).Msg("offer sent")
	return nil
}

// handleAnswer completes negotiation for one listener and flushes its
// queued candidates.
func (s *Session) handleAnswer(msg *signaling.Message) error {
	if msg.RoomID != s.roomID {
		return nil
	}

	peer := s.Peer(msg.FromUserID)
	if peer == nil || peer.State() != PeerAwaitingRemote {
		s.log.Debug().Str(pkglog.FieldPeerID, msg.FromUserID).Msg("answer for unknown or settled peer")
		return nil
	}

	var ans signaling.AnswerPayload
	if err := msg.DecodePayload(&ans); err != nil {
		return err
	}

	if err := peer.SetRemoteDescription(ans.Answer); err != nil {
		s.removePeer(msg.FromUserID, PeerFailed)
		return err
	}

	peer.setState(PeerConnected)
	s.log.Info().Str(pkglog.FieldPeerID, msg.FromUserID).Msg("listener connected")
	return nil
}

func (s *Session) handleICECandidate(msg *signaling.Message) error {
	if msg.RoomID != s.roomID {
		return nil
	}

	peer := s.Peer(msg.FromUserID)
	if peer == nil {
		return nil
	}

	var ice signaling.ICECandidatePayload
	if err := msg.DecodePayload(&ice); err != nil {
		return err
	}
	return peer.AddCandidate(ice.Candidate)
}

// handleTransportUp re-announces the broadcast after a relay reconnect.
// Everything sent during the outage is permanently lost, so listeners
// depend on the fresh announcement to re-join.
func (s *Session) handleTransportUp(*signaling.Message) error {
	s.mu.Lock()
	live := s.state == StateBroadcasting || s.state == StatePaused
	s.mu.Unlock()
	if !live {
		return nil
	}
	s.log.Info().Msg("relay reconnected, re-announcing broadcast")
	return s.announce(context.Background())
}

// handleTransportDown invalidates every in-flight handshake. Connected
// peers keep their media path; only sessions still awaiting an answer are
// torn down.
func (s *Session) handleTransportDown(*signaling.Message) error {
	s.mu.Lock()
	var stale []*PeerSession
	for id, peer := range s.peers {
		if peer.State() == PeerAwaitingRemote || peer.State() == PeerNew {
			stale = append(stale, peer)
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	for _, peer := range stale {
		s.log.Warn().Str(pkglog.FieldPeerID, peer.PeerID()).Msg("handshake invalidated by relay outage")
		peer.Close()
	}
	return nil
}

func (s *Session) emitCandidate(targetID string, candidate json.RawMessage) {
	msg, err := signaling.NewMessage(signaling.TypeICECandidate, s.roomID, s.userID,
		&signaling.ICECandidatePayload{RoomID: s.roomID, TargetUserID: targetID, Candidate: candidate})
	if err != nil {
		return
	}
	msg.TargetUserID = targetID
	if err := s.d.Emit(context.Background(), msg); err != nil {
		s.log.Debug().Err(err).Str(pkglog.FieldPeerID, targetID).Msg("candidate not delivered")
	}
}

// onPeerState reacts to connection state changes for one listener. A
// failure tears down that session only; the rest of the broadcast is
// untouched.
func (s *Session) onPeerState(peer *PeerSession, state rtc.ConnectionState) {
	switch state {
	case rtc.ConnectionConnected:
		// Answer handling already promotes the state; nothing to do.
	case rtc.ConnectionFailed:
		s.log.Warn().Str(pkglog.FieldPeerID, peer.PeerID()).Msg("peer connection failed")
		s.removePeer(peer.PeerID(), PeerFailed)
	case rtc.ConnectionDisconnected, rtc.ConnectionClosed:
		s.removePeer(peer.PeerID(), PeerDisconnected)
	}
}

// removePeer tears down one listener's session without affecting others.
func (s *Session) removePeer(listenerID string, terminal PeerState) {
	s.mu.Lock()
	peer, ok := s.peers[listenerID]
	if ok {
		delete(s.peers, listenerID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	peer.setState(terminal)
	peer.Close()
	s.log.Info().
		Str(pkglog.FieldPeerID, listenerID).
		Str(pkglog.FieldState, terminal.String()).
		Msg("peer session removed")
}

// DropListener removes one listener (explicit leave or relay-reported
// disconnect).
func (s *Session) DropListener(listenerID string) {
	s.removePeer(listenerID, PeerDisconnected)
}
