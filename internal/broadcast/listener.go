package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicecast/voicecast/internal/dispatch"
	"github.com/voicecast/voicecast/internal/rtc"
	"github.com/voicecast/voicecast/internal/signaling"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// ListenerState is the listener session lifecycle.
type ListenerState int

const (
	ListenerIdle ListenerState = iota
	ListenerRequestedJoin
	ListenerAwaitingOffer
	ListenerConnected
	ListenerStopped
	ListenerFailed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerRequestedJoin:
		return "requested_join"
	case ListenerAwaitingOffer:
		return "awaiting_offer"
	case ListenerConnected:
		return "connected"
	case ListenerStopped:
		return "stopped"
	case ListenerFailed:
		return "failed"
	}
	return "unknown"
}

// Broadcast is the read-only projection a listener holds of the remote
// session: who is broadcasting, never the authoritative state.
type Broadcast struct {
	RoomID        string
	BroadcasterID string
	Username      string
}

const (
	defaultJoinTimeout  = 10 * time.Second
	defaultJoinAttempts = 3
)

// Listener subscribes to one room and manages the single peer session to
// its broadcaster. Created on observing broadcast_start; a join request
// that goes unanswered times out and is retried a bounded number of times
// before the listener gives up.
type Listener struct {
	roomID   string
	userID   string
	username string

	d       *dispatch.Dispatcher
	factory rtc.Factory
	log     zerolog.Logger

	joinTimeout time.Duration
	maxAttempts int

	mu        sync.Mutex
	state     ListenerState
	current   *Broadcast
	peer      *PeerSession
	sink      rtc.AudioSink
	paused    bool
	attempts  int
	joinTimer *time.Timer
	joinGen   int

	// Candidates that arrive before the offer is processed, in arrival
	// order.
	early []json.RawMessage
}

// ListenerOption tweaks listener policies.
type ListenerOption func(*Listener)

// WithJoinPolicy overrides the join timeout and retry budget.
func WithJoinPolicy(timeout time.Duration, attempts int) ListenerOption {
	return func(l *Listener) {
		l.joinTimeout = timeout
		l.maxAttempts = attempts
	}
}

// NewListener creates a listener for one room and registers it with the
// dispatcher. Call Leave to unregister and tear down.
func NewListener(d *dispatch.Dispatcher, factory rtc.Factory, roomID string, self Identity, opts ...ListenerOption) *Listener {
	l := &Listener{
		roomID:      roomID,
		userID:      self.UserID,
		username:    self.Username,
		d:           d,
		factory:     factory,
		state:       ListenerIdle,
		joinTimeout: defaultJoinTimeout,
		maxAttempts: defaultJoinAttempts,
		log: pkglog.L().With().
			Str(pkglog.FieldComponent, "listener").
			Str(pkglog.FieldRoomID, roomID).
			Str(pkglog.FieldUserID, self.UserID).
			Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	d.Register(l.componentID(), dispatch.Handlers{
		signaling.TypeBroadcastStart: l.handleBroadcastStart,
		signaling.TypeBroadcastStop:  l.handleBroadcastStop,
		signaling.TypeOffer:          l.handleOffer,
		signaling.TypeICECandidate:   l.handleICECandidate,
		signaling.TypeTransportUp:    l.handleTransportUp,
		signaling.TypeTransportDown:  l.handleTransportDown,
	})
	return l
}

func (l *Listener) componentID() string {
	return "listener:" + l.roomID
}

// State returns the listener state.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Broadcast returns the current broadcast projection, or nil when none is
// known.
func (l *Listener) Broadcast() *Broadcast {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Listening reports whether audio is currently flowing and not locally
// paused.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == ListenerConnected && !l.paused
}

// handleBroadcastStart sends a join request to the announcing broadcaster.
// Duplicate announcements while a join is in flight or a connection is
// live are ignored; re-announcements after a relay reconnect are how a
// dropped listener gets back in.
func (l *Listener) handleBroadcastStart(msg *signaling.Message) error {
	if msg.RoomID != l.roomID {
		return nil
	}

	var ann signaling.BroadcastStartPayload
	if err := msg.DecodePayload(&ann); err != nil {
		return err
	}

	l.mu.Lock()
	switch l.state {
	case ListenerRequestedJoin, ListenerAwaitingOffer, ListenerConnected:
		l.mu.Unlock()
		return nil
	}
	l.current = &Broadcast{RoomID: ann.RoomID, BroadcasterID: ann.UserID, Username: ann.Username}
	l.attempts = 0
	l.mu.Unlock()

	return l.sendJoin()
}

func (l *Listener) sendJoin() error {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return nil
	}
	broadcasterID := l.current.BroadcasterID
	l.attempts++
	attempt := l.attempts
	l.state = ListenerRequestedJoin
	l.joinGen++
	gen := l.joinGen
	l.mu.Unlock()

	msg, err := signaling.NewMessage(signaling.TypeJoinRequest, l.roomID, l.userID,
		&signaling.JoinRequestPayload{
			RoomID:        l.roomID,
			BroadcasterID: broadcasterID,
			UserID:        l.userID,
			Username:      l.username,
		})
	if err != nil {
		return err
	}
	msg.FromUsername = l.username
	msg.TargetUserID = broadcasterID

	if err := l.d.Emit(context.Background(), msg); err != nil {
		l.mu.Lock()
		l.state = ListenerIdle
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	if l.joinTimer != nil {
		l.joinTimer.Stop()
	}
	l.joinTimer = time.AfterFunc(l.joinTimeout, func() { l.joinTimedOut(gen) })
	l.mu.Unlock()

	l.log.Info().Str(pkglog.FieldPeerID, broadcasterID).Int("attempt", attempt).Msg("join requested")
	return nil
}

// joinTimedOut fires when no offer arrived in time, e.g. the broadcaster
// is gone or at capacity. Retries a bounded number of times, then fails.
func (l *Listener) joinTimedOut(gen int) {
	l.mu.Lock()
	if gen != l.joinGen || l.state != ListenerRequestedJoin {
		l.mu.Unlock()
		return
	}
	exhausted := l.attempts >= l.maxAttempts
	if exhausted {
		l.state = ListenerFailed
		l.current = nil
	}
	l.mu.Unlock()

	if exhausted {
		l.log.Warn().Msg("join attempts exhausted, broadcast unreachable")
		return
	}
	l.log.Info().Msg("join timed out, retrying")
	if err := l.sendJoin(); err != nil {
		l.log.Warn().Err(err).Msg("join retry failed")
	}
}

// handleOffer answers the broadcaster's offer and wires the audio sink.
func (l *Listener) handleOffer(msg *signaling.Message) error {
	if msg.RoomID != l.roomID {
		return nil
	}

	l.mu.Lock()
	if l.state != ListenerRequestedJoin {
		l.mu.Unlock()
		return nil
	}
	if l.current == nil || msg.FromUserID != l.current.BroadcasterID {
		l.mu.Unlock()
		l.log.Debug().Str(pkglog.FieldPeerID, msg.FromUserID).Msg("offer from unexpected sender")
		return nil
	}
	if l.joinTimer != nil {
		l.joinTimer.Stop()
		l.joinTimer = nil
	}
	broadcasterID := l.current.BroadcasterID
	l.mu.Unlock()

	var off signaling.OfferPayload
	if err := msg.DecodePayload(&off); err != nil {
		return err
	}

	ctx := context.Background()
	neg, err := l.factory.NewNegotiator(ctx)
	if err != nil {
		l.fail()
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}

	peer := NewPeerSession(broadcasterID, RoleAnswerer, neg)

	neg.OnICECandidate(func(candidate json.RawMessage) {
		l.emitCandidate(broadcasterID, candidate)
	})
	neg.OnConnectionStateChange(func(state rtc.ConnectionState) {
		l.onPeerState(state)
	})
	neg.OnTrack(func(sink rtc.AudioSink) {
		l.onAudio(sink)
	})

	// Candidates that raced ahead of the offer go through the peer's
	// queue so flush order matches arrival order.
	l.mu.Lock()
	early := l.early
	l.early = nil
	l.peer = peer
	l.mu.Unlock()
	for _, c := range early {
		peer.AddCandidate(c)
	}

	if err := peer.SetRemoteDescription(off.Offer); err != nil {
		l.teardownPeer(ListenerFailed)
		return err
	}

	answer, err := neg.CreateAnswer(ctx)
	if err != nil {
		l.teardownPeer(ListenerFailed)
		return fmt.Errorf("%w: %v", ErrPeerConnectionFailed, err)
	}

	out, err := signaling.NewMessage(signaling.TypeAnswer, l.roomID, l.userID,
		&signaling.AnswerPayload{RoomID: l.roomID, TargetUserID: broadcasterID, Answer: answer})
	if err != nil {
		l.teardownPeer(ListenerFailed)
		return err
	}
	out.TargetUserID = broadcasterID

	if err := l.d.Emit(ctx, out); err != nil {
		l.teardownPeer(ListenerFailed)
		return err
	}

	l.mu.Lock()
	l.state = ListenerAwaitingOffer
	l.mu.Unlock()
	peer.setState(PeerAwaitingRemote)

	l.log.Info().Str(pkglog.FieldPeerID, broadcasterID).Msg("answer sent")
	return nil
}

func (l *Listener) handleICECandidate(msg *signaling.Message) error {
	if msg.RoomID != l.roomID {
		return nil
	}

	var ice signaling.ICECandidatePayload
	if err := msg.DecodePayload(&ice); err != nil {
		return err
	}

	l.mu.Lock()
	peer := l.peer
	if peer == nil {
		// The candidate beat the offer here; hold it in arrival order.
		switch l.state {
		case ListenerStopped, ListenerFailed:
		default:
			l.early = append(l.early, ice.Candidate)
		}
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	return peer.AddCandidate(ice.Candidate)
}

// handleBroadcastStop tears the connection down and clears the local
// listening indication.
func (l *Listener) handleBroadcastStop(msg *signaling.Message) error {
	if msg.RoomID != l.roomID {
		return nil
	}

	l.mu.Lock()
	known := l.current != nil && msg.FromUserID == l.current.BroadcasterID
	l.mu.Unlock()
	if !known {
		return nil
	}

	l.log.Info().Msg("broadcast ended")
	l.teardownPeer(ListenerStopped)
	return nil
}

// handleTransportDown invalidates an in-flight join; anything sent during
// the outage is permanently lost.
func (l *Listener) handleTransportDown(*signaling.Message) error {
	l.mu.Lock()
	inflight := l.state == ListenerRequestedJoin || l.state == ListenerAwaitingOffer
	if inflight {
		if l.joinTimer != nil {
			l.joinTimer.Stop()
			l.joinTimer = nil
		}
		l.joinGen++
		l.state = ListenerIdle
		l.early = nil
	}
	l.mu.Unlock()

	if inflight {
		l.log.Warn().Msg("join handshake invalidated by relay outage")
		l.teardownInflightPeer()
	}
	return nil
}

// handleTransportUp re-arms the listener: a live connection keeps playing,
// everything else waits for the broadcaster's re-announcement.
func (l *Listener) handleTransportUp(*signaling.Message) error {
	l.mu.Lock()
	if l.state != ListenerConnected && l.state != ListenerStopped {
		l.state = ListenerIdle
		l.attempts = 0
	}
	l.mu.Unlock()
	return nil
}

// Mute toggles the local audio sink. Purely local; no signaling message is
// emitted and no renegotiation happens.
func (l *Listener) Mute(muted bool) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink.SetMuted(muted)
	}
}

// PauseListening toggles the local "listening" indication without touching
// the peer session.
func (l *Listener) PauseListening(paused bool) {
	l.mu.Lock()
	l.paused = paused
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink.SetMuted(paused)
	}
}

// Leave tears the session down synchronously and unregisters from the
// dispatcher. Safe on every exit path.
func (l *Listener) Leave() {
	l.teardownPeer(ListenerStopped)
	l.d.Unregister(l.componentID())
}

func (l *Listener) onAudio(sink rtc.AudioSink) {
	l.mu.Lock()
	l.sink = sink
	if l.state == ListenerAwaitingOffer {
		l.state = ListenerConnected
	}
	if l.peer != nil {
		l.peer.setState(PeerConnected)
	}
	l.mu.Unlock()
	l.log.Info().Msg("audio sink wired, listening")
}

func (l *Listener) onPeerState(state rtc.ConnectionState) {
	switch state {
	case rtc.ConnectionConnected:
		l.mu.Lock()
		if l.state == ListenerAwaitingOffer && l.sink != nil {
			l.state = ListenerConnected
		}
		l.mu.Unlock()
	case rtc.ConnectionFailed:
		l.log.Warn().Msg("peer connection failed")
		l.teardownPeer(ListenerFailed)
	case rtc.ConnectionDisconnected:
		l.log.Warn().Msg("peer connection lost")
		l.teardownPeer(ListenerFailed)
	}
}

func (l *Listener) fail() {
	l.mu.Lock()
	l.state = ListenerFailed
	l.mu.Unlock()
}

func (l *Listener) teardownInflightPeer() {
	l.mu.Lock()
	peer := l.peer
	l.peer = nil
	l.sink = nil
	l.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}

func (l *Listener) teardownPeer(terminal ListenerState) {
	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		return
	}
	peer := l.peer
	l.peer = nil
	l.sink = nil
	l.early = nil
	l.paused = false
	l.state = terminal
	if l.joinTimer != nil {
		l.joinTimer.Stop()
		l.joinTimer = nil
	}
	l.joinGen++
	if terminal == ListenerStopped || terminal == ListenerFailed {
		l.current = nil
	}
	l.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
}

func (l *Listener) emitCandidate(targetID string, candidate json.RawMessage) {
	msg, err := signaling.NewMessage(signaling.TypeICECandidate, l.roomID, l.userID,
		&signaling.ICECandidatePayload{RoomID: l.roomID, TargetUserID: targetID, Candidate: candidate})
	if err != nil {
		return
	}
	msg.TargetUserID = targetID
	if err := l.d.Emit(context.Background(), msg); err != nil {
		l.log.Debug().Err(err).Msg("candidate not delivered")
	}
}
