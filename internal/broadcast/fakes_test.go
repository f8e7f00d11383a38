package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voicecast/voicecast/internal/rtc"
	"github.com/voicecast/voicecast/internal/signaling"
	"github.com/voicecast/voicecast/internal/transport"
)

// fakeTransport records outbound messages and lets tests feed the inbound
// stream through a dispatcher.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*signaling.Message
	sendErr error
	inbound chan *signaling.Message
	states  chan transport.State
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan *signaling.Message, 32),
		states:  make(chan transport.State, 8),
	}
}

func (f *fakeTransport) Send(_ context.Context, msg *signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive() <-chan *signaling.Message { return f.inbound }
func (f *fakeTransport) States() <-chan transport.State     { return f.states }
func (f *fakeTransport) Close() error                       { return nil }

func (f *fakeTransport) sentOfType(eventType string) []*signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signaling.Message
	for _, m := range f.sent {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) lastSent() *signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeNegotiator struct {
	mu         sync.Mutex
	remote     json.RawMessage
	candidates []json.RawMessage
	source     rtc.AudioSource
	closed     bool

	offerErr  error
	answerErr error
	remoteErr error
	candErr   error
	attachErr error

	onCandidate func(json.RawMessage)
	onState     func(rtc.ConnectionState)
	onTrack     func(rtc.AudioSink)
}

func (n *fakeNegotiator) CreateOffer(context.Context) (json.RawMessage, error) {
	if n.offerErr != nil {
		return nil, n.offerErr
	}
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (n *fakeNegotiator) CreateAnswer(context.Context) (json.RawMessage, error) {
	if n.answerErr != nil {
		return nil, n.answerErr
	}
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (n *fakeNegotiator) SetRemoteDescription(desc json.RawMessage) error {
	if n.remoteErr != nil {
		return n.remoteErr
	}
	n.mu.Lock()
	n.remote = desc
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) AddICECandidate(candidate json.RawMessage) error {
	if n.candErr != nil {
		return n.candErr
	}
	n.mu.Lock()
	n.candidates = append(n.candidates, candidate)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) OnICECandidate(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnConnectionStateChange(fn func(rtc.ConnectionState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnTrack(fn func(rtc.AudioSink)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) AttachSource(src rtc.AudioSource) error {
	if n.attachErr != nil {
		return n.attachErr
	}
	n.mu.Lock()
	n.source = src
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) fireCandidate(c json.RawMessage) {
	n.mu.Lock()
	fn := n.onCandidate
	n.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (n *fakeNegotiator) fireState(s rtc.ConnectionState) {
	n.mu.Lock()
	fn := n.onState
	n.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (n *fakeNegotiator) fireTrack(sink rtc.AudioSink) {
	n.mu.Lock()
	fn := n.onTrack
	n.mu.Unlock()
	if fn != nil {
		fn(sink)
	}
}

func (n *fakeNegotiator) remoteDesc() json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

func (n *fakeNegotiator) appliedCandidates() []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]json.RawMessage, len(n.candidates))
	copy(out, n.candidates)
	return out
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type fakeFactory struct {
	mu   sync.Mutex
	err  error
	negs []*fakeNegotiator
}

func (f *fakeFactory) NewNegotiator(context.Context) (rtc.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNegotiator{}
	f.negs = append(f.negs, n)
	return n, nil
}

func (f *fakeFactory) created() []*fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeNegotiator, len(f.negs))
	copy(out, f.negs)
	return out
}

type fakeSource struct {
	mu     sync.Mutex
	muted  bool
	closed bool
}

func (s *fakeSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSink struct {
	mu    sync.Mutex
	muted bool
}

func (s *fakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

type fakeMic struct {
	mu       sync.Mutex
	src      *fakeSource
	err      error
	acquires int
}

func (m *fakeMic) Acquire(context.Context) (rtc.AudioSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.err != nil {
		return nil, m.err
	}
	if m.src == nil {
		m.src = &fakeSource{}
	}
	return m.src, nil
}

type fakeAuth struct {
	admin bool
	err   error
}

func (a *fakeAuth) IsRoomAdmin(context.Context, string, string) (bool, error) {
	return a.admin, a.err
}

func joinMsg(roomID, listenerID, broadcasterID string) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.TypeJoinRequest, roomID, listenerID,
		&signaling.JoinRequestPayload{RoomID: roomID, BroadcasterID: broadcasterID, UserID: listenerID, Username: listenerID})
	msg.TargetUserID = broadcasterID
	return msg
}

func answerMsg(roomID, listenerID, broadcasterID string) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.TypeAnswer, roomID, listenerID,
		&signaling.AnswerPayload{RoomID: roomID, TargetUserID: broadcasterID, Answer: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	msg.TargetUserID = broadcasterID
	return msg
}

func iceMsg(roomID, from, target string, candidate json.RawMessage) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.TypeICECandidate, roomID, from,
		&signaling.ICECandidatePayload{RoomID: roomID, TargetUserID: target, Candidate: candidate})
	msg.TargetUserID = target
	return msg
}

func broadcastStartMsg(roomID, broadcasterID string) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.TypeBroadcastStart, roomID, broadcasterID,
		&signaling.BroadcastStartPayload{RoomID: roomID, UserID: broadcasterID, Username: broadcasterID})
	return msg
}

func broadcastStopMsg(roomID, broadcasterID, reason string) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.TypeBroadcastStop, roomID, broadcasterID,
		&signaling.BroadcastStopPayload{RoomID: roomID, UserID: broadcasterID, Reason: reason})
	return msg
}

func offerMsg(roomID, broadcasterID, listenerID string) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.TypeOffer, roomID, broadcasterID,
		&signaling.OfferPayload{RoomID: roomID, TargetUserID: listenerID, Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	msg.TargetUserID = listenerID
	return msg
}
