package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/voicecast/voicecast/internal/dispatch"
	"github.com/voicecast/voicecast/internal/signaling"
	"github.com/voicecast/voicecast/internal/transport"
)

// pipeTransport delivers every outbound message straight into its peer's
// inbound stream, standing in for a relay between exactly two clients.
type pipeTransport struct {
	peer    *pipeTransport
	inbound chan *signaling.Message
	states  chan transport.State
}

func newTransportPair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{inbound: make(chan *signaling.Message, 64), states: make(chan transport.State, 4)}
	b := &pipeTransport{inbound: make(chan *signaling.Message, 64), states: make(chan transport.State, 4)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Send(_ context.Context, msg *signaling.Message) error {
	p.peer.inbound <- msg
	return nil
}

func (p *pipeTransport) Receive() <-chan *signaling.Message { return p.inbound }
func (p *pipeTransport) States() <-chan transport.State     { return p.states }
func (p *pipeTransport) Close() error                       { return nil }

// TestBroadcastListenHandshake walks the full path: announcement, join,
// offer, answer, media, stop, with each side running its own dispatcher.
func TestBroadcastListenHandshake(t *testing.T) {
	trB, trL := newTransportPair()

	dB := dispatch.New(trB, "b1")
	dL := dispatch.New(trL, "l1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dB.Run(ctx)
	go dL.Run(ctx)

	factoryB := &fakeFactory{}
	factoryL := &fakeFactory{}
	mic := &fakeMic{}

	reg := NewRegistry(dB, factoryB, mic, &fakeAuth{admin: true}, Identity{UserID: "b1", Username: "bob"})
	listener := NewListener(dL, factoryL, "r1", Identity{UserID: "l1", Username: "lana"},
		WithJoinPolicy(5*time.Second, 3))

	session, err := reg.StartBroadcast(context.Background(), "r1", "b1")
	if err != nil {
		t.Fatalf("StartBroadcast() = %v", err)
	}

	// Announcement crosses the relay, the listener joins, the broadcaster
	// offers, the listener answers.
	waitUntil(t, "broadcaster to see the listener connected", func() bool {
		peer := session.Peer("l1")
		return peer != nil && peer.State() == PeerConnected
	})
	waitUntil(t, "listener to finish the handshake", func() bool {
		return listener.State() == ListenerAwaitingOffer
	})

	// Trickled candidates flow broadcaster-to-listener once negotiation is
	// done.
	cand := rawCandidate(1)
	factoryB.created()[0].fireCandidate(cand)
	waitUntil(t, "candidate to reach the listener connection", func() bool {
		applied := factoryL.created()[0].appliedCandidates()
		return len(applied) == 1 && string(applied[0]) == string(cand)
	})

	// Media arrival completes the listener side.
	factoryL.created()[0].fireTrack(&fakeSink{})
	waitUntil(t, "listener to report connected", func() bool {
		return listener.State() == ListenerConnected && listener.Listening()
	})

	if err := reg.StopBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("StopBroadcast() = %v", err)
	}
	waitUntil(t, "listener to observe the stop", func() bool {
		return listener.State() == ListenerStopped
	})
	if !factoryL.created()[0].isClosed() {
		t.Error("listener connection must be closed after broadcast_stop")
	}
	if !mic.src.isClosed() {
		t.Error("capture must be released after stop")
	}
}
