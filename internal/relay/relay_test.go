package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicecast/voicecast/internal/signaling"
	"github.com/voicecast/voicecast/pkg/jwt"
	"github.com/voicecast/voicecast/pkg/pubsub"
)

type lifecycleRecord struct {
	event  string
	roomID string
	userID string
	reason string
}

type fakeProducer struct {
	mu      sync.Mutex
	records []lifecycleRecord
}

func (p *fakeProducer) ProduceBroadcastStarted(_ context.Context, roomID, broadcasterID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, lifecycleRecord{EventBroadcastStarted, roomID, broadcasterID, ""})
	return nil
}

func (p *fakeProducer) ProduceBroadcastStopped(_ context.Context, roomID, broadcasterID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, lifecycleRecord{EventBroadcastStopped, roomID, broadcasterID, reason})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) recorded() []lifecycleRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]lifecycleRecord, len(p.records))
	copy(out, p.records)
	return out
}

type relayFixture struct {
	hub      *Hub
	tokens   *jwt.Manager
	producer *fakeProducer
	srv      *httptest.Server
}

func testConfig() Config {
	return Config{
		PingInterval:   50 * time.Millisecond,
		PongWait:       5 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 65536,
	}
}

func newRelayFixture(t *testing.T, instanceID string, bus pubsub.PubSub) *relayFixture {
	t.Helper()

	tokens, err := jwt.NewManager("test-secret", time.Hour, "relayd-test")
	if err != nil {
		t.Fatalf("jwt.NewManager() = %v", err)
	}

	f := &relayFixture{
		hub:      NewHub(instanceID, testConfig(), bus),
		tokens:   tokens,
		producer: &fakeProducer{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.hub.Run(ctx)

	handler := NewHandler(f.hub, tokens, f.producer)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// dial connects an authenticated client and waits until the hub has
// registered its room membership.
func (f *relayFixture) dial(t *testing.T, userID string, rooms ...string) *websocket.Conn {
	t.Helper()

	token, err := f.tokens.Generate(userID, userID, nil)
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?rooms=" + strings.Join(rooms, ",")
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		registered := true
		for _, roomID := range rooms {
			found := false
			for _, member := range f.hub.RoomMembers(roomID) {
				if member == userID {
					found = true
				}
			}
			if !found {
				registered = false
			}
		}
		if registered {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never registered with the hub", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) *signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := signaling.Decode(data)
	if err != nil {
		t.Fatalf("received malformed message: %v", err)
	}
	return msg
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
	// Reads after an expired deadline would fail; reset so later reads work.
	conn.SetReadDeadline(time.Time{})
}

func send(t *testing.T, conn *websocket.Conn, msg *signaling.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestUnauthenticatedConnectionRejected(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without a token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestRoomWideAndTargetedRouting(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	b1 := f.dial(t, "b1", "r1")
	l1 := f.dial(t, "l1", "r1")
	l2 := f.dial(t, "l2", "r1")

	// An announcement reaches every room member except the sender.
	start, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "b1",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "b1", Username: "bob"})
	send(t, b1, start)

	if got := readMsg(t, l1); got.Type != signaling.TypeBroadcastStart {
		t.Errorf("l1 received %s, want broadcast_start", got.Type)
	}
	if got := readMsg(t, l2); got.Type != signaling.TypeBroadcastStart {
		t.Errorf("l2 received %s, want broadcast_start", got.Type)
	}
	assertSilent(t, b1)

	// A targeted offer reaches only its addressee.
	offer, _ := signaling.NewMessage(signaling.TypeOffer, "r1", "b1",
		&signaling.OfferPayload{RoomID: "r1", TargetUserID: "l1", Offer: json.RawMessage(`{"sdp":"v=0"}`)})
	offer.TargetUserID = "l1"
	send(t, b1, offer)

	if got := readMsg(t, l1); got.Type != signaling.TypeOffer {
		t.Errorf("l1 received %s, want offer", got.Type)
	}
	assertSilent(t, l2)
}

func TestSpoofedSenderRejected(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	mallory := f.dial(t, "mallory", "r1")
	l1 := f.dial(t, "l1", "r1")

	spoofed, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "b1",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "b1", Username: "bob"})
	send(t, mallory, spoofed)
	assertSilent(t, l1)

	// The same connection can still send under its real identity.
	honest, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "mallory",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "mallory", Username: "mallory"})
	send(t, mallory, honest)
	if got := readMsg(t, l1); got.FromUserID != "mallory" {
		t.Errorf("l1 received from %q, want mallory", got.FromUserID)
	}
}

func TestInvalidMessagesDropped(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	b1 := f.dial(t, "b1", "r1")
	l1 := f.dial(t, "l1", "r1")

	if err := b1.WriteMessage(websocket.TextMessage, []byte(`{broken`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	assertSilent(t, l1)
}

func TestBroadcasterDisconnectSynthesizesStop(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	b1 := f.dial(t, "b1", "r1")
	l1 := f.dial(t, "l1", "r1")

	start, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "b1",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "b1", Username: "bob"})
	send(t, b1, start)
	readMsg(t, l1)

	b1.Close()

	stop := readMsg(t, l1)
	if stop.Type != signaling.TypeBroadcastStop {
		t.Fatalf("l1 received %s, want broadcast_stop", stop.Type)
	}
	var payload signaling.BroadcastStopPayload
	if err := stop.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() = %v", err)
	}
	if payload.Reason != ReasonDisconnect {
		t.Errorf("reason = %q, want %q", payload.Reason, ReasonDisconnect)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		records := f.producer.recorded()
		if len(records) == 2 {
			if records[0].event != EventBroadcastStarted || records[1].event != EventBroadcastStopped {
				t.Fatalf("lifecycle records = %+v", records)
			}
			if records[1].reason != ReasonDisconnect {
				t.Errorf("lifecycle reason = %q, want disconnect", records[1].reason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lifecycle records = %+v, want 2", records)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExplicitStopProducesLifecycleEvent(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	b1 := f.dial(t, "b1", "r1")
	l1 := f.dial(t, "l1", "r1")

	start, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "b1",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "b1", Username: "bob"})
	send(t, b1, start)
	readMsg(t, l1)

	stop, _ := signaling.NewMessage(signaling.TypeBroadcastStop, "r1", "b1",
		&signaling.BroadcastStopPayload{RoomID: "r1", UserID: "b1", Reason: ReasonExplicit})
	send(t, b1, stop)
	readMsg(t, l1)

	// No second stop is synthesized when the connection later dies.
	b1.Close()
	assertSilent(t, l1)

	records := f.producer.recorded()
	if len(records) != 2 || records[1].reason != ReasonExplicit {
		t.Fatalf("lifecycle records = %+v", records)
	}
}

func TestTrafficBridgedAcrossInstances(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	f1 := newRelayFixture(t, "inst1", bus)
	f2 := newRelayFixture(t, "inst2", bus)

	b1 := f1.dial(t, "b1", "r1")
	l1 := f2.dial(t, "l1", "r1")

	start, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "b1",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "b1", Username: "bob"})
	send(t, b1, start)

	if got := readMsg(t, l1); got.Type != signaling.TypeBroadcastStart {
		t.Errorf("bridged message type = %s, want broadcast_start", got.Type)
	}

	// Targeted traffic crosses instances too.
	offer, _ := signaling.NewMessage(signaling.TypeOffer, "r1", "b1",
		&signaling.OfferPayload{RoomID: "r1", TargetUserID: "l1", Offer: json.RawMessage(`{"sdp":"v=0"}`)})
	offer.TargetUserID = "l1"
	send(t, b1, offer)

	if got := readMsg(t, l1); got.Type != signaling.TypeOffer {
		t.Errorf("bridged message type = %s, want offer", got.Type)
	}
}

func TestNewerConnectionWins(t *testing.T) {
	f := newRelayFixture(t, "inst1", nil)

	old := f.dial(t, "l1", "r1")
	fresh := f.dial(t, "l1", "r1")

	// The hub evicts the old connection once the new one registers.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Fatal("superseded connection must be closed, not receive traffic")
	}

	b1 := f.dial(t, "b1", "r1")

	start, _ := signaling.NewMessage(signaling.TypeBroadcastStart, "r1", "b1",
		&signaling.BroadcastStartPayload{RoomID: "r1", UserID: "b1", Username: "bob"})
	send(t, b1, start)

	if got := readMsg(t, fresh); got.Type != signaling.TypeBroadcastStart {
		t.Errorf("fresh connection received %s, want broadcast_start", got.Type)
	}
}
