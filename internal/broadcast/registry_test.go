package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voicecast/voicecast/internal/dispatch"
	"github.com/voicecast/voicecast/internal/signaling"
)

type registryFixture struct {
	tr      *fakeTransport
	d       *dispatch.Dispatcher
	factory *fakeFactory
	mic     *fakeMic
	auth    *fakeAuth
	reg     *Registry
}

func newRegistryFixture() *registryFixture {
	f := &registryFixture{
		tr:      newFakeTransport(),
		factory: &fakeFactory{},
		mic:     &fakeMic{},
		auth:    &fakeAuth{admin: true},
	}
	f.d = dispatch.New(f.tr, "b1")
	f.reg = NewRegistry(f.d, f.factory, f.mic, f.auth, Identity{UserID: "b1", Username: "bob"})
	return f
}

func TestStartBroadcastAnnounces(t *testing.T) {
	f := newRegistryFixture()

	session, err := f.reg.StartBroadcast(context.Background(), "r1", "b1")
	if err != nil {
		t.Fatalf("StartBroadcast() = %v", err)
	}
	if session.State() != StateBroadcasting {
		t.Errorf("State() = %s, want broadcasting", session.State())
	}

	starts := f.tr.sentOfType(signaling.TypeBroadcastStart)
	if len(starts) != 1 {
		t.Fatalf("broadcast_start sent %d times, want 1", len(starts))
	}
	var ann signaling.BroadcastStartPayload
	if err := starts[0].DecodePayload(&ann); err != nil {
		t.Fatalf("DecodePayload() = %v", err)
	}
	if ann.RoomID != "r1" || ann.UserID != "b1" || ann.Username != "bob" {
		t.Errorf("announcement = %+v", ann)
	}
}

func TestStartBroadcastPermissionDenied(t *testing.T) {
	f := newRegistryFixture()
	f.auth.admin = false

	if _, err := f.reg.StartBroadcast(context.Background(), "r1", "b1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("StartBroadcast() = %v, want ErrPermissionDenied", err)
	}
	if f.mic.acquires != 0 {
		t.Error("microphone must not be touched when authorization fails")
	}
	if f.reg.Session("r1") != nil {
		t.Error("no session must be registered for a denied start")
	}
}

func TestStartBroadcastMicrophoneUnavailable(t *testing.T) {
	f := newRegistryFixture()
	f.mic.err = errors.New("device busy")

	_, err := f.reg.StartBroadcast(context.Background(), "r1", "b1")
	if !errors.Is(err, ErrMicrophoneUnavailable) {
		t.Fatalf("StartBroadcast() = %v, want ErrMicrophoneUnavailable", err)
	}
	if f.reg.Session("r1") != nil {
		t.Error("failed start must release its room slot")
	}
	if len(f.tr.sentOfType(signaling.TypeBroadcastStart)) != 0 {
		t.Error("nothing must be announced when capture fails")
	}

	// The slot is reusable after the failure.
	f.mic.err = nil
	if _, err := f.reg.StartBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("retry after capture failure = %v", err)
	}
}

func TestStartBroadcastOnePerRoom(t *testing.T) {
	f := newRegistryFixture()

	if _, err := f.reg.StartBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("first StartBroadcast() = %v", err)
	}
	if _, err := f.reg.StartBroadcast(context.Background(), "r1", "b1"); !errors.Is(err, ErrAlreadyBroadcasting) {
		t.Fatalf("second StartBroadcast() = %v, want ErrAlreadyBroadcasting", err)
	}

	// Other rooms are unaffected.
	if _, err := f.reg.StartBroadcast(context.Background(), "r2", "b1"); err != nil {
		t.Fatalf("StartBroadcast(r2) = %v", err)
	}
}

func TestStartBroadcastConcurrentStartsOneWinner(t *testing.T) {
	f := newRegistryFixture()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.reg.StartBroadcast(context.Background(), "r1", "b1")
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyBroadcasting):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != n-1 {
		t.Fatalf("winners = %d, losers = %d, want 1 and %d", won, lost, n-1)
	}
}

func TestStopBroadcastOwnership(t *testing.T) {
	f := newRegistryFixture()

	if err := f.reg.StopBroadcast(context.Background(), "r1", "b1"); !errors.Is(err, ErrNotBroadcaster) {
		t.Fatalf("stop without session = %v, want ErrNotBroadcaster", err)
	}

	if _, err := f.reg.StartBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("StartBroadcast() = %v", err)
	}
	if err := f.reg.StopBroadcast(context.Background(), "r1", "intruder"); !errors.Is(err, ErrNotBroadcaster) {
		t.Fatalf("stop by non-owner = %v, want ErrNotBroadcaster", err)
	}
	if err := f.reg.StopBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("stop by owner = %v", err)
	}
}

func TestStopBroadcastReleasesEverything(t *testing.T) {
	f := newRegistryFixture()

	session, err := f.reg.StartBroadcast(context.Background(), "r1", "b1")
	if err != nil {
		t.Fatalf("StartBroadcast() = %v", err)
	}
	f.d.Dispatch(joinMsg("r1", "l1", "b1"))
	if len(session.Listeners()) != 1 {
		t.Fatal("listener not admitted")
	}

	if err := f.reg.StopBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("StopBroadcast() = %v", err)
	}

	stops := f.tr.sentOfType(signaling.TypeBroadcastStop)
	if len(stops) != 1 {
		t.Fatalf("broadcast_stop sent %d times, want 1", len(stops))
	}
	var stop signaling.BroadcastStopPayload
	if err := stops[0].DecodePayload(&stop); err != nil {
		t.Fatalf("DecodePayload() = %v", err)
	}
	if stop.Reason != ReasonExplicit {
		t.Errorf("stop reason = %q, want %q", stop.Reason, ReasonExplicit)
	}

	if !f.mic.src.isClosed() {
		t.Error("capture source must be released on stop")
	}
	for _, neg := range f.factory.created() {
		if !neg.isClosed() {
			t.Error("peer negotiator must be closed on stop")
		}
	}
	if f.reg.Session("r1") != nil {
		t.Error("registry slot must be freed on stop")
	}

	// A fresh broadcast can start in the same room afterwards.
	if _, err := f.reg.StartBroadcast(context.Background(), "r1", "b1"); err != nil {
		t.Fatalf("restart after stop = %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := newRegistryFixture()

	session, err := f.reg.StartBroadcast(context.Background(), "r1", "b1")
	if err != nil {
		t.Fatalf("StartBroadcast() = %v", err)
	}

	if err := f.reg.Resume("r1", "b1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume while broadcasting = %v, want ErrInvalidState", err)
	}

	if err := f.reg.Pause("r1", "b1"); err != nil {
		t.Fatalf("Pause() = %v", err)
	}
	if session.State() != StatePaused {
		t.Errorf("State() = %s, want paused", session.State())
	}
	if !f.mic.src.Muted() {
		t.Error("pause must mute the capture source")
	}
	if err := f.reg.Pause("r1", "b1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double pause = %v, want ErrInvalidState", err)
	}

	if err := f.reg.Resume("r1", "b1"); err != nil {
		t.Fatalf("Resume() = %v", err)
	}
	if session.State() != StateBroadcasting || f.mic.src.Muted() {
		t.Error("resume must unmute and return to broadcasting")
	}

	if err := f.reg.Pause("r1", "intruder"); !errors.Is(err, ErrNotBroadcaster) {
		t.Fatalf("pause by non-owner = %v, want ErrNotBroadcaster", err)
	}
}

func TestStopAll(t *testing.T) {
	f := newRegistryFixture()

	for _, room := range []string{"r1", "r2"} {
		if _, err := f.reg.StartBroadcast(context.Background(), room, "b1"); err != nil {
			t.Fatalf("StartBroadcast(%s) = %v", room, err)
		}
	}

	f.reg.StopAll(context.Background(), ReasonDisconnect)

	if f.reg.Session("r1") != nil || f.reg.Session("r2") != nil {
		t.Error("StopAll must evict every session")
	}
	if got := len(f.tr.sentOfType(signaling.TypeBroadcastStop)); got != 2 {
		t.Errorf("broadcast_stop sent %d times, want 2", got)
	}
}
