package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voicecast/voicecast/internal/dispatch"
	"github.com/voicecast/voicecast/internal/rtc"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// Authorizer is the external privilege check for starting a broadcast.
type Authorizer interface {
	IsRoomAdmin(ctx context.Context, userID, roomID string) (bool, error)
}

// Identity is the local user on whose behalf the engine runs.
type Identity struct {
	UserID   string
	Username string
}

// Registry tracks every active broadcast session, one per room, and
// enforces the one-broadcaster-per-room invariant. The map is guarded by a
// mutex: the engine's event loop is single-goroutine, but API calls from
// the embedding application may race against it.
type Registry struct {
	d       *dispatch.Dispatcher
	factory rtc.Factory
	mic     rtc.Microphone
	auth    Authorizer
	self    Identity
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a session registry.
func NewRegistry(d *dispatch.Dispatcher, factory rtc.Factory, mic rtc.Microphone, auth Authorizer, self Identity) *Registry {
	return &Registry{
		d:        d,
		factory:  factory,
		mic:      mic,
		auth:     auth,
		self:     self,
		sessions: make(map[string]*Session),
		log:      pkglog.L().With().Str(pkglog.FieldComponent, "session_registry").Logger(),
	}
}

// Session returns the active session for a room, or nil.
func (r *Registry) Session(roomID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[roomID]
}

// StartBroadcast creates a broadcast session for the room. It fails with
// ErrPermissionDenied when the caller lacks admin privilege,
// ErrAlreadyBroadcasting when a non-stopped session exists for the room,
// and ErrMicrophoneUnavailable when capture cannot be acquired.
func (r *Registry) StartBroadcast(ctx context.Context, roomID, broadcasterID string) (*Session, error) {
	admin, err := r.auth.IsRoomAdmin(ctx, broadcasterID, roomID)
	if err != nil {
		return nil, fmt.Errorf("admin check: %w", err)
	}
	if !admin {
		return nil, ErrPermissionDenied
	}

	session := newSession(r.d, r.factory, roomID, broadcasterID, r.self.Username)
	session.onStopped = r.evict

	// Reserve the room slot before the (possibly slow) capture
	// acquisition so concurrent starts cannot both pass the check.
	r.mu.Lock()
	if existing := r.sessions[roomID]; existing != nil && existing.State() != StateStopped {
		r.mu.Unlock()
		return nil, ErrAlreadyBroadcasting
	}
	r.sessions[roomID] = session
	r.mu.Unlock()

	source, err := r.mic.Acquire(ctx)
	if err != nil {
		r.evict(session)
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	if err := session.start(ctx, source); err != nil {
		r.evict(session)
		return nil, err
	}

	r.log.Info().
		Str(pkglog.FieldRoomID, roomID).
		Str(pkglog.FieldUserID, broadcasterID).
		Msg("broadcast session created")
	return session, nil
}

// StopBroadcast stops the room's broadcast. Fails with ErrNotBroadcaster
// when the caller does not own the current session. Every peer session is
// torn down and capture released before this returns.
func (r *Registry) StopBroadcast(ctx context.Context, roomID, callerID string) error {
	r.mu.Lock()
	session := r.sessions[roomID]
	r.mu.Unlock()

	if session == nil || session.BroadcasterID() != callerID {
		return ErrNotBroadcaster
	}

	session.stop(ctx, ReasonExplicit)
	return nil
}

// Pause toggles the room's broadcast to Paused without re-negotiating any
// peer session.
func (r *Registry) Pause(roomID, callerID string) error {
	session, err := r.owned(roomID, callerID)
	if err != nil {
		return err
	}
	return session.pause()
}

// Resume toggles the room's broadcast back to Broadcasting.
func (r *Registry) Resume(roomID, callerID string) error {
	session, err := r.owned(roomID, callerID)
	if err != nil {
		return err
	}
	return session.resume()
}

// StopAll stops every active session; used at process shutdown and on
// irrecoverable capture failure paths.
func (r *Registry) StopAll(ctx context.Context, reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop(ctx, reason)
	}
}

func (r *Registry) owned(roomID, callerID string) (*Session, error) {
	r.mu.Lock()
	session := r.sessions[roomID]
	r.mu.Unlock()

	if session == nil {
		return nil, fmt.Errorf("%w: no session for room", ErrInvalidState)
	}
	if session.BroadcasterID() != callerID {
		return nil, ErrNotBroadcaster
	}
	return session, nil
}

func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	if r.sessions[s.RoomID()] == s {
		delete(r.sessions, s.RoomID())
	}
	r.mu.Unlock()
}
