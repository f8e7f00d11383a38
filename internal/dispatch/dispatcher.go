package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voicecast/voicecast/internal/signaling"
	"github.com/voicecast/voicecast/internal/transport"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// Handler processes one dispatched event. Returning an error never stops
// delivery to other subscribers; the dispatcher logs it and moves on.
type Handler func(msg *signaling.Message) error

// Handlers maps event types to callbacks for one component.
type Handlers map[string]Handler

// Dispatcher owns the single subscription to the transport and fans every
// inbound message out to registered components exactly once, in arrival
// order. It is created once at process start and injected into components.
type Dispatcher struct {
	tr     transport.Transport
	selfID string
	log    zerolog.Logger

	mu         sync.RWMutex
	components map[string]Handlers
	order      []string
}

// New creates a dispatcher bound to a transport. selfID is the local user
// identity used to filter targeted messages addressed to other users.
func New(tr transport.Transport, selfID string) *Dispatcher {
	return &Dispatcher{
		tr:         tr,
		selfID:     selfID,
		log:        pkglog.L().With().Str(pkglog.FieldComponent, "dispatcher").Logger(),
		components: make(map[string]Handlers),
	}
}

// Register installs the handler set for a component. Registering under an
// already-used id replaces the previous set atomically; the component keeps
// its original position in delivery order.
func (d *Dispatcher) Register(componentID string, handlers Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.components[componentID]; !exists {
		d.order = append(d.order, componentID)
	}
	d.components[componentID] = handlers
}

// Unregister removes a component's handler set. Unregistering an absent id
// is a no-op.
func (d *Dispatcher) Unregister(componentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.components[componentID]; !exists {
		return
	}
	delete(d.components, componentID)
	for i, id := range d.order {
		if id == componentID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Dispatch delivers one event to every component registered for its type.
// Targeted messages addressed to another user are dropped here. Handlers
// run on the caller's goroutine; a panicking or failing handler does not
// prevent delivery to the rest.
func (d *Dispatcher) Dispatch(msg *signaling.Message) {
	if msg == nil {
		return
	}
	if !msg.AddressedTo(d.selfID) {
		return
	}

	// Snapshot under the read lock so concurrent register/unregister
	// cannot corrupt the iteration.
	d.mu.RLock()
	type target struct {
		id string
		h  Handler
	}
	targets := make([]target, 0, len(d.order))
	for _, id := range d.order {
		if h, ok := d.components[id][msg.Type]; ok {
			targets = append(targets, target{id: id, h: h})
		}
	}
	d.mu.RUnlock()

	for _, t := range targets {
		d.invoke(t.id, t.h, msg)
	}
}

func (d *Dispatcher) invoke(componentID string, h Handler, msg *signaling.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str(pkglog.FieldComponent, componentID).
				Str(pkglog.FieldEventType, msg.Type).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()

	if err := h(msg); err != nil {
		d.log.Error().Err(err).
			Str(pkglog.FieldComponent, componentID).
			Str(pkglog.FieldEventType, msg.Type).
			Msg("subscriber failed")
	}
}

// Emit forwards an outbound message to the transport. It returns
// transport.ErrUnavailable when no live connection exists; the caller owns
// retry and backoff, nothing is buffered here.
func (d *Dispatcher) Emit(ctx context.Context, msg *signaling.Message) error {
	return d.tr.Send(ctx, msg)
}

// Run pumps the transport's inbound stream through Dispatch until the
// context is cancelled or the transport closes. Link transitions are
// delivered to subscribers as local transport_up/transport_down events.
func (d *Dispatcher) Run(ctx context.Context) {
	inbound := d.tr.Receive()
	states := d.tr.States()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			d.dispatchLinkEvent(s)
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			d.Dispatch(msg)
		}
	}
}

func (d *Dispatcher) dispatchLinkEvent(s transport.State) {
	eventType := signaling.TypeTransportDown
	if s == transport.StateConnected {
		eventType = signaling.TypeTransportUp
	}
	d.log.Info().Str(pkglog.FieldEventType, eventType).Msg("transport state change")
	d.Dispatch(&signaling.Message{Type: eventType})
}
