package pubsub

import (
	"context"
	"path"
	"sync"
)

// MemoryPubSub implements PubSub for a single process. It is the default
// driver for single-instance relays and for tests.
type MemoryPubSub struct {
	mu       sync.RWMutex
	channels map[string][]chan *Event
	patterns map[string][]chan *Event
	closed   bool
}

// NewMemoryPubSub creates an in-process PubSub instance.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		channels: make(map[string][]chan *Event),
		patterns: make(map[string][]chan *Event),
	}
}

// Publish delivers the event to every subscriber of the channel and every
// pattern subscriber whose pattern matches it. Slow subscribers drop.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels[channel] {
		select {
		case ch <- event:
		default:
		}
	}

	for pattern, subs := range m.patterns {
		if ok, _ := path.Match(pattern, channel); !ok {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
	}

	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Event, 100)
	m.channels[channel] = append(m.channels[channel], ch)
	return ch, nil
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Event, 100)
	m.patterns[pattern] = append(m.patterns[pattern], ch)
	return ch, nil
}

// Unsubscribe closes all subscriptions for a channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.channels[channel] {
		close(ch)
	}
	delete(m.channels, channel)
	return nil
}

// Close closes every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, subs := range m.channels {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range m.patterns {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.channels = make(map[string][]chan *Event)
	m.patterns = make(map[string][]chan *Event)
	return nil
}
