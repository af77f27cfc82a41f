// Package notify is the boundary to live consumers. The engine emits
// messages to a Sink after each committed state change; how they reach the
// UI (SSE, polling) is the server's concern.
package notify

import "sync"

type Message struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

type Sink interface {
	Broadcast(topic string, msg Message)
}

// Discard drops every message. Used by CLI paths that have no live
// listeners.
type Discard struct{}

func (Discard) Broadcast(string, Message) {}

// Bus is an in-process topic fan-out. Subscribers that fall behind are
// skipped rather than blocking the broadcaster.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Message]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Message]struct{})}
}

func (b *Bus) Broadcast(topic string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a listener on topic. The returned cancel func must be
// called to release the subscription; the channel is closed by cancel.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	ch := make(chan Message, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Message]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], ch)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
