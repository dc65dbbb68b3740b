package server

import (
	"encoding/json"
	"sync"

	"github.com/pashagolub/bookvote/pkg/data"
)

// SSEEvent is the payload published to ranking subscribers.
type SSEEvent struct {
	Type   string        `json:"type"`
	Reason string        `json:"reason"`
	Kind   data.ItemKind `json:"kind,omitempty"`
	Round  int           `json:"round"`
}

// Broker is an in-process pub/sub for SSE events. Every subscriber receives
// every event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[chan []byte]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel that receives JSON-encoded SSE events. The
// channel is closed when the broker shuts down.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel from the subscribers.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends an event to all subscribers.
func (b *Broker) Publish(event SSEEvent) {
	data, _ := json.Marshal(event)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- data:
		default:
			// Drop if subscriber is slow.
		}
	}
}

// PublishChange forwards a catalog change as a rankings event.
func (b *Broker) PublishChange(c data.Change) {
	b.Publish(SSEEvent{Type: "rankings", Reason: c.Reason, Kind: c.Kind, Round: c.Round})
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
