package canbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Bus is a broadcast bus. Every frame on the bus, including frames this
// process transmitted, is delivered to every subscriber.
type Bus interface {
	// Transmit hands f to the bus for broadcast.
	Transmit(ctx context.Context, f Frame) error
	// Subscribe returns a channel of all frames observed on the bus. The
	// id is passed to Unsubscribe.
	Subscribe() (string, <-chan Frame)
	// Unsubscribe closes the channel returned by Subscribe.
	Unsubscribe(id string)
	Close() error
}

// SubscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses frames.
const SubscriberBuffer = 64

// Mux fans frames out to subscribers. Transports embed it and call Publish
// for every frame they observe.
type Mux struct {
	mu          sync.Mutex
	subscribers map[string]chan Frame
	closed      bool
}

func (m *Mux) Subscribe() (string, <-chan Frame) {
	id := uuid.NewString()
	ch := make(chan Frame, SubscriberBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return id, ch
	}
	if m.subscribers == nil {
		m.subscribers = make(map[string]chan Frame)
	}
	m.subscribers[id] = ch
	return id, ch
}

func (m *Mux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Publish delivers f to every subscriber without blocking.
func (m *Mux) Publish(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- f:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (m *Mux) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// Shutdown closes all subscriptions. It reports false if the mux was
// already shut down.
func (m *Mux) Shutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return true
}

// IsClosed reports whether Shutdown was called.
func (m *Mux) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
