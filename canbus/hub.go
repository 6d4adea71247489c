package canbus

import (
	"context"
	"sync"
)

// Hub is an in-memory bus segment. Endpoints attached to the same hub see
// each other's frames.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
}

func NewHub() *Hub {
	return &Hub{}
}

// Endpoint is one node attached to a Hub.
type Endpoint struct {
	Mux
	hub  *Hub
	echo bool
}

// Endpoint attaches a new node to the hub. With echo set the node also
// receives the frames it transmits, as a SocketCAN socket with own-message
// reception does.
func (h *Hub) Endpoint(echo bool) *Endpoint {
	e := &Endpoint{hub: h, echo: echo}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

func (e *Endpoint) Transmit(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.IsClosed() {
		return ErrClosed
	}
	e.hub.mu.Lock()
	endpoints := append([]*Endpoint(nil), e.hub.endpoints...)
	e.hub.mu.Unlock()
	for _, other := range endpoints {
		if other == e && !e.echo {
			continue
		}
		other.Publish(f)
	}
	return nil
}

func (e *Endpoint) Close() error {
	if !e.Shutdown() {
		return nil
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	for i, other := range e.hub.endpoints {
		if other == e {
			e.hub.endpoints = append(e.hub.endpoints[:i], e.hub.endpoints[i+1:]...)
			break
		}
	}
	return nil
}
