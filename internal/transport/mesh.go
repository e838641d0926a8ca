// internal/transport/mesh.go
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Mesh is an in-process transport for tests and single-binary simulations.
// Frames are handed to the destination handler on the sender's goroutine.
// Drop, when set, is consulted per frame so tests can model lossy links.
type Mesh struct {
	mu       sync.Mutex
	handlers map[string]Handler

	Drop func(from, to string) bool
}

func NewMesh() *Mesh {
	return &Mesh{handlers: make(map[string]Handler)}
}

// Endpoint returns a Transport bound to addr on this mesh.
func (m *Mesh) Endpoint(addr string) Transport {
	return &meshEndpoint{mesh: m, addr: addr}
}

type meshEndpoint struct {
	mesh *Mesh
	addr string
}

func (e *meshEndpoint) Listen(ctx context.Context, addr string, h Handler) error {
	e.mesh.mu.Lock()
	if _, ok := e.mesh.handlers[addr]; ok {
		e.mesh.mu.Unlock()
		return fmt.Errorf("mesh: %s already listening", addr)
	}
	e.mesh.handlers[addr] = h
	e.mesh.mu.Unlock()

	<-ctx.Done()
	e.mesh.mu.Lock()
	delete(e.mesh.handlers, addr)
	e.mesh.mu.Unlock()
	return ctx.Err()
}

func (e *meshEndpoint) Send(ctx context.Context, addr string, frame []byte) error {
	e.mesh.mu.Lock()
	h, ok := e.mesh.handlers[addr]
	drop := e.mesh.Drop
	e.mesh.mu.Unlock()

	if !ok {
		return fmt.Errorf("mesh: no listener at %s", addr)
	}
	if drop != nil && drop(e.addr, addr) {
		return nil
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	h(cp)
	return nil
}
