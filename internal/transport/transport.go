// internal/transport/transport.go
package transport

import "context"

// Handler receives one inbound frame. Implementations call it from their own
// goroutines; the dispatcher does its own serialization.
type Handler func(frame []byte)

// Transport moves opaque frames between addresses, best effort. Delivery,
// ordering, and duplication guarantees all live above it: the reliability
// layer retries, the dedup guard absorbs duplicates.
type Transport interface {
	// Send delivers one frame to addr. A nil error does not imply the peer
	// processed it, only that the transport accepted it.
	Send(ctx context.Context, addr string, frame []byte) error
	// Listen blocks serving inbound frames until ctx is done or the
	// listener fails.
	Listen(ctx context.Context, addr string, h Handler) error
}
