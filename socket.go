package devbridge

import (
	"context"
	"fmt"
)

// EventKind identifies one of the asynchronous socket events described
// in spec.md §4.3. Exactly one Open precedes any message; exactly one of
// Close/Error/SslError terminates the socket.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventError
	EventSslError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "Open"
	case EventClose:
		return "Close"
	case EventError:
		return "Error"
	case EventSslError:
		return "SslError"
	default:
		return "Unknown"
	}
}

// Event is delivered to a Socket's event handler, always on the
// Scheduler (spec.md §4.3).
type Event struct {
	Kind EventKind
	Err  error // non-nil for Error/SslError, and for an unclean Close
}

// sendCompletion is called once a Send attempt has either been handed to
// the transport or failed locally.
type sendCompletion func(err error)

// responseCompletion is called with the raw bytes of the single inbound
// frame SendExpectResponse bypassed the normal message handler for.
type responseCompletion func(raw []byte, err error)

// Socket is the pluggable transport abstraction of spec.md §4.3. Two
// variants are provided: Insecure (plain WebSocket, enrollment only) and
// Secure (mutually-authenticated TLS WebSocket). Both honor the same
// contract: SetEventHandler/SetMessageHandler must be called before
// Connect; Connect returns once the dial has been attempted (the Open or
// Error/SslError event reports the outcome asynchronously, via the
// Scheduler); Send and SendExpectResponse are always non-blocking from
// the caller's perspective.
type Socket interface {
	// SetEventHandler installs the callback invoked for every Event.
	SetEventHandler(fn func(Event))

	// SetMessageHandler installs the permanent callback invoked for
	// every inbound text frame that SendExpectResponse did not bypass.
	SetMessageHandler(fn func(raw []byte))

	// Connect dials the transport. manager is consulted for the
	// identity payload and, for Secure, for certificate material.
	Connect(ctx context.Context, manager *ConnectionManager) error

	// Disconnect closes the transport. It is idempotent.
	Disconnect()

	// Send transmits msg. Oversize payloads (spec.md §4.3: 2^53-1 byte
	// limit) fail locally via completion without touching the socket.
	Send(msg []byte, completion sendCompletion)

	// SendExpectResponse transmits msg and routes the next inbound text
	// frame on this socket to completion instead of the regular message
	// handler, bypassing it exactly once (spec.md §4.3, resolved in
	// DESIGN.md's Open Question (a)). Used only during enrollment.
	SendExpectResponse(msg []byte, completion responseCompletion)
}

// ErrPayloadTooLarge is returned (via Send's completion, never as a Go
// error return, to match the spec's "fail locally" contract) when a
// payload exceeds maxMessageBytes. It wraps ErrOversizeMessage, so
// errors.Is matches either sentinel.
var ErrPayloadTooLarge = fmt.Errorf("devbridge: payload exceeds maximum size: %w", ErrOversizeMessage)

func checkPayloadSize(msg []byte) error {
	if len(msg) > maxMessageBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// SocketFactory constructs a Socket for the given endpoint. Insecure and
// Secure are the two variants spec.md §4.3 requires; a SocketProvider is
// the process-singleton selecting between them, swappable in tests
// (spec.md §4.3's "SocketProvider").
type SocketFactory func(endpoint ConnectionEndpoint, store *ContextStore) Socket

// ConnectionEndpoint is the (host, port, secure) triple a Socket
// connects to, per spec.md §3.
type ConnectionEndpoint struct {
	Host   string
	Port   int
	Secure bool
}

// SocketProvider selects and constructs the Insecure or Secure Socket
// variant. The zero value uses the package's built-in factories; tests
// substitute their own via WithFactories.
type SocketProvider struct {
	insecure SocketFactory
	secure   SocketFactory
}

// NewSocketProvider returns a SocketProvider using the built-in
// WebSocket-based Insecure and Secure implementations.
func NewSocketProvider() *SocketProvider {
	return &SocketProvider{
		insecure: newInsecureSocket,
		secure:   newSecureSocket,
	}
}

// WithFactories returns a copy of p using the given factories instead of
// the built-in ones, for tests that substitute a mock Socket
// implementation (spec.md §4.3/§9).
func (p *SocketProvider) WithFactories(insecure, secure SocketFactory) *SocketProvider {
	return &SocketProvider{insecure: insecure, secure: secure}
}

func (p *SocketProvider) socketFor(endpoint ConnectionEndpoint, store *ContextStore) Socket {
	if endpoint.Secure {
		return p.secure(endpoint, store)
	}
	return p.insecure(endpoint, store)
}
