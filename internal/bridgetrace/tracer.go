// Package bridgetrace provides mechanisms to trace lifecycle events in a
// devbridge Client and ConnectionManager, so that calling applications
// can record those events in their own application-specific logs without
// the core needing an opinion about log formatting or destinations.
package bridgetrace

import (
	"context"
	"time"
)

// Tracer contains function pointers that, if set, will be called when
// certain events occur in a devbridge Client/ConnectionManager whose
// context has this object attached.
//
// Every field may be nil; callers must tolerate that and treat a nil
// function pointer as a no-op. Tracer must never be relied upon for
// control flow.
type Tracer struct {
	// SocketOpen is called when the Open event is received from the
	// active socket (spec.md §4.3).
	SocketOpen func(secure bool)

	// SocketClose is called when the socket reports Close. err is nil
	// for a clean close.
	SocketClose func(secure bool, err error)

	// SocketSslError is called when the socket reports the distinguished
	// SslError event (spec.md §4.3/§4.4): not counted as a failed
	// attempt.
	SocketSslError func(err error)

	// CertExchangeStep is called at each named step of certificate
	// enrollment (spec.md §4.4), with outcome one of "in_progress",
	// "success", "failed".
	CertExchangeStep func(step string, outcome string)

	// Reconnecting is called just before the Connection Manager
	// schedules a reconnect attempt. attempt carries the manager's
	// current count of consecutive counted failures (0 after a clean
	// close or a successful exchange), not a sequence number.
	Reconnecting func(attempt int, delay time.Duration)

	// PluginConnected/PluginDisconnected are called when a
	// PluginConnection is created/torn down for a plugin identifier.
	PluginConnected    func(id string)
	PluginDisconnected func(id string)

	// MessageDropped is called when an outbound message is dropped
	// locally (e.g. oversize payload), with a human-readable reason.
	MessageDropped func(reason string, size int)

	// UnknownMethod is called when an inbound message names a method
	// the Client's dispatcher does not recognize.
	UnknownMethod func(method string)

	// PluginPanic is called when a plugin's OnConnect/OnDisconnect
	// panics (spec.md §4.7). It fires regardless of connection state;
	// the caller additionally reports an unsolicited error frame when
	// connected.
	PluginPanic func(id string, reason string)
}

type ctxKeyType int

const ctxKey ctxKeyType = 1

var noop = &Tracer{}

// With returns a child of ctx carrying t. Callers must not modify any
// field of t after passing it to With.
func With(ctx context.Context, t *Tracer) context.Context {
	return context.WithValue(ctx, ctxKey, t)
}

// FromContext retrieves the Tracer attached to ctx, or a no-op Tracer if
// none was attached.
func FromContext(ctx context.Context) *Tracer {
	t, ok := ctx.Value(ctxKey).(*Tracer)
	if !ok || t == nil {
		return noop
	}
	return t
}
