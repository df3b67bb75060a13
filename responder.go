package devbridge

import "sync"

// Responder is the one-shot reply channel for an inbound request,
// per spec.md §3/§4.5. Exactly one of Success or Error must be called;
// if neither is called before the Responder is dropped, an automatic
// empty success is sent (spec.md §3's "Responder" invariant). Responder
// is safe to call from any goroutine; delivery is always scheduled onto
// the owning ConnectionManager's Scheduler.
type Responder interface {
	// Success sends a success reply with the given value (may be nil,
	// in which case an empty object is sent).
	Success(value interface{})

	// Error sends an error reply.
	Error(message, stacktrace string)
}

// responder is the concrete Responder used for live connections. Go has
// no deterministic destructor to fire the "auto-reply on drop" behavior
// spec.md §9 describes, so callers that own a responder's lifetime (the
// Connection Manager's message dispatch, PluginConnection.call) must
// explicitly call drop() once the code that received the Responder has
// returned, exactly once, typically via defer. This is the "owned
// pending-reply token enforced by API shape" spec.md §9 calls for in
// languages without deterministic destruction.
type responder struct {
	once    sync.Once
	id      *int64 // nil for messages without an id (spec.md §3)
	suppress bool   // true for messages without an id: replies are dropped
	send    func(wireMessage)
}

func newResponder(id *int64, suppress bool, send func(wireMessage)) *responder {
	return &responder{id: id, suppress: suppress, send: send}
}

// Success implements Responder.
func (r *responder) Success(value interface{}) {
	r.once.Do(func() {
		if r.suppress {
			return
		}
		r.send(newSuccessMessage(r.id, value))
	})
}

// Error implements Responder.
func (r *responder) Error(message, stacktrace string) {
	r.once.Do(func() {
		if r.suppress {
			return
		}
		r.send(wireMessage{ID: r.id, Error: &wireError{Message: message, Stacktrace: stacktrace}})
	})
}

// drop delivers the automatic empty-success reply if neither Success nor
// Error has been called yet (spec.md §3/§4.5's "drop behaviour"). Safe
// to call unconditionally; it is a no-op once a reply has been sent.
func (r *responder) drop() {
	r.once.Do(func() {
		if r.suppress {
			return
		}
		r.send(newSuccessMessage(r.id, nil))
	})
}

// dropper is implemented by the concrete responder so that every owner
// of a Responder's lifetime (ConnectionManager.onMessageReceived,
// Client's dispatch methods, PluginConnection.call) can enforce the
// drop-on-return contract without the public Responder interface
// exposing drop to plugin code.
type dropper interface {
	drop()
}

// dropResponder delivers the drop-default reply if r's owner never
// called Success or Error. Called via defer by everything that hands a
// Responder to code it does not control the return path of.
func dropResponder(r Responder) {
	if d, ok := r.(dropper); ok {
		d.drop()
	}
}
