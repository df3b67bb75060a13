package devbridge

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
)

// Plugin is the polymorphic entity spec.md §3 describes: registered
// once with Client.AddPlugin, it is handed a PluginConnection whenever
// it becomes active.
type Plugin interface {
	// Identifier returns the plugin's registry key. It must be stable
	// for the lifetime of the process.
	Identifier() string

	// OnConnect is called once a PluginConnection exists for this
	// plugin, either because the desktop sent init, or because the
	// plugin runs in the background and the socket just became
	// Connected.
	OnConnect(conn *PluginConnection)

	// OnDisconnect is called when the PluginConnection is torn down
	// (deinit, RemovePlugin, or socket close).
	OnDisconnect()

	// RunsInBackground reports whether the plugin should be activated
	// as soon as the socket connects, without waiting for an explicit
	// init from the desktop.
	RunsInBackground() bool
}

// Receiver is a plugin-supplied handler for a named inbound method,
// registered on a PluginConnection via Receive (spec.md §3).
type Receiver func(params json.RawMessage, responder Responder)

// PluginConnection is the per-plugin send/receive façade of spec.md
// §4.6 (C6): it is how plugin code talks to the desktop without
// touching Client or ConnectionManager directly. At most one
// PluginConnection is ever live for a given plugin identifier at a
// time (spec.md §8's P2).
type PluginConnection struct {
	id      string
	manager *ConnectionManager

	mu        sync.Mutex
	receivers map[string]Receiver
}

func newPluginConnection(id string, manager *ConnectionManager) *PluginConnection {
	return &PluginConnection{
		id:        id,
		manager:   manager,
		receivers: make(map[string]Receiver),
	}
}

// Send wraps params and transmits {"method":"execute","params":{api,
// method, params}} (spec.md §4.6).
func (c *PluginConnection) Send(method string, params interface{}) {
	c.sendExecute(method, mustMarshal(params))
}

// SendRaw is Send without re-encoding an already-serialized JSON params
// payload (spec.md §4.6).
func (c *PluginConnection) SendRaw(method string, rawParams json.RawMessage) {
	c.sendExecute(method, rawParams)
}

func (c *PluginConnection) sendExecute(method string, rawParams json.RawMessage) {
	body := executeParams{API: c.id, Method: method, Params: rawParams}
	msg := wireMessage{Method: "execute", Params: mustMarshal(body)}
	c.manager.Send(mustMarshal(msg))
}

// Error sends an unsolicited error frame (spec.md §4.6).
func (c *PluginConnection) Error(message, stacktrace string) {
	msg := wireMessage{Error: &wireError{Message: message, Stacktrace: stacktrace}}
	c.manager.Send(mustMarshal(msg))
}

// Receive registers handler for method. Registration is additive for
// the connection's lifetime (spec.md §3's Receiver invariant).
func (c *PluginConnection) Receive(method string, handler Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[method] = handler
}

// call is Client's internal dispatch entry point for an inbound execute
// request scoped to this connection (spec.md §4.6). A missing handler
// or a handler panic both produce an error response; the connection
// itself survives either way. A handler that returns without calling
// Success or Error on responder (including one that defers its reply to
// some later async callback without retaining responder itself) still
// gets exactly one reply: the drop-default empty success (spec.md §3/
// §4.5, responder.go's documented contract, P4).
func (c *PluginConnection) call(method string, params json.RawMessage, responder Responder) {
	defer dropResponder(responder)

	c.mu.Lock()
	handler, ok := c.receivers[method]
	c.mu.Unlock()

	if !ok {
		responder.Error(fmt.Sprintf("Receiver %s not found.", method), "")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			responder.Error(fmt.Sprintf("%v", r), string(debug.Stack()))
		}
	}()
	handler(params, responder)
}
