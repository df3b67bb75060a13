package devbridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeResponder records the single reply it received, for assertions
// against PluginConnection.call's dispatch behavior. It also implements
// the unexported dropper interface so dropResponder's drop-on-return
// behavior (responder.go) is observable from tests without depending on
// the real *responder type.
type fakeResponder struct {
	successCalled bool
	successValue  interface{}
	errCalled     bool
	errMessage    string
	errStack      string
	dropped       bool
}

func (r *fakeResponder) Success(value interface{}) {
	r.successCalled = true
	r.successValue = value
}

func (r *fakeResponder) Error(message, stacktrace string) {
	r.errCalled = true
	r.errMessage = message
	r.errStack = stacktrace
}

// drop mirrors responder.drop: a no-op once a reply has already been
// sent, otherwise records that the drop-default fired.
func (r *fakeResponder) drop() {
	if r.successCalled || r.errCalled {
		return
	}
	r.dropped = true
	r.successCalled = true
}

// newConnectedManager returns a ConnectionManager already in the
// Connected state over a fakeSocket, so PluginConnection.Send has
// somewhere to deliver bytes.
func newConnectedManager(t *testing.T) (*ConnectionManager, *fakeSocket) {
	t.Helper()
	store := newTrustedStore(t, MediumFSAccess)
	var created []*fakeSocket
	secure := func(ConnectionEndpoint, *ContextStore) Socket {
		s := &fakeSocket{}
		created = append(created, s)
		return s
	}
	m := newTestManager(t, store, func(ConnectionEndpoint, *ContextStore) Socket { return &fakeSocket{} }, secure, &fakeCallbacks{})
	m.Start()
	created[0].triggerOpen()
	return m, created[0]
}

func TestPluginConnectionSendWrapsExecuteEnvelope(t *testing.T) {
	manager, sock := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	conn.Send("updateRows", map[string]int{"count": 3})

	require.Len(t, sock.sent, 1)
	var outer wireMessage
	require.NoError(t, json.Unmarshal(sock.sent[0], &outer))
	require.Equal(t, "execute", outer.Method)

	var body executeParams
	require.NoError(t, json.Unmarshal(outer.Params, &body))
	require.Equal(t, "com.example.plugin", body.API)
	require.Equal(t, "updateRows", body.Method)
	require.JSONEq(t, `{"count":3}`, string(body.Params))
}

func TestPluginConnectionSendRawPassesParamsThrough(t *testing.T) {
	manager, sock := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	conn.SendRaw("raw", json.RawMessage(`{"already":"encoded"}`))

	var outer wireMessage
	require.NoError(t, json.Unmarshal(sock.sent[0], &outer))
	var body executeParams
	require.NoError(t, json.Unmarshal(outer.Params, &body))
	require.JSONEq(t, `{"already":"encoded"}`, string(body.Params))
}

func TestPluginConnectionErrorSendsUnsolicitedErrorFrame(t *testing.T) {
	manager, sock := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	conn.Error("boom", "trace...")

	var outer wireMessage
	require.NoError(t, json.Unmarshal(sock.sent[0], &outer))
	require.Nil(t, outer.ID)
	require.Equal(t, "boom", outer.Error.Message)
	require.Equal(t, "trace...", outer.Error.Stacktrace)
}

func TestPluginConnectionCallDispatchesToRegisteredReceiver(t *testing.T) {
	manager, _ := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	var gotParams json.RawMessage
	conn.Receive("echo", func(params json.RawMessage, responder Responder) {
		gotParams = params
		responder.Success(map[string]string{"echoed": "yes"})
	})

	resp := &fakeResponder{}
	conn.call("echo", json.RawMessage(`{"x":1}`), resp)

	require.JSONEq(t, `{"x":1}`, string(gotParams))
	require.True(t, resp.successCalled)
	require.False(t, resp.errCalled)
}

// P5: receiver invocations for a given plugin happen in the order the
// inbound execute messages targeting it arrived.
func TestPluginConnectionCallOrderingMatchesArrival(t *testing.T) {
	manager, _ := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	var order []string
	conn.Receive("a", func(json.RawMessage, Responder) { order = append(order, "a") })
	conn.Receive("b", func(json.RawMessage, Responder) { order = append(order, "b") })

	resp := &fakeResponder{}
	conn.call("a", nil, resp)
	conn.call("b", nil, resp)
	conn.call("a", nil, resp)

	require.Equal(t, []string{"a", "b", "a"}, order)
}

func TestPluginConnectionCallMissingReceiverRepliesWithError(t *testing.T) {
	manager, _ := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	resp := &fakeResponder{}
	conn.call("missing", nil, resp)

	require.True(t, resp.errCalled)
	require.Equal(t, "Receiver missing not found.", resp.errMessage)
}

func TestPluginConnectionCallRecoversFromReceiverPanic(t *testing.T) {
	manager, _ := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	conn.Receive("boom", func(json.RawMessage, Responder) {
		panic("receiver exploded")
	})

	resp := &fakeResponder{}
	require.NotPanics(t, func() {
		conn.call("boom", nil, resp)
	})

	require.True(t, resp.errCalled)
	require.Equal(t, "receiver exploded", resp.errMessage)
	require.True(t, strings.Contains(resp.errStack, "goroutine"))
}

// P4: a receiver that returns without calling Success or Error on the
// Responder it was handed must still get exactly one reply, the
// drop-default empty success, so the desktop is never left hung on that
// request id (responder.go's documented contract).
func TestPluginConnectionCallDropsResponderWhenReceiverNeverReplies(t *testing.T) {
	manager, _ := newConnectedManager(t)
	conn := newPluginConnection("com.example.plugin", manager)

	conn.Receive("fireAndForget", func(json.RawMessage, Responder) {
		// Deliberately never calls Success or Error.
	})

	resp := &fakeResponder{}
	conn.call("fireAndForget", nil, resp)

	require.True(t, resp.dropped, "receiver never replied; call must drop the responder")
	require.True(t, resp.successCalled)
	require.False(t, resp.errCalled)
}
