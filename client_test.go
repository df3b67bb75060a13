package devbridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestClient builds a Client wired with a synchronous fakeScheduler
// and a fakeSocket-backed SocketProvider, already Started against a
// trusted store so it connects over the secure socket on the spot.
func newTestClient(t *testing.T) (*Client, *fakeSocket) {
	t.Helper()
	store := newTrustedStore(t, MediumFSAccess)

	var secureCreated []*fakeSocket
	secure := func(ConnectionEndpoint, *ContextStore) Socket {
		s := &fakeSocket{}
		secureCreated = append(secureCreated, s)
		return s
	}
	insecure := func(ConnectionEndpoint, *ContextStore) Socket { return &fakeSocket{} }

	cfg := &Config{
		Host:                "desktop.local",
		OS:                  "test-os",
		Device:              "test-device",
		App:                 "test-app",
		AppID:               "com.example.app",
		PrivateAppDirectory: t.TempDir(),
		Scheduler:           fakeScheduler{},
	}
	client := NewClient(cfg)
	client.store = store
	client.sockets = (&SocketProvider{}).WithFactories(insecure, secure)

	require.NoError(t, client.Start(context.Background()))
	require.Len(t, secureCreated, 1)
	return client, secureCreated[0]
}

func connectClient(t *testing.T, client *Client, sock *fakeSocket) {
	t.Helper()
	sock.triggerOpen()
	require.True(t, client.IsConnected())
}

// P1: AddPlugin rejects a second registration under an identifier
// already in use.
func TestClientAddPluginRejectsDuplicateIdentifier(t *testing.T) {
	client, _ := newTestClient(t)
	p1 := &fakePlugin{id: "com.example.a"}
	p2 := &fakePlugin{id: "com.example.a"}

	require.NoError(t, client.AddPlugin(p1))
	require.ErrorIs(t, client.AddPlugin(p2), ErrDuplicatePlugin)
}

func TestClientRemovePluginUnknownReturnsError(t *testing.T) {
	client, _ := newTestClient(t)
	require.ErrorIs(t, client.RemovePlugin(&fakePlugin{id: "nope"}), ErrPluginNotFound)
}

// P3: a background plugin is activated exactly once when the socket
// connects, and deactivated exactly once when it disconnects.
func TestClientBackgroundPluginLifecycleBracket(t *testing.T) {
	client, sock := newTestClient(t)
	p := &fakePlugin{id: "com.example.bg", background: true}
	require.NoError(t, client.AddPlugin(p))

	connectClient(t, client, sock)
	require.Equal(t, 1, p.connects)
	require.Equal(t, 0, p.disconnects)

	sock.triggerEvent(Event{Kind: EventClose})
	require.Equal(t, 1, p.connects)
	require.Equal(t, 1, p.disconnects)
}

// A foreground plugin only activates on an explicit init, and
// deactivates on deinit, not merely on connect/disconnect.
func TestClientForegroundPluginActivatesOnInit(t *testing.T) {
	client, sock := newTestClient(t)
	p := &fakePlugin{id: "com.example.fg"}
	require.NoError(t, client.AddPlugin(p))
	connectClient(t, client, sock)
	require.Equal(t, 0, p.connects)

	resp := &fakeResponder{}
	client.handleInit(mustMarshal(pluginParams{Plugin: "com.example.fg"}), resp)
	require.True(t, resp.successCalled)
	require.Equal(t, 1, p.connects)

	resp2 := &fakeResponder{}
	client.handleDeinit(mustMarshal(pluginParams{Plugin: "com.example.fg"}), resp2)
	require.True(t, resp2.successCalled)
	require.Equal(t, 1, p.disconnects)
}

func TestClientHandleInitUnknownPluginReturnsConnectionNotFound(t *testing.T) {
	client, sock := newTestClient(t)
	connectClient(t, client, sock)

	resp := &fakeResponder{}
	client.handleInit(mustMarshal(pluginParams{Plugin: "com.example.missing"}), resp)

	require.True(t, resp.errCalled)
	require.Equal(t, "ConnectionNotFound: com.example.missing", resp.errMessage)
}

// P4 / P5: getPlugins reports the registry in insertion order, and
// execute dispatches deterministically to the targeted plugin's
// receiver.
func TestClientGetPluginsReportsInsertionOrder(t *testing.T) {
	client, sock := newTestClient(t)
	require.NoError(t, client.AddPlugin(&fakePlugin{id: "b"}))
	require.NoError(t, client.AddPlugin(&fakePlugin{id: "a"}))
	connectClient(t, client, sock)

	resp := &fakeResponder{}
	client.onMessageReceived(wireMessage{Method: "getPlugins"}, resp)

	require.True(t, resp.successCalled)
	result, ok := resp.successValue.(getPluginsResult)
	require.True(t, ok)
	require.Equal(t, []string{"b", "a"}, result.Plugins)
}

func TestClientExecuteDispatchesToPluginReceiver(t *testing.T) {
	client, sock := newTestClient(t)
	p := &fakePlugin{id: "com.example.echo", background: true}
	require.NoError(t, client.AddPlugin(p))
	connectClient(t, client, sock)
	require.NotNil(t, p.lastConn)
	p.lastConn.Receive("echo", func(params json.RawMessage, responder Responder) {
		responder.Success("ok")
	})

	resp := &fakeResponder{}
	client.handleExecute(mustMarshal(inboundExecuteParams{
		API:    "com.example.echo",
		Method: "echo",
		Params: mustMarshal(map[string]int{"x": 1}),
	}), resp)

	require.True(t, resp.successCalled)
	require.Equal(t, "ok", resp.successValue)
}

// P4: handleExecute's delegation to PluginConnection.call must still
// drop the responder when the targeted plugin's receiver forgets to
// reply, matching the same guarantee exercised directly against
// PluginConnection.call in pluginconnection_test.go.
func TestClientExecuteDropsReplyWhenPluginReceiverForgetsToRespond(t *testing.T) {
	client, sock := newTestClient(t)
	p := &fakePlugin{id: "com.example.silent", background: true}
	require.NoError(t, client.AddPlugin(p))
	connectClient(t, client, sock)
	require.NotNil(t, p.lastConn)
	p.lastConn.Receive("silent", func(json.RawMessage, Responder) {})

	resp := &fakeResponder{}
	client.handleExecute(mustMarshal(inboundExecuteParams{
		API:    "com.example.silent",
		Method: "silent",
	}), resp)

	require.True(t, resp.dropped, "receiver never replied; execute must drop the responder")
	require.True(t, resp.successCalled)
}

func TestClientExecuteUnknownConnectionReturnsConnectionNotFound(t *testing.T) {
	client, sock := newTestClient(t)
	connectClient(t, client, sock)

	resp := &fakeResponder{}
	client.handleExecute(mustMarshal(inboundExecuteParams{API: "nope", Method: "m"}), resp)

	require.True(t, resp.errCalled)
	require.Equal(t, "ConnectionNotFound: m", resp.errMessage)
}

func TestClientUnknownMethodRepliesWithError(t *testing.T) {
	client, sock := newTestClient(t)
	connectClient(t, client, sock)

	resp := &fakeResponder{}
	client.onMessageReceived(wireMessage{Method: "somethingElse"}, resp)

	require.True(t, resp.errCalled)
	require.Equal(t, "Received unknown method: somethingElse", resp.errMessage)
}

func TestClientInvokePluginCallbackRecoversPanicAndReportsUnsolicitedError(t *testing.T) {
	client, sock := newTestClient(t)
	connectClient(t, client, sock)

	p := &panicOnConnectPlugin{id: "com.example.panicky"}
	require.NoError(t, client.AddPlugin(p))

	resp := &fakeResponder{}
	client.handleInit(mustMarshal(pluginParams{Plugin: "com.example.panicky"}), resp)
	require.True(t, resp.successCalled, "activation itself still reports success to the desktop")

	require.NotEmpty(t, sock.sent, "the panic is reported as an unsolicited error frame")
	var last wireMessage
	require.NoError(t, json.Unmarshal(sock.sent[len(sock.sent)-1], &last))
	require.NotNil(t, last.Error)
	require.Equal(t, "plugin init exploded", last.Error.Message)
}

type panicOnConnectPlugin struct {
	id string
}

func (p *panicOnConnectPlugin) Identifier() string     { return p.id }
func (p *panicOnConnectPlugin) RunsInBackground() bool { return false }
func (p *panicOnConnectPlugin) OnDisconnect()          {}
func (p *panicOnConnectPlugin) OnConnect(*PluginConnection) {
	panic("plugin init exploded")
}
