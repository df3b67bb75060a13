// Package demoplugin is a minimal devbridge.Plugin used by
// cmd/devbridge-agent: it echoes back whatever params it receives on its
// "echo" method.
package demoplugin

import (
	"encoding/json"

	"go.devbridge.dev/devbridge"
)

// Echo is a devbridge.Plugin that runs in the background (connects as
// soon as the socket does) and registers a single "echo" receiver.
type Echo struct {
	id string
}

// New returns an Echo plugin registered under id.
func New(id string) *Echo {
	return &Echo{id: id}
}

func (e *Echo) Identifier() string      { return e.id }
func (e *Echo) RunsInBackground() bool  { return true }
func (e *Echo) OnDisconnect()           {}

func (e *Echo) OnConnect(conn *devbridge.PluginConnection) {
	conn.Receive("echo", func(params json.RawMessage, responder devbridge.Responder) {
		responder.Success(json.RawMessage(params))
	})
}
