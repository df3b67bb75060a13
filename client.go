package devbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/oklog/run"

	"go.devbridge.dev/devbridge/internal/bridgetrace"
	"go.devbridge.dev/devbridge/internal/healthz"
)

// Client is the Client of spec.md §4.7 (C7): one per process, it owns
// the plugin registry and the single Connection Manager, and is the
// entry point applications use. It satisfies connectionCallbacks so
// ConnectionManager can report lifecycle events back into the registry
// without importing Client.
type Client struct {
	config  *Config
	store   *ContextStore
	diag    *DiagnosticState
	sockets *SocketProvider
	tracer  *bridgetrace.Tracer

	scheduler      Scheduler
	ownedScheduler *Default
	manager        *ConnectionManager

	health  *healthz.Listener
	stopped chan struct{}

	mu          sync.Mutex
	plugins     map[string]Plugin
	order       []string
	connections map[string]*PluginConnection
}

// NewClient constructs a Client from cfg. cfg.setDefaults is applied in
// place. Start must be called to begin connecting.
func NewClient(cfg *Config) *Client {
	cfg.setDefaults()
	c := &Client{
		config:      cfg,
		store:       NewContextStore(cfg.PrivateAppDirectory, nil),
		diag:        NewDiagnosticState(),
		sockets:     NewSocketProvider(),
		tracer:      &bridgetrace.Tracer{},
		plugins:     make(map[string]Plugin),
		connections: make(map[string]*PluginConnection),
	}
	if cfg.Scheduler != nil {
		c.scheduler = cfg.Scheduler
	} else {
		c.ownedScheduler = NewDefault(0)
		c.scheduler = c.ownedScheduler
	}
	return c
}

// Start wires up the Connection Manager and begins the connect-or-
// enroll cycle (spec.md §4.7). The tracer attached to ctx, if any, via
// bridgetrace.FromContext receives lifecycle events for the life of the
// Client. If this Client
// owns its Scheduler (cfg.Scheduler was nil), Start also launches the
// scheduler's pump and, if cfg.HealthListenAddr is set, the health
// service, coordinated as one github.com/oklog/run actor group — the
// same pattern rpcplugin-go uses to run its gRPC server and stdio
// relay together.
func (c *Client) Start(ctx context.Context) error {
	c.tracer = bridgetrace.FromContext(ctx)
	c.manager = NewConnectionManager(c.config, c.store, c.diag, c.scheduler, c.sockets, c.tracer, c)

	if c.config.HealthListenAddr != "" {
		hl, err := healthz.Listen(c.config.HealthListenAddr)
		if err != nil {
			return fmt.Errorf("devbridge: starting health listener: %w", err)
		}
		c.health = hl
		c.manager.SetStateListener(func(s managerState) {
			hl.SetConnected(s == stateConnected)
		})
	}

	if c.ownedScheduler != nil {
		var g run.Group
		g.Add(c.ownedScheduler.Run, c.ownedScheduler.Close)
		if c.health != nil {
			g.Add(c.health.Serve, c.health.Stop)
		}
		c.stopped = make(chan struct{})
		go func() {
			_ = g.Run()
			close(c.stopped)
		}()
	}

	c.manager.Start()
	return nil
}

// Stop tears down the Connection Manager and, if this Client owns its
// Scheduler, the scheduler pump and health service.
func (c *Client) Stop() {
	if c.manager != nil {
		c.manager.Stop()
	}
	if c.ownedScheduler != nil {
		c.ownedScheduler.Close(nil)
		if c.stopped != nil {
			<-c.stopped
		}
	}
}

// IsConnected reports whether the device currently has a live, trusted
// connection to the desktop.
func (c *Client) IsConnected() bool {
	return c.manager != nil && c.manager.IsConnected()
}

// StateElements and DiagnosticLog proxy to the DiagnosticState (spec.md
// §4.7's "state_elements"/"state").
func (c *Client) StateElements() []StateElement { return c.diag.Elements() }
func (c *Client) DiagnosticLog() string          { return c.diag.Log() }

// AddPlugin registers p under its identifier. Duplicate registration is
// an error (spec.md §4.7, DESIGN.md Open Question (b)). While connected,
// a refreshPlugins broadcast is sent; a background plugin is activated
// immediately if the socket is already Connected.
func (c *Client) AddPlugin(p Plugin) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := p.Identifier()
	if _, exists := c.plugins[id]; exists {
		return ErrDuplicatePlugin
	}
	c.plugins[id] = p
	c.order = append(c.order, id)

	if c.IsConnected() {
		c.manager.Send(mustMarshal(wireMessage{Method: "refreshPlugins"}))
		if p.RunsInBackground() {
			c.activateLocked(p)
		}
	}
	return nil
}

// RemovePlugin is the symmetric teardown of AddPlugin.
func (c *Client) RemovePlugin(p Plugin) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := p.Identifier()
	if _, exists := c.plugins[id]; !exists {
		return ErrPluginNotFound
	}
	if _, ok := c.connections[id]; ok {
		c.deactivateLocked(p)
	}
	delete(c.plugins, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.IsConnected() {
		c.manager.Send(mustMarshal(wireMessage{Method: "refreshPlugins"}))
	}
	return nil
}

// GetPlugin and HasPlugin look up a registered plugin by identifier.
func (c *Client) GetPlugin(id string) (Plugin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plugins[id]
	return p, ok
}

func (c *Client) HasPlugin(id string) bool {
	_, ok := c.GetPlugin(id)
	return ok
}

// activateLocked and deactivateLocked must be called with c.mu held;
// per spec.md §4.7, plugin callbacks are invoked while holding the
// registry lock, which is also why plugins must never call back into
// Client from OnConnect/OnDisconnect/a Receiver on the same goroutine.
func (c *Client) activateLocked(p Plugin) *PluginConnection {
	id := p.Identifier()
	if conn, ok := c.connections[id]; ok {
		return conn
	}
	conn := newPluginConnection(id, c.manager)
	c.connections[id] = conn
	if c.tracer.PluginConnected != nil {
		c.tracer.PluginConnected(id)
	}
	c.invokePluginCallback(id, func() { p.OnConnect(conn) })
	return conn
}

func (c *Client) deactivateLocked(p Plugin) {
	id := p.Identifier()
	if _, ok := c.connections[id]; !ok {
		return
	}
	delete(c.connections, id)
	if c.tracer.PluginDisconnected != nil {
		c.tracer.PluginDisconnected(id)
	}
	c.invokePluginCallback(id, p.OnDisconnect)
}

// invokePluginCallback runs fn, catching a panic the way spec.md §4.7
// requires: reported as an unsolicited error frame while connected,
// otherwise only traced.
func (c *Client) invokePluginCallback(id string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		reason := fmt.Sprintf("%v", r)
		if c.tracer.PluginPanic != nil {
			c.tracer.PluginPanic(id, reason)
		}
		if c.manager != nil && c.manager.IsConnected() {
			c.manager.Send(mustMarshal(wireMessage{
				Error: &wireError{Message: reason, Stacktrace: string(debug.Stack())},
			}))
		}
	}()
	fn()
}

// onConnected implements connectionCallbacks: every background plugin
// is activated as soon as the socket reaches Connected (spec.md §4.7).
func (c *Client) onConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if p := c.plugins[id]; p.RunsInBackground() {
			c.activateLocked(p)
		}
	}
}

// onDisconnected implements connectionCallbacks: every live
// PluginConnection is torn down (spec.md §4.7).
func (c *Client) onDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if p, ok := c.plugins[id]; ok {
			c.deactivateLocked(p)
		}
	}
}

// onMessageReceived implements connectionCallbacks: it is the built-in
// method dispatcher of spec.md §4.7.
func (c *Client) onMessageReceived(msg wireMessage, responder Responder) {
	defer dropResponder(responder)
	switch msg.Method {
	case "getPlugins":
		c.mu.Lock()
		ids := append([]string{}, c.order...)
		c.mu.Unlock()
		responder.Success(getPluginsResult{Plugins: ids})
	case "init":
		c.handleInit(msg.Params, responder)
	case "deinit":
		c.handleDeinit(msg.Params, responder)
	case "execute":
		c.handleExecute(msg.Params, responder)
	default:
		if c.tracer.UnknownMethod != nil {
			c.tracer.UnknownMethod(msg.Method)
		}
		responder.Error(fmt.Sprintf("Received unknown method: %s", msg.Method), "")
	}
}

func (c *Client) handleInit(raw json.RawMessage, responder Responder) {
	defer dropResponder(responder)
	var p pluginParams
	if err := json.Unmarshal(raw, &p); err != nil {
		responder.Error("devbridge: malformed init params", "")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	plugin, ok := c.plugins[p.Plugin]
	if !ok {
		responder.Error(fmt.Sprintf("ConnectionNotFound: %s", p.Plugin), "")
		return
	}
	if !plugin.RunsInBackground() {
		c.activateLocked(plugin)
	}
	responder.Success(nil)
}

func (c *Client) handleDeinit(raw json.RawMessage, responder Responder) {
	defer dropResponder(responder)
	var p pluginParams
	if err := json.Unmarshal(raw, &p); err != nil {
		responder.Error("devbridge: malformed deinit params", "")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if plugin, ok := c.plugins[p.Plugin]; ok && !plugin.RunsInBackground() {
		c.deactivateLocked(plugin)
	}
	responder.Success(nil)
}

func (c *Client) handleExecute(raw json.RawMessage, responder Responder) {
	defer dropResponder(responder)
	var p inboundExecuteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		responder.Error("devbridge: malformed execute params", "")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connections[p.API]
	if !ok {
		responder.Error(fmt.Sprintf("ConnectionNotFound: %s", p.Method), "")
		return
	}
	conn.call(p.Method, p.Params, responder)
}
