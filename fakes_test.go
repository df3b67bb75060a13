package devbridge

import (
	"context"
	"sync"
	"time"
)

// fakeScheduler runs scheduled work synchronously on the calling
// goroutine, so tests can assert on state immediately after driving an
// event, without a real worker goroutine or timers. ScheduleAfter fires
// immediately, discarding the delay: tests that care about the
// reconnect delay itself use Default (scheduler_test.go) instead.
type fakeScheduler struct{}

func (fakeScheduler) Schedule(fn func())                       { fn() }
func (fakeScheduler) ScheduleAfter(fn func(), _ time.Duration) { fn() }
func (fakeScheduler) IsRunningInOwnThread() bool                { return true }

// fakeSocket is a Socket whose Connect/Send/Disconnect are entirely
// test-driven: the test calls triggerOpen/triggerEvent/triggerMessage
// to simulate what a real transport would report asynchronously.
type fakeSocket struct {
	mu sync.Mutex

	eventHandler   func(Event)
	messageHandler func([]byte)

	connectErr error
	sent       [][]byte
	expectFn   responseCompletion
	disconnects int
}

func (s *fakeSocket) SetEventHandler(fn func(Event))    { s.eventHandler = fn }
func (s *fakeSocket) SetMessageHandler(fn func([]byte)) { s.messageHandler = fn }

func (s *fakeSocket) Connect(_ context.Context, _ *ConnectionManager) error {
	return s.connectErr
}

func (s *fakeSocket) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
}

func (s *fakeSocket) Send(msg []byte, completion sendCompletion) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	if completion != nil {
		completion(nil)
	}
}

func (s *fakeSocket) SendExpectResponse(msg []byte, completion responseCompletion) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.expectFn = completion
	s.mu.Unlock()
}

func (s *fakeSocket) triggerOpen() { s.eventHandler(Event{Kind: EventOpen}) }

func (s *fakeSocket) triggerEvent(ev Event) { s.eventHandler(ev) }

func (s *fakeSocket) triggerMessage(raw []byte) { s.messageHandler(raw) }

func (s *fakeSocket) triggerExpectedResponse(raw []byte, err error) {
	s.mu.Lock()
	fn := s.expectFn
	s.expectFn = nil
	s.mu.Unlock()
	if fn != nil {
		fn(raw, err)
	}
}

// fakeCallbacks is a connectionCallbacks that records invocations
// without needing a full Client.
type fakeCallbacks struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	messages    []wireMessage
}

func (c *fakeCallbacks) onConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
}

func (c *fakeCallbacks) onDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeCallbacks) onMessageReceived(msg wireMessage, _ Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// fakePlugin is a minimal Plugin for registry/lifecycle tests.
type fakePlugin struct {
	id         string
	background bool

	mu          sync.Mutex
	connects    int
	disconnects int
	lastConn    *PluginConnection
}

func (p *fakePlugin) Identifier() string     { return p.id }
func (p *fakePlugin) RunsInBackground() bool { return p.background }

func (p *fakePlugin) OnConnect(conn *PluginConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	p.lastConn = conn
}

func (p *fakePlugin) OnDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
}
