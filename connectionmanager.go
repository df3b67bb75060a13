package devbridge

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.devbridge.dev/devbridge/internal/bridgetrace"
)

// sdkVersion is sent as part of the identity payload (spec.md §3). It is
// not tied to a build system here, so it is fixed.
const sdkVersion = "1"

// managerState enumerates the states of spec.md §4.4's state diagram:
// Unstarted → Idle → Exchanging(insecure) / Connecting(secure) → Connected,
// with every terminal transition routing back through Idle.
type managerState int32

const (
	stateUnstarted managerState = iota
	stateIdle
	stateExchanging
	stateConnecting
	stateConnected
)

func (s managerState) String() string {
	switch s {
	case stateUnstarted:
		return "Unstarted"
	case stateIdle:
		return "Idle"
	case stateExchanging:
		return "Exchanging"
	case stateConnecting:
		return "Connecting"
	case stateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// connectionCallbacks is implemented by Client; ConnectionManager never
// imports Client directly so the two can be tested in isolation.
type connectionCallbacks interface {
	onConnected()
	onDisconnected()
	onMessageReceived(msg wireMessage, responder Responder)
}

// exchangeAttempt guards a single enrollment handshake against
// double-invocation: the original C++ (FlipperConnectionManagerImpl)
// notes that a dropped socket can resurface the same signCertificate
// reply through both the response callback and the ensuing disconnect
// event. markDone reports true exactly once, to whichever of the two
// races first.
type exchangeAttempt struct {
	done int32
}

func (a *exchangeAttempt) markDone() bool {
	return atomic.CompareAndSwapInt32(&a.done, 0, 1)
}

// ConnectionManager is the Connection Manager of spec.md §4.4 (C4): it
// owns the active Socket, drives the Unstarted/Idle/Exchanging/
// Connecting/Connected state machine, runs certificate enrollment, and
// relays inbound frames to Client. All state it owns outside of the
// atomics below is confined to the Scheduler's worker goroutine; callers
// reach it only by scheduling work, never by touching fields directly.
type ConnectionManager struct {
	config    *Config
	store     *ContextStore
	diag      *DiagnosticState
	scheduler Scheduler
	sockets   *SocketProvider
	tracer    *bridgetrace.Tracer
	callbacks connectionCallbacks

	state     atomic.Int32
	connected atomic.Bool

	mu             sync.Mutex
	stateListeners []func(managerState)

	// scheduler-confined
	started        bool
	failureCount   int
	socket         Socket
	exchangeActive *exchangeAttempt
	exchangeCancel context.CancelFunc
}

// NewConnectionManager wires together a fresh Connection Manager. tracer
// may be nil, in which case events are not traced.
func NewConnectionManager(cfg *Config, store *ContextStore, diag *DiagnosticState, scheduler Scheduler, sockets *SocketProvider, tracer *bridgetrace.Tracer, callbacks connectionCallbacks) *ConnectionManager {
	if tracer == nil {
		tracer = &bridgetrace.Tracer{}
	}
	return &ConnectionManager{
		config:    cfg,
		store:     store,
		diag:      diag,
		scheduler: scheduler,
		sockets:   sockets,
		tracer:    tracer,
		callbacks: callbacks,
	}
}

// Start begins the connect-or-enroll cycle (spec.md §4.4). Idempotent:
// calling it while already started is a no-op.
func (m *ConnectionManager) Start() {
	m.scheduler.Schedule(m.startSync)
}

func (m *ConnectionManager) startSync() {
	if m.started {
		return
	}
	m.started = true
	m.setState(stateIdle)
	m.connectOrExchange()
}

// Stop tears down any active socket and blocks until the Scheduler has
// processed the shutdown, so callers observe IsConnected() == false and
// no further callbacks before Stop returns.
func (m *ConnectionManager) Stop() {
	done := make(chan struct{})
	m.scheduler.Schedule(func() {
		m.stopSync()
		close(done)
	})
	<-done
}

func (m *ConnectionManager) stopSync() {
	if !m.started {
		return
	}
	m.started = false
	if m.exchangeCancel != nil {
		m.exchangeCancel()
		m.exchangeCancel = nil
	}
	m.exchangeActive = nil
	wasConnected := m.connected.Load()
	m.connected.Store(false)
	if m.socket != nil {
		m.socket.Disconnect()
		m.socket = nil
	}
	m.setState(stateUnstarted)
	if wasConnected && m.callbacks != nil {
		m.callbacks.onDisconnected()
	}
}

// IsConnected reports whether the secure socket is open and the
// enrollment medium is trusted (spec.md §3's "isConnected").
func (m *ConnectionManager) IsConnected() bool { return m.connected.Load() }

// State returns the manager's current coarse state, safe to call from
// any goroutine.
func (m *ConnectionManager) State() managerState { return managerState(m.state.Load()) }

// SetStateListener registers fn to be called every time the manager's
// state changes. fn runs synchronously on the Scheduler's worker, inside
// the work that changed the state. Used by internal/healthz to mirror
// state into a gRPC health status.
func (m *ConnectionManager) SetStateListener(fn func(managerState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateListeners = append(m.stateListeners, fn)
}

func (m *ConnectionManager) setState(s managerState) {
	m.state.Store(int32(s))
	m.mu.Lock()
	listeners := append([]func(managerState){}, m.stateListeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(s)
	}
}

// IsRunningInOwnThread passes through to the Scheduler (spec.md §4.9).
func (m *ConnectionManager) IsRunningInOwnThread() bool { return m.scheduler.IsRunningInOwnThread() }

// Send transmits a raw wire message if currently connected; otherwise
// (and for oversize payloads) it is silently dropped, per spec.md §4.3's
// "connection unaffected" rule.
func (m *ConnectionManager) Send(raw []byte) {
	if err := checkPayloadSize(raw); err != nil {
		if m.tracer.MessageDropped != nil {
			m.tracer.MessageDropped(err.Error(), len(raw))
		}
		return
	}
	m.scheduler.Schedule(func() { m.sendRaw(raw) })
}

func (m *ConnectionManager) sendRaw(raw []byte) {
	if m.socket == nil || m.State() != stateConnected {
		return
	}
	m.socket.Send(raw, func(error) {})
}

func (m *ConnectionManager) currentMedium() Medium {
	if p := m.config.CertificateProvider; p != nil {
		return p.ExchangeMedium()
	}
	return MediumFSAccess
}

// exchangeNeeded implements spec.md §4.4's three conditions under which
// enrollment (rather than a direct secure connect) is required.
func (m *ConnectionManager) exchangeNeeded() bool {
	if m.failureCount >= 2 {
		return true
	}
	if !m.store.HasRequiredFiles() {
		return true
	}
	medium, ok := m.store.LastKnownMedium()
	if !ok || medium != m.currentMedium() {
		return true
	}
	return false
}

func (m *ConnectionManager) connectOrExchange() {
	if !m.started {
		return
	}
	if m.exchangeNeeded() {
		m.beginExchange()
	} else {
		m.beginSecureConnect()
	}
}

// IdentityPayload builds the ConnectionPayload of spec.md §3: the base
// identity fields, plus csr/csr_path when secure is true. Socket
// implementations call this from Connect.
func (m *ConnectionManager) IdentityPayload(secure bool) (map[string]string, error) {
	payload := map[string]string{
		"os":          m.config.OS,
		"device":      m.config.Device,
		"device_id":   m.store.DeviceID(),
		"app":         m.config.App,
		"sdk_version": sdkVersion,
		"medium":      strconv.Itoa(int(m.currentMedium())),
	}
	if secure {
		csr, err := m.store.CertificateSigningRequest(m.config.AppID)
		if err != nil {
			return nil, err
		}
		payload["csr"] = csr
		payload["csr_path"] = m.store.CSRPath()
	}
	return payload, nil
}

func (m *ConnectionManager) beginExchange() {
	m.setState(stateExchanging)
	step := m.diag.Start("certificate_exchange")
	if m.tracer.CertExchangeStep != nil {
		m.tracer.CertExchangeStep("certificate_exchange", "in_progress")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.exchangeCancel = cancel
	attempt := &exchangeAttempt{}
	m.exchangeActive = attempt

	insecure, _ := m.config.resolvePorts(ctx)
	endpoint := ConnectionEndpoint{Host: m.config.Host, Port: insecure, Secure: false}
	sock := m.sockets.socketFor(endpoint, m.store)
	m.socket = sock

	sock.SetEventHandler(func(ev Event) {
		m.scheduler.Schedule(func() { m.onExchangeSocketEvent(attempt, step, ev) })
	})
	sock.SetMessageHandler(func([]byte) {})

	if err := sock.Connect(ctx, m); err != nil {
		step.Fail(err.Error())
		m.finishExchange(attempt, false)
	}
}

func (m *ConnectionManager) onExchangeSocketEvent(attempt *exchangeAttempt, step *Step, ev Event) {
	if attempt != m.exchangeActive {
		return // event from a superseded attempt
	}
	switch ev.Kind {
	case EventOpen:
		if m.tracer.SocketOpen != nil {
			m.tracer.SocketOpen(false)
		}
		m.requestSignedCertificate(attempt, step)
	case EventSslError:
		if m.tracer.SocketSslError != nil {
			m.tracer.SocketSslError(ev.Err)
		}
		step.Fail(ev.Err.Error())
		m.finishExchange(attempt, false)
	case EventError:
		m.failureCount++
		if m.tracer.SocketClose != nil {
			m.tracer.SocketClose(false, ev.Err)
		}
		step.Fail(ev.Err.Error())
		m.finishExchange(attempt, false)
	case EventClose:
		if !attempt.markDone() {
			return
		}
		if m.tracer.SocketClose != nil {
			m.tracer.SocketClose(false, nil)
		}
		step.Fail("socket closed before certificate exchange completed")
		m.finishExchange(attempt, false)
	}
}

func (m *ConnectionManager) requestSignedCertificate(attempt *exchangeAttempt, step *Step) {
	m.store.ResetState()
	csr, err := m.store.CertificateSigningRequest(m.config.AppID)
	if err != nil {
		step.Fail(err.Error())
		m.finishExchange(attempt, false)
		return
	}

	params := signCertificateParams{
		Method:      "signCertificate",
		CSR:         csr,
		Destination: m.store.Dir(),
		Medium:      m.currentMedium(),
	}
	m.socket.SendExpectResponse(mustMarshal(params), func(resp []byte, err error) {
		m.scheduler.Schedule(func() { m.processSignedCertificateResponse(attempt, step, resp, err) })
	})
}

func (m *ConnectionManager) processSignedCertificateResponse(attempt *exchangeAttempt, step *Step, raw []byte, sendErr error) {
	if attempt != m.exchangeActive {
		return // reply to a superseded or stopped attempt
	}
	if !attempt.markDone() {
		return
	}
	if sendErr != nil {
		step.Fail(sendErr.Error())
		m.finishExchange(attempt, false)
		return
	}

	var reply wireMessage
	if err := json.Unmarshal(raw, &reply); err != nil {
		step.Fail("malformed signCertificate reply: " + err.Error())
		m.finishExchange(attempt, false)
		return
	}
	if reply.Error != nil {
		step.Fail(reply.Error.Message)
		m.finishExchange(attempt, false)
		return
	}

	successRaw := reply.Success
	if len(successRaw) == 0 {
		successRaw = json.RawMessage("{}")
	}
	var cfg connectionConfig
	if err := json.Unmarshal(successRaw, &cfg); err != nil {
		step.Fail("malformed signCertificate success payload: " + err.Error())
		m.finishExchange(attempt, false)
		return
	}
	medium := m.currentMedium()
	cfg.Medium = medium
	if cfg.DeviceID == "" {
		cfg.DeviceID = m.config.DeviceID
	}
	if err := m.store.StoreConnectionConfig(mustMarshal(cfg)); err != nil {
		step.Fail(err.Error())
		m.finishExchange(attempt, false)
		return
	}

	if provider := m.config.CertificateProvider; provider != nil {
		provider.SetState(m.diag)
		provider.SetExchangeMedium(medium)
		if err := provider.GetCertificates(context.Background(), m.store.Dir(), cfg.DeviceID); err != nil {
			step.Fail(err.Error())
			m.finishExchange(attempt, false)
			return
		}
	}

	step.Complete()
	if m.tracer.CertExchangeStep != nil {
		m.tracer.CertExchangeStep("certificate_exchange", "success")
	}
	m.finishExchange(attempt, true)
}

// finishExchange drops the enrollment socket and schedules exactly one
// reconnect attempt, regardless of whether enrollment succeeded: either
// way the next cycle re-evaluates exchangeNeeded and, on success, takes
// the secure path.
func (m *ConnectionManager) finishExchange(attempt *exchangeAttempt, success bool) {
	if !success && m.tracer.CertExchangeStep != nil {
		m.tracer.CertExchangeStep("certificate_exchange", "failed")
	}
	if m.exchangeCancel != nil {
		m.exchangeCancel()
		m.exchangeCancel = nil
	}
	if m.exchangeActive == attempt {
		m.exchangeActive = nil
	}
	if m.socket != nil {
		m.socket.Disconnect()
		m.socket = nil
	}
	m.setState(stateIdle)
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleReconnect() {
	if !m.started {
		return
	}
	delay := time.Duration(reconnectDelaySeconds) * time.Second
	if m.tracer.Reconnecting != nil {
		m.tracer.Reconnecting(m.failureCount, delay)
	}
	m.scheduler.ScheduleAfter(m.connectOrExchange, delay)
}

func (m *ConnectionManager) beginSecureConnect() {
	m.setState(stateConnecting)

	ctx := context.Background()
	_, securePort := m.config.resolvePorts(ctx)
	endpoint := ConnectionEndpoint{Host: m.config.Host, Port: securePort, Secure: true}
	sock := m.sockets.socketFor(endpoint, m.store)
	m.socket = sock

	sock.SetEventHandler(func(ev Event) {
		m.scheduler.Schedule(func() { m.onSecureSocketEvent(ev) })
	})
	sock.SetMessageHandler(func(raw []byte) {
		m.scheduler.Schedule(func() { m.onMessageReceived(raw) })
	})

	if err := sock.Connect(ctx, m); err != nil {
		m.failureCount++
		m.socket = nil
		m.setState(stateIdle)
		m.scheduleReconnect()
	}
}

// onSecureSocketEvent implements the SSL-failure-counting policy
// resolved in DESIGN.md: EventSslError and a clean EventClose never
// touch the failure counter; only EventError does.
func (m *ConnectionManager) onSecureSocketEvent(ev Event) {
	switch ev.Kind {
	case EventOpen:
		if m.tracer.SocketOpen != nil {
			m.tracer.SocketOpen(true)
		}
		m.failureCount = 0
		m.setState(stateConnected)
		m.connected.Store(true)
		if m.callbacks != nil {
			m.callbacks.onConnected()
		}
	case EventSslError:
		if m.tracer.SocketSslError != nil {
			m.tracer.SocketSslError(ev.Err)
		}
		m.teardownConnection()
		m.scheduleReconnect()
	case EventError:
		m.failureCount++
		if m.tracer.SocketClose != nil {
			m.tracer.SocketClose(true, ev.Err)
		}
		m.teardownConnection()
		m.scheduleReconnect()
	case EventClose:
		if m.tracer.SocketClose != nil {
			m.tracer.SocketClose(true, nil)
		}
		m.teardownConnection()
		m.scheduleReconnect()
	}
}

func (m *ConnectionManager) teardownConnection() {
	wasConnected := m.connected.Load()
	m.connected.Store(false)
	if m.socket != nil {
		m.socket.Disconnect()
		m.socket = nil
	}
	m.setState(stateIdle)
	if wasConnected && m.callbacks != nil {
		m.callbacks.onDisconnected()
	}
}

func (m *ConnectionManager) onMessageReceived(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if m.tracer.MessageDropped != nil {
			m.tracer.MessageDropped("malformed JSON frame", len(raw))
		}
		return
	}
	id := msg.ID
	resp := newResponder(id, id == nil, func(reply wireMessage) { m.Send(mustMarshal(reply)) })
	if m.callbacks == nil {
		resp.drop()
		return
	}
	m.callbacks.onMessageReceived(msg, resp)
}
