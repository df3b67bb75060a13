package devbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSocket is the shared gorilla/websocket-backed implementation behind
// both the Insecure and Secure Socket variants (spec.md §4.3), grounded
// on the dial/read-pump/pending-response shape of
// other_examples' WSClient: a Dialer, a background read pump, and a
// single in-flight "expect response" slot (the enrollment handshake
// never has more than one outstanding SendExpectResponse call at a
// time, so unlike WSClient's id-keyed map, one slot suffices here).
type wsSocket struct {
	endpoint  ConnectionEndpoint
	store     *ContextStore
	tlsConfig *tls.Config // nil for the insecure variant

	writeMu sync.Mutex
	conn    *websocket.Conn

	eventHandler   func(Event)
	messageHandler func([]byte)

	pendingMu sync.Mutex
	pending   responseCompletion // non-nil while SendExpectResponse awaits its one frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newWsSocket(endpoint ConnectionEndpoint, store *ContextStore, tlsConfig *tls.Config) *wsSocket {
	return &wsSocket{
		endpoint:  endpoint,
		store:     store,
		tlsConfig: tlsConfig,
		closed:    make(chan struct{}),
	}
}

func (s *wsSocket) SetEventHandler(fn func(Event))    { s.eventHandler = fn }
func (s *wsSocket) SetMessageHandler(fn func([]byte)) { s.messageHandler = fn }

func (s *wsSocket) dialURL() string {
	scheme := "ws"
	if s.endpoint.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", s.endpoint.Host, s.endpoint.Port)}
	return u.String()
}

// Connect dials the transport and, on success, starts the read pump.
// The ConnectionManager's identity payload (spec.md §3) is carried as
// URL query parameters, the same way the enrollment and post-enrollment
// endpoints are addressed in the original Flipper wire protocol.
func (s *wsSocket) Connect(ctx context.Context, manager *ConnectionManager) error {
	payload, err := manager.IdentityPayload(s.endpoint.Secure)
	if err != nil {
		return fmt.Errorf("devbridge: building identity payload: %w", err)
	}

	u, err := url.Parse(s.dialURL())
	if err != nil {
		return err
	}
	q := u.Query()
	for k, v := range payload {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeoutSeconds * time.Second,
		TLSClientConfig:  s.tlsConfig,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		s.emit(Event{Kind: s.connectFailureKind(err), Err: err})
		return nil // the failure was reported as an event, not a return error
	}

	s.conn = conn
	s.emit(Event{Kind: EventOpen})
	go s.readPump()
	return nil
}

// connectFailureKind distinguishes a TLS handshake failure (spec.md
// §4.3/§4.4's distinguished SslError) from any other dial failure.
func (s *wsSocket) connectFailureKind(err error) EventKind {
	if _, ok := err.(tls.RecordHeaderError); ok {
		return EventSslError
	}
	if s.endpoint.Secure {
		if _, ok := err.(*tls.CertificateVerificationError); ok {
			return EventSslError
		}
	}
	return EventError
}

func (s *wsSocket) emit(ev Event) {
	if s.eventHandler != nil {
		s.eventHandler(ev)
	}
}

func (s *wsSocket) readPump() {
	defer s.closeOnce.Do(func() { close(s.closed) })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.emit(Event{Kind: EventClose, Err: err})
			return
		}

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = nil
		s.pendingMu.Unlock()

		if pending != nil {
			pending(raw, nil)
			continue
		}
		if s.messageHandler != nil {
			s.messageHandler(raw)
		}
	}
}

func (s *wsSocket) Disconnect() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
}

func (s *wsSocket) Send(msg []byte, completion sendCompletion) {
	if err := checkPayloadSize(msg); err != nil {
		if completion != nil {
			completion(err)
		}
		return
	}
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.TextMessage, msg)
	s.writeMu.Unlock()
	if completion != nil {
		completion(err)
	}
}

// SendExpectResponse routes the next inbound frame to completion
// instead of the permanent message handler, bypassing it exactly once
// (spec.md §4.3, DESIGN.md Open Question (a)). Only ever used once per
// socket during enrollment.
func (s *wsSocket) SendExpectResponse(msg []byte, completion responseCompletion) {
	if err := checkPayloadSize(msg); err != nil {
		completion(nil, err)
		return
	}
	s.pendingMu.Lock()
	s.pending = completion
	s.pendingMu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.TextMessage, msg)
	s.writeMu.Unlock()
	if err != nil {
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
		completion(nil, err)
	}
}
