// Package mockdesktop is a minimal stand-in for the desktop side of the
// protocol, used by cmd/devbridge-agent's "demo" subcommand and by
// integration_test.go's TestClientConnectsThroughMockDesktopEndToEnd to
// drive real enrollment and message-exchange scenarios against a
// genuine WebSocket server instead of a hand-rolled fake (the
// package-level unit tests — connectionmanager_test.go, client_test.go,
// pluginconnection_test.go — substitute fakeSocket instead, for fast,
// synchronous assertions; see fakes_test.go). It mints its own
// self-signed CA the same way rpcplugin-go's tls.go mints its temporary
// client/server certificate, then issues a leaf certificate for
// whatever CSR a signCertificate request presents.
package mockdesktop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a throwaway desktop: an insecure listener that performs
// certificate enrollment, and a secure listener that accepts the
// resulting mutually-authenticated connection and lets the caller drive
// request/response scenarios against it.
type Server struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caPEM  []byte

	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
	next int64
	pend map[int64]chan json.RawMessage
}

// New mints a fresh self-signed CA and returns an otherwise-idle Server.
func New() (*Server, error) {
	caCert, caKey, caPEM, err := mintSelfSignedCA()
	if err != nil {
		return nil, err
	}
	return &Server{
		caCert: caCert,
		caKey:  caKey,
		caPEM:  caPEM,
		pend:   make(map[int64]chan json.RawMessage),
	}, nil
}

func mintSelfSignedCA() (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: "devbridge mock desktop CA", Organization: []string{"devbridge"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(262980 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return cert, key, caPEM, nil
}

// signLeaf issues a leaf certificate for csr, signed by the Server's
// CA, valid for TLS client and server auth (the leaf doubles as both
// the device's client certificate and this mock desktop's own server
// certificate). The certificate carries csr's public key when it has
// one; otherwise it is issued for a freshly generated key, which is
// returned alongside it.
func (s *Server) signLeaf(csr *x509.CertificateRequest) ([]byte, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	var pub interface{} = key.Public()
	if csr.PublicKey != nil {
		pub = csr.PublicKey
	}
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: sn,
		Subject:      csr.Subject,
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(8760 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, pub, s.caKey)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), key, nil
}

// InsecureHandler implements the enrollment endpoint: it waits for a
// single signCertificate request, writes the CA and a freshly-issued
// leaf certificate into the destination directory the request named
// (MediumFSAccess), and replies with the device id captured from the
// connection's identity query parameters.
func (s *Server) InsecureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		deviceID := r.URL.Query().Get("device_id")

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Method      string `json:"method"`
			CSR         string `json:"csr"`
			Destination string `json:"destination"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.Method != "signCertificate" {
			return
		}

		block, _ := pem.Decode([]byte(req.CSR))
		if block == nil {
			return
		}
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return
		}

		leafPEM, _, err := s.signLeaf(csr)
		if err != nil {
			return
		}

		if err := os.MkdirAll(req.Destination, 0o700); err == nil {
			os.WriteFile(filepath.Join(req.Destination, "sonarCA.crt"), s.caPEM, 0o600)
			os.WriteFile(filepath.Join(req.Destination, "device.crt"), leafPEM, 0o600)
		}

		reply := map[string]interface{}{"success": map[string]interface{}{"deviceId": deviceID}}
		out, _ := json.Marshal(reply)
		conn.WriteMessage(websocket.TextMessage, out)
	}
}

// SecureTLSConfig mints a server certificate for this mock desktop and
// returns a tls.Config that requires and verifies a client certificate
// against the same CA used during enrollment.
func (s *Server) SecureTLSConfig() (*tls.Config, error) {
	leafPEM, key, err := s.signLeaf(&x509.CertificateRequest{Subject: pkix.Name{CommonName: "devbridge mock desktop"}})
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(leafPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(s.caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}

// SecureHandler accepts the post-enrollment connection and starts a
// read pump that routes responses back to whichever Call is waiting for
// them. Only one connection is tracked at a time, matching this
// package's role as a single-device test/demo desktop.
func (s *Server) SecureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		go s.readPump(conn)
	}
}

func (s *Server) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == nil {
			continue
		}
		s.mu.Lock()
		ch, ok := s.pend[*msg.ID]
		if ok {
			delete(s.pend, *msg.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- raw
		}
	}
}

// Call sends {method, params, id} over the active secure connection and
// blocks until the matching response arrives or ctx is done. It lets
// tests drive getPlugins/init/deinit/execute the way a real desktop
// would.
func (s *Server) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("mockdesktop: no active connection")
	}
	s.next++
	id := s.next
	ch := make(chan json.RawMessage, 1)
	s.pend[id] = ch
	s.mu.Unlock()

	req := map[string]interface{}{"method": method, "params": params, "id": id}
	out, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		return nil, err
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr helpers for tests that need to dial 127.0.0.1:<port>.
func Addr(l net.Listener) (host string, port int) {
	tcp := l.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}
