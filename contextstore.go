package devbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// On-disk layout under ContextStore.dir, per spec.md §6.
const (
	csrFileName        = "app.csr"
	privateKeyFileName = "privateKey.pem"
	caCertFileName     = "sonarCA.crt"
	clientCertFileName = "device.crt"
	pkcs12FileName     = "device.p12"
	configFileName     = "connection_config.json"
)

// connectionConfig is the persisted shape of connection_config.json. It
// must include medium and deviceId per spec.md §4.1; DesktopFields
// preserves whatever else the desktop's signCertificate reply included,
// verbatim, per spec.md §4.4 step 5.
type connectionConfig struct {
	DeviceID      string                 `json:"deviceId"`
	Medium        Medium                 `json:"medium"`
	DesktopFields map[string]interface{} `json:"-"`
}

func (c connectionConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.DesktopFields)+2)
	for k, v := range c.DesktopFields {
		out[k] = v
	}
	out["deviceId"] = c.DeviceID
	out["medium"] = c.Medium
	return json.Marshal(out)
}

func (c *connectionConfig) UnmarshalJSON(data []byte) error {
	raw := make(map[string]interface{})
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["deviceId"].(string); ok {
		c.DeviceID = v
	}
	if v, ok := raw["medium"].(float64); ok {
		c.Medium = Medium(int(v))
	}
	delete(raw, "deviceId")
	delete(raw, "medium")
	c.DesktopFields = raw
	return nil
}

// ContextStore persists the certificate-enrollment artefacts and
// connection config under a private directory, per spec.md §4.1 and §6.
// All file I/O is serialized by mu, matching spec.md §5's "Context Store
// serialises file I/O internally".
type ContextStore struct {
	mu  sync.Mutex
	dir string

	platformDeviceID func() string
}

// NewContextStore returns a ContextStore rooted at <privateAppDir>/sonar.
// platformDeviceID, if non-nil, supplies the fallback device id used by
// DeviceID when none is recorded in the stored config (spec.md §4.1).
func NewContextStore(privateAppDir string, platformDeviceID func() string) *ContextStore {
	return &ContextStore{
		dir:              filepath.Join(privateAppDir, "sonar"),
		platformDeviceID: platformDeviceID,
	}
}

func (s *ContextStore) path(name string) string { return filepath.Join(s.dir, name) }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HasRequiredFiles reports whether the CA cert, client cert, private
// key, and config are all present (spec.md §4.1).
func (s *ContextStore) HasRequiredFiles() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRequiredFilesLocked()
}

func (s *ContextStore) hasRequiredFilesLocked() bool {
	return fileExists(s.path(caCertFileName)) &&
		fileExists(s.path(clientCertFileName)) &&
		fileExists(s.path(privateKeyFileName)) &&
		fileExists(s.path(configFileName))
}

// IsTrusted reports whether a "trusted" state exists: the files
// HasRequiredFiles checks (CA cert, client cert, private key, config)
// are present AND the recorded enrollment medium matches currentMedium.
// The cached CSR is not checked.
func (s *ContextStore) IsTrusted(currentMedium Medium) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRequiredFilesLocked() {
		return false
	}
	cfg, err := s.readConfigLocked()
	if err != nil {
		return false
	}
	return cfg.Medium == currentMedium
}

// CertificateSigningRequest returns the cached CSR if present on disk,
// or generates a fresh RSA-2048 keypair and CSR otherwise, per spec.md
// §4.1. It is idempotent: once written, repeated calls return the same
// CSR without regenerating the keypair.
func (s *ContextStore) CertificateSigningRequest(appID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, err := os.ReadFile(s.path(csrFileName)); err == nil {
		return string(b), nil
	}

	if err := s.resetStateLocked(); err != nil {
		return "", fmt.Errorf("devbridge: resetting context store before CSR generation: %w", err)
	}
	if err := generateCSR(appID, s.path(csrFileName), s.path(privateKeyFileName)); err != nil {
		return "", err
	}

	b, err := os.ReadFile(s.path(csrFileName))
	if err != nil {
		return "", fmt.Errorf("devbridge: reading freshly-generated CSR: %w", err)
	}
	return string(b), nil
}

// DeviceID reads the device id from the stored config, falling back to
// the platform-supplied value if none is recorded (spec.md §4.1).
func (s *ContextStore) DeviceID() string {
	s.mu.Lock()
	cfg, err := s.readConfigLocked()
	s.mu.Unlock()
	if err == nil && cfg.DeviceID != "" {
		return cfg.DeviceID
	}
	if s.platformDeviceID != nil {
		return s.platformDeviceID()
	}
	return ""
}

// LastKnownMedium returns the medium recorded in the stored config, if
// any (spec.md §4.1).
func (s *ContextStore) LastKnownMedium() (medium Medium, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.readConfigLocked()
	if err != nil {
		return 0, false
	}
	return cfg.Medium, true
}

func (s *ContextStore) readConfigLocked() (connectionConfig, error) {
	var cfg connectionConfig
	b, err := os.ReadFile(s.path(configFileName))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// StoreConnectionConfig atomically overwrites the config file with raw,
// which must include "medium" and "deviceId" fields (spec.md §4.1). The
// write is atomic via write-to-temp-then-rename so a crash mid-write
// never leaves a half-written config behind.
func (s *ContextStore) StoreConnectionConfig(raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("devbridge: ensuring context store directory: %w", err)
	}

	tmp := s.path(configFileName) + ".tmp"
	if err := writeFilePrivate(tmp, raw); err != nil {
		return fmt.Errorf("devbridge: writing connection config: %w", err)
	}
	if err := os.Rename(tmp, s.path(configFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("devbridge: committing connection config: %w", err)
	}
	return nil
}

// ResetState deletes all certificate-enrollment artefacts and the stored
// config, ensuring the store directory still exists afterward (spec.md
// §4.1).
func (s *ContextStore) ResetState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetStateLocked() == nil
}

func (s *ContextStore) resetStateLocked() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	for _, name := range []string{csrFileName, privateKeyFileName, caCertFileName, clientCertFileName, pkcs12FileName, configFileName} {
		if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ExportPKCS12 bundles the CA cert, client cert, and private key into a
// password-protected PKCS#12 file, regenerating it on demand (spec.md
// §4.1). It returns the bundle path and the fixed password documented in
// spec.md §6.
func (s *ContextStore) ExportPKCS12() (path string, password string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasRequiredFilesLocked() {
		return "", "", ErrNoRequiredFiles
	}

	out := s.path(pkcs12FileName)
	if err := generatePKCS12(s.path(caCertFileName), s.path(clientCertFileName), s.path(privateKeyFileName), out, "devbridge", pkcs12BundlePassword); err != nil {
		return "", "", err
	}
	return out, pkcs12BundlePassword, nil
}

// Dir returns the store's root directory (the "destination" sent in the
// signCertificate request, spec.md §4.4 step 3).
func (s *ContextStore) Dir() string { return s.dir }

// CACertPath, ClientCertPath, PrivateKeyPath expose the fixed on-disk
// locations so callers (e.g. the secure socket) can load them directly.
func (s *ContextStore) CACertPath() string     { return s.path(caCertFileName) }
func (s *ContextStore) ClientCertPath() string { return s.path(clientCertFileName) }
func (s *ContextStore) PrivateKeyPath() string { return s.path(privateKeyFileName) }

// CSRPath returns the fixed on-disk location of the cached CSR, sent as
// csr_path in the secure ConnectionPayload (spec.md §3).
func (s *ContextStore) CSRPath() string { return s.path(csrFileName) }
