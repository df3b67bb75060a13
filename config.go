package devbridge

import (
	"context"
	"strconv"

	"github.com/apparentlymart/go-ctxenv/ctxenv"
)

// Medium identifies the certificate-exchange transport mechanism a
// CertificateProvider implements. The only medium this module implements
// itself is MediumFSAccess: the desktop is expected to deposit the signed
// certificates directly into the path named in the signCertificate reply.
// The type is left as a plain int, rather than a closed set, so that an
// external CertificateProvider can report its own provider-specific
// medium without this package needing to know about it.
type Medium int

// MediumFSAccess is the default medium: the desktop writes certificates
// into a filesystem path visible to the app.
const MediumFSAccess Medium = 0

const (
	// DefaultInsecurePort is the default port used during certificate
	// enrollment, before a client certificate exists.
	DefaultInsecurePort = 9089

	// DefaultSecurePort is the default port used once a client
	// certificate has been issued.
	DefaultSecurePort = 9088

	// DefaultEnvOverridePrefix is prepended to the alt-port environment
	// variable names consulted via Config.resolvePorts.
	DefaultEnvOverridePrefix = "DEVBRIDGE_"

	// defaultHandshakeTimeoutSeconds bounds the opening WebSocket (and,
	// for the secure variant, TLS) handshake when a socket dials. The
	// signCertificate reply itself is awaited without a timeout.
	defaultHandshakeTimeoutSeconds = 10

	// reconnectDelaySeconds is the fixed reconnect delay mandated by
	// spec.md §4.4. It is not configurable: the spec fixes the value.
	reconnectDelaySeconds = 2

	// maxMessageBytes is the payload size limit on Send, per spec.md §4.3.
	maxMessageBytes = (1 << 53) - 1
)

// Config carries everything Client needs to identify this device to the
// desktop and to reach it on the network. It corresponds to spec.md §6's
// "Configuration" table.
type Config struct {
	// Host is the desktop's network address (hostname or IP).
	Host string

	// OS, Device, DeviceID, App, AppID identify this process to the
	// desktop during the handshake (spec.md §3 ConnectionPayload).
	OS       string
	Device   string
	DeviceID string
	App      string
	AppID    string

	// PrivateAppDirectory is the root directory under which the
	// ContextStore keeps its "sonar/" subdirectory (spec.md §6).
	PrivateAppDirectory string

	// InsecurePort/SecurePort select the enrollment and post-enrollment
	// endpoints. Zero means use the package default.
	InsecurePort int
	SecurePort   int

	// AltInsecurePort/AltSecurePort, when positive, replace
	// InsecurePort/SecurePort for every connection attempt; an
	// <EnvOverridePrefix>ALT_INSECURE_PORT / ALT_SECURE_PORT override
	// takes precedence over them (see resolvePorts).
	AltInsecurePort int
	AltSecurePort   int

	// HealthListenAddr, when non-empty, starts the local gRPC health
	// service (internal/healthz) on this address. Empty disables it.
	HealthListenAddr string

	// EnvOverridePrefix is prepended to the environment variable names
	// consulted for port overrides. Defaults to DefaultEnvOverridePrefix.
	EnvOverridePrefix string

	// CertificateProvider, if set, is delegated to for post-signing
	// certificate retrieval (spec.md §6). If nil, the default assumption
	// is that the desktop wrote certificates directly into the
	// destination directory as part of the signCertificate reply
	// (medium = MediumFSAccess).
	CertificateProvider CertificateProvider

	// Scheduler drives all protocol work (spec.md §4.9). If nil, a
	// Default scheduler is created and owned by the Client.
	Scheduler Scheduler
}

func (c *Config) setDefaults() {
	if c.InsecurePort == 0 {
		c.InsecurePort = DefaultInsecurePort
	}
	if c.SecurePort == 0 {
		c.SecurePort = DefaultSecurePort
	}
	if c.EnvOverridePrefix == "" {
		c.EnvOverridePrefix = DefaultEnvOverridePrefix
	}
}

// resolvePorts returns the (insecure, secure) ports to use, consulting
// ctx for ALT_INSECURE_PORT/ALT_SECURE_PORT-style overrides under
// Config.EnvOverridePrefix before falling back to the configured
// Alt*Port fields and finally the primary ports. Overrides are read via
// go-ctxenv so tests can inject them by wrapping ctx instead of mutating
// process environment, the same pattern the teacher library uses for its
// PLUGIN_* handshake variables.
func (c *Config) resolvePorts(ctx context.Context) (insecure, secure int) {
	insecure, secure = c.InsecurePort, c.SecurePort

	if v := ctxenv.Getenv(ctx, c.EnvOverridePrefix+"ALT_INSECURE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			insecure = p
		}
	} else if c.AltInsecurePort > 0 {
		insecure = c.AltInsecurePort
	}

	if v := ctxenv.Getenv(ctx, c.EnvOverridePrefix+"ALT_SECURE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			secure = p
		}
	} else if c.AltSecurePort > 0 {
		secure = c.AltSecurePort
	}

	return insecure, secure
}

// CertificateProvider is the optional external collaborator described in
// spec.md §6. When present, the Connection Manager delegates post-signing
// certificate retrieval to it instead of assuming the desktop wrote the
// certificates directly into the destination directory.
type CertificateProvider interface {
	GetCertificates(ctx context.Context, destinationDir, deviceID string) error
	ShouldResetCertificateFolder() bool
	SetExchangeMedium(m Medium)
	ExchangeMedium() Medium
	SetState(state *DiagnosticState)
}
