package devbridge

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// Fixed algorithm parameters mandated by spec.md §4.2: RSA 2048,
// exponent 65537 (the Go stdlib's rsa.GenerateKey always uses exponent
// 65537), SHA-256 signature.
const (
	rsaKeyBits       = 2048
	csrSubjectOrg    = "Flipper"
	csrSubjectCountry = "US"
	csrSubjectState  = "CA"
	csrSubjectLocale = "Menlo Park"

	// pkcs12BundlePassword is the fixed password spec.md §6 documents
	// for device.p12.
	pkcs12BundlePassword = "fl1pp3r"

	// commonNameFallback is used when the app identifier is at least 64
	// characters long, per spec.md §4.1.
	commonNameFallback = "com.flipper"
	commonNameMaxLen   = 64
)

// csrSubjectCommonName returns appID truncated to commonNameFallback if
// it is 64 characters or longer, per spec.md §4.1's certificate_signing_request
// rule, and appID unchanged otherwise.
func csrSubjectCommonName(appID string) string {
	if len(appID) >= commonNameMaxLen {
		return commonNameFallback
	}
	return appID
}

// generateCSR is the pure function described in spec.md §4.2: it
// generates an RSA-2048 keypair and a PKCS#10 CSR with the fixed subject
// fields, writing the PEM-encoded CSR and private key to csrOutPath and
// keyOutPath. It fails closed: any error leaves no half-written files on
// disk where avoidable, and returns the error to the caller (who, per
// spec.md §4.1, is expected to call ContextStore.reset_state on failure).
func generateCSR(appID, csrOutPath, keyOutPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("devbridge: generating RSA key: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         csrSubjectCommonName(appID),
			Organization:       []string{csrSubjectOrg},
			Country:            []string{csrSubjectCountry},
			Province:           []string{csrSubjectState},
			Locality:           []string{csrSubjectLocale},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return fmt.Errorf("devbridge: creating CSR: %w", err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})

	if err := writeFilePrivate(keyOutPath, keyPEM); err != nil {
		return fmt.Errorf("devbridge: writing private key: %w", err)
	}
	if err := writeFilePrivate(csrOutPath, csrPEM); err != nil {
		os.Remove(keyOutPath)
		return fmt.Errorf("devbridge: writing CSR: %w", err)
	}

	return nil
}

// generatePKCS12 bundles a CA certificate, client (leaf) certificate, and
// its private key into a password-protected PKCS#12 file, per spec.md
// §4.2. crypto/x509 cannot itself produce a PKCS#12 container, so this
// is the one piece of C2 that reaches for a third-party library
// (software.sslmate.com/src/go-pkcs12, the de facto ecosystem choice)
// rather than the standard library.
func generatePKCS12(caPath, certPath, keyPath, outPath, friendlyName, password string) error {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("devbridge: reading CA certificate: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("devbridge: reading client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("devbridge: reading private key: %w", err)
	}

	caBlock, _ := pem.Decode(caPEM)
	if caBlock == nil {
		return fmt.Errorf("devbridge: CA certificate file is not valid PEM")
	}
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	if err != nil {
		return fmt.Errorf("devbridge: parsing CA certificate: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("devbridge: client certificate file is not valid PEM")
	}
	clientCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("devbridge: parsing client certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("devbridge: private key file is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("devbridge: parsing private key: %w", err)
	}

	bundle, err := pkcs12.Modern.Encode(key, clientCert, []*x509.Certificate{caCert}, password)
	if err != nil {
		return fmt.Errorf("devbridge: encoding PKCS#12 bundle: %w", err)
	}

	if err := writeFilePrivate(outPath, bundle); err != nil {
		return fmt.Errorf("devbridge: writing PKCS#12 bundle: %w", err)
	}
	_ = friendlyName // the go-pkcs12 Modern encoder does not expose a friendly-name slot

	return nil
}

func writeFilePrivate(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
