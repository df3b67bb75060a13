package devbridge

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateCSRProducesValidRequest(t *testing.T) {
	dir := t.TempDir()
	csrPath := filepath.Join(dir, "app.csr")
	keyPath := filepath.Join(dir, "privateKey.pem")

	require.NoError(t, generateCSR("com.example.app", csrPath, keyPath))

	csrPEM, err := os.ReadFile(csrPath)
	require.NoError(t, err)
	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	require.Equal(t, "CERTIFICATE REQUEST", block.Type)

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.Equal(t, "com.example.app", csr.Subject.CommonName)
	require.Equal(t, []string{"Flipper"}, csr.Subject.Organization)
	require.NoError(t, csr.CheckSignature())

	keyPEM, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	keyBlock, _ := pem.Decode(keyPEM)
	require.NotNil(t, keyBlock)
	require.Equal(t, "RSA PRIVATE KEY", keyBlock.Type)
}

func TestGenerateCSRTruncatesLongAppID(t *testing.T) {
	dir := t.TempDir()
	longID := ""
	for i := 0; i < 100; i++ {
		longID += "a"
	}

	require.NoError(t, generateCSR(longID, filepath.Join(dir, "app.csr"), filepath.Join(dir, "key.pem")))

	csrPEM, err := os.ReadFile(filepath.Join(dir, "app.csr"))
	require.NoError(t, err)
	block, _ := pem.Decode(csrPEM)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.Equal(t, commonNameFallback, csr.Subject.CommonName)
}
