package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/service"
)

// generateTestCA creates a self-signed CA and returns its PEM-encoded
// certificate and PKCS#1 private key.
func generateTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

// writeTestCA writes the CA pair to temp files and returns their paths.
func writeTestCA(t *testing.T) (caFile, caKeyFile string) {
	t.Helper()
	certPEM, keyPEM := generateTestCA(t)
	dir := t.TempDir()
	caFile = filepath.Join(dir, "ca.crt")
	caKeyFile = filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(caKeyFile, keyPEM, 0o600))
	return caFile, caKeyFile
}

// testConfig returns a single-server config listening on an ephemeral
// port with short timeouts.
func testConfig() *config.Config {
	return &config.Config{
		Servers: []config.ServerConfig{
			{Type: config.ProxyTypeStandard, ListenAddress: "127.0.0.1:0", Enabled: true},
		},
		TimeoutSeconds:       5,
		ShutdownLimitSeconds: 5,
	}
}

// startProxy builds and starts a proxy, registering shutdown as cleanup.
// It returns the proxy and the first listener's address.
func startProxy(t *testing.T, cfg *config.Config) (*Proxy, string) {
	t.Helper()
	p, err := NewProxy(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _, _ = p.Stop() })
	addr := p.ListenAddr(0)
	require.NotNil(t, addr)
	return p, addr.String()
}

// testContext builds a connection Context with fake peer info.
func testContext(t *testing.T) *service.Context {
	t.Helper()
	return service.NewContext(context.Background(), service.ConnInfo{
		ID:         1,
		RemoteAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 12345},
	})
}
