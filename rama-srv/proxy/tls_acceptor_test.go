package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evyatark2/rama/rama-srv/service"
)

// echoLineService reads a single line and writes it back, recording what
// it saw in the connection extensions.
type echoLineService struct {
	sawHello bool
	sawState bool
	sni      string
}

func (s *echoLineService) ServeStream(cx *service.Context, conn net.Conn) error {
	if hello, ok := service.Get[ClientHello](cx.Extensions()); ok {
		s.sawHello = true
		s.sni = hello.ServerName
	}
	if _, ok := service.Get[tls.ConnectionState](cx.Extensions()); ok {
		s.sawState = true
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	_, err = conn.Write([]byte(line))
	return err
}

func runTLSHandshake(t *testing.T, layer *TLSAcceptorLayer, inner service.StreamService, clientCfg *tls.Config) (clientErr, serverErr error) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	cx := testContext(t)
	done := make(chan error, 1)
	go func() {
		done <- layer.WrapStream(inner).ServeStream(cx, serverRaw)
	}()

	tlsClient := tls.Client(clientRaw, clientCfg)
	clientErr = tlsClient.Handshake()
	if clientErr == nil {
		if _, err := tlsClient.Write([]byte("ping\n")); err == nil {
			buf := make([]byte, 5)
			_, _ = tlsClient.Read(buf)
		}
		_ = tlsClient.Close()
	}
	serverErr = <-done
	return clientErr, serverErr
}

func TestTLSAcceptorProviderSelection(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	store, err := NewCertStore(certPEM, keyPEM)
	require.NoError(t, err)

	inner := &echoLineService{}
	layer := &TLSAcceptorLayer{Provider: store, StoreClientHello: true}

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))

	clientErr, serverErr := runTLSHandshake(t, layer, inner, &tls.Config{
		ServerName: "picked.example",
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	assert.True(t, inner.sawHello, "hello snapshot must be stored before the inner service runs")
	assert.Equal(t, "picked.example", inner.sni)
	assert.True(t, inner.sawState, "connection state must be stored after the handshake")
}

func TestTLSAcceptorDefaultFallback(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	inner := &echoLineService{}
	layer := &TLSAcceptorLayer{Default: &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}}

	clientErr, serverErr := runTLSHandshake(t, layer, inner, &tls.Config{
		ServerName:         "anything.example",
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.False(t, inner.sawHello, "hello is only stored when StoreClientHello is set")
	assert.True(t, inner.sawState)
}

func TestTLSAcceptorProviderDecline(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	store, err := NewCertStore(certPEM, keyPEM)
	require.NoError(t, err)

	defaultPair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	// Only two names get a minted certificate; everything else declines
	// and must land on the default configuration.
	provider := ServerConfigProviderFunc(func(hello ClientHello) (*tls.Config, error) {
		switch hello.ServerName {
		case "one.example", "two.example":
			return store.ServerConfig(hello)
		}
		return nil, nil
	})
	layer := &TLSAcceptorLayer{
		Default: &tls.Config{
			Certificates: []tls.Certificate{defaultPair},
			MinVersion:   tls.VersionTLS12,
		},
		Provider: provider,
	}

	handshake := func(sni string) string {
		var cn string
		clientErr, serverErr := runTLSHandshake(t, layer, &echoLineService{}, &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				leaf, err := x509.ParseCertificate(rawCerts[0])
				if err != nil {
					return err
				}
				cn = leaf.Subject.CommonName
				return nil
			},
		})
		require.NoError(t, clientErr)
		require.NoError(t, serverErr)
		return cn
	}

	assert.Equal(t, "one.example", handshake("one.example"))
	assert.Equal(t, "two.example", handshake("two.example"))
	assert.Equal(t, "test-ca", handshake("unmapped.example"),
		"a declining provider must fall back to the default certificate")
}

func TestTLSAcceptorProviderError(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	store, err := NewCertStore(certPEM, keyPEM)
	require.NoError(t, err)

	inner := &echoLineService{}
	layer := &TLSAcceptorLayer{Provider: store}

	// No SNI: the cert store refuses to pick a certificate.
	clientErr, serverErr := runTLSHandshake(t, layer, inner, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	assert.Error(t, clientErr)
	require.Error(t, serverErr)
	assert.True(t, IsTLSError(serverErr))
	assert.False(t, inner.sawHello)
}
