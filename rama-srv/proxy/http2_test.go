package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// TestHTTP2ThroughTunnel speaks HTTP/2 with an origin across the CONNECT
// tunnel. The proxy only relays bytes, so the h2 session including its
// TLS handshake must pass through untouched.
func TestHTTP2ThroughTunnel(t *testing.T) {
	backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "proto=%s path=%s", r.Proto, r.URL.Path)
	}))
	backend.EnableHTTP2 = true
	backend.StartTLS()
	defer backend.Close()

	_, proxyAddr := startProxy(t, testConfig())

	backendAddr := backend.Listener.Addr().String()
	conn, resp := dialConnect(t, proxyAddr, backendAddr, nil)
	defer conn.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tlsConn := tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h2"},
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(t, tlsConn.Handshake())
	require.Equal(t, "h2", tlsConn.ConnectionState().NegotiatedProtocol)

	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "https://"+backendAddr+"/h2", http.NoBody)
	require.NoError(t, err)
	h2Resp, err := h2Conn.RoundTrip(req)
	require.NoError(t, err)
	defer h2Resp.Body.Close()

	assert.Equal(t, http.StatusOK, h2Resp.StatusCode)
	body, err := io.ReadAll(h2Resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "proto=HTTP/2.0 path=/h2", string(body))
}
