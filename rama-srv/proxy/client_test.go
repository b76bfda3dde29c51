package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evyatark2/rama/rama-srv/config"
)

func newTestDialer(t *testing.T, forwards []config.Forward) *Dialer {
	t.Helper()
	cfg := testConfig()
	cfg.Forwards = forwards
	d, err := NewDialer(cfg, nil)
	require.NoError(t, err)
	return d
}

func TestDialerInvalidAddress(t *testing.T) {
	d := newTestDialer(t, nil)
	_, err := d.DialContext(context.Background(), "no-port")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestDialerDirect(t *testing.T) {
	backend := startEchoBackend(t)
	d := newTestDialer(t, nil)

	conn, err := d.DialContext(context.Background(), backend)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("direct"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "direct", string(buf))
}

func TestDialerSelectForward(t *testing.T) {
	socksFwd := &config.ForwardSocks5{
		RuleData: &config.RuleDomain{Op: config.DomainOpIs, Domain: "internal.corp"},
		Address:  "127.0.0.1:1080",
	}
	d := newTestDialer(t, []config.Forward{socksFwd, &config.ForwardDefaultNetwork{}})

	assert.Same(t, config.Forward(socksFwd), d.selectForward("internal.corp:443"))
	assert.Same(t, config.Forward(socksFwd), d.selectForward("svc.internal.corp:443"))

	// Falls through to the catch-all default-network forward.
	fwd := d.selectForward("example.com:443")
	_, isDefault := fwd.(*config.ForwardDefaultNetwork)
	assert.True(t, isDefault)
}

func TestDialerSocks5Forward(t *testing.T) {
	backend := startEchoBackend(t)

	socksServer, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)
	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = socksLn.Close() })
	go func() { _ = socksServer.Serve(socksLn) }()

	d := newTestDialer(t, []config.Forward{
		&config.ForwardSocks5{Address: socksLn.Addr().String()},
	})

	conn, err := d.DialContext(context.Background(), backend)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("via-socks"))
	require.NoError(t, err)
	buf := make([]byte, 9)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "via-socks", string(buf))
}

func TestDialerHTTPProxyForward(t *testing.T) {
	backend := startEchoBackend(t)

	// A second proxy instance acts as the upstream CONNECT proxy.
	_, upstreamAddr := startProxy(t, testConfig())

	d := newTestDialer(t, []config.Forward{
		&config.ForwardProxy{Address: upstreamAddr},
	})

	conn, err := d.DialContext(context.Background(), backend)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("via-connect"))
	require.NoError(t, err)
	buf := make([]byte, 11)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "via-connect", string(buf))
}

func TestDialerHTTPProxyDenied(t *testing.T) {
	// Minimal fake upstream that refuses every CONNECT.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var sawAuth atomic.Value
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				sawAuth.Store(req.Header.Get("Proxy-Authorization"))
				fmt.Fprint(c, "HTTP/1.1 403 Forbidden\r\nContent-Length: 6\r\n\r\ndenied")
			}(conn)
		}
	}()

	user, pass := "u", "p"
	d := newTestDialer(t, []config.Forward{
		&config.ForwardProxy{Address: ln.Addr().String(), Username: &user, Password: &pass},
	})

	_, err = d.DialContext(context.Background(), "unreachable.example:443")
	require.Error(t, err)
	assert.True(t, IsForwardError(err))

	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeUpstreamProxyDenied, proxyErr.Code)
	assert.Contains(t, proxyErr.Cause.Error(), "denied")

	if got, ok := sawAuth.Load().(string); assert.True(t, ok) {
		assert.Contains(t, got, "Basic ")
	}
}
