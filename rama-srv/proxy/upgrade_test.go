package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evyatark2/rama/rama-srv/service"
)

// sinkStream consumes the upgraded connection and records that it ran.
type sinkStream struct {
	ran    bool
	target Target
}

func (s *sinkStream) ServeStream(cx *service.Context, conn net.Conn) error {
	s.ran = true
	s.target, _ = service.Get[Target](cx.Extensions())
	_, _ = io.Copy(io.Discard, conn)
	return nil
}

func TestUpgradeLayerPassthrough(t *testing.T) {
	inner := &recordingService{}
	layer := &UpgradeLayer{Matcher: ConnectMatcher(), Tunnel: &sinkStream{}}

	req := &http.Request{Method: http.MethodGet, Host: "example.com", URL: &url.URL{Path: "/"}, Header: http.Header{}}
	resp, err := layer.Wrap(inner).Serve(testContext(t), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, inner.called, "non-matching requests go to the inner service")
}

func TestUpgradeLayerInvalidTarget(t *testing.T) {
	inner := &recordingService{}
	layer := &UpgradeLayer{Matcher: ConnectMatcher(), Tunnel: &sinkStream{}}

	resp, err := layer.Wrap(inner).Serve(testContext(t), connectRequest("no-port"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeUpgradeTargetInvalid, resp.Header.Get("X-Proxy-Error"))
	assert.False(t, inner.called)
}

func TestUpgradeLayerAcceptRefusal(t *testing.T) {
	tests := []struct {
		name       string
		acceptErr  error
		wantStatus int
	}{
		{
			name:       "auth refusal maps to 407",
			acceptErr:  NewAuthError(ErrCodeInvalidCredentials, GetErrorDescription(ErrCodeInvalidCredentials), nil),
			wantStatus: http.StatusProxyAuthRequired,
		},
		{
			name:       "unmapped refusal maps to 502",
			acceptErr:  fmt.Errorf("policy says no"),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tunnel := &sinkStream{}
			layer := &UpgradeLayer{
				Matcher: ConnectMatcher(),
				Accept: func(cx *service.Context, req *http.Request) (*http.Response, error) {
					return nil, tt.acceptErr
				},
				Tunnel: tunnel,
			}

			resp, err := layer.Wrap(&recordingService{}).Serve(testContext(t), connectRequest("example.com:443"))
			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.False(t, tunnel.ran, "refused upgrades never reach the stream handler")
		})
	}
}

func TestUpgradeLayerNoTaker(t *testing.T) {
	layer := &UpgradeLayer{Matcher: ConnectMatcher(), Tunnel: &sinkStream{}}
	_, err := layer.Wrap(&recordingService{}).Serve(testContext(t), connectRequest("example.com:443"))
	require.Error(t, err)
	assert.True(t, IsInternalError(err))
}

func TestUpgradeLayerSwitchThenStream(t *testing.T) {
	tunnel := &sinkStream{}
	layer := &UpgradeLayer{Matcher: ConnectMatcher(), Tunnel: tunnel}

	client, server := tcpPair(t)
	cx := testContext(t)
	service.Insert(cx.Extensions(), &ConnTaker{conn: server})

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := layer.Wrap(&recordingService{}).Serve(cx, connectRequest("example.com:8443"))
		assert.NoError(t, err)
		assert.Nil(t, resp, "takeover is signalled by a nil response")
	}()

	// The 200 line must arrive before the stream handler sees any bytes.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Connection Established", resp.Status[4:])

	require.NoError(t, client.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}

	assert.True(t, tunnel.ran)
	assert.Equal(t, Target{Host: "example.com", Port: 8443}, tunnel.target)
}
