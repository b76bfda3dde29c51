package proxy

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/service"
)

func authLayerConfig() config.AuthConfig {
	return config.AuthConfig{
		Users:     []config.UserCredential{{Username: "alice", Password: "secret"}},
		JWTSecret: "jwt-test-secret",
	}
}

// recordingService captures the authenticated user and the forwarded
// request headers.
type recordingService struct {
	called    bool
	user      AuthUser
	gotHeader string
}

func (s *recordingService) Serve(cx *service.Context, req *http.Request) (*http.Response, error) {
	s.called = true
	s.user, _ = service.Get[AuthUser](cx.Extensions())
	s.gotHeader = req.Header.Get("Proxy-Authorization")
	return &http.Response{StatusCode: http.StatusOK, ProtoMajor: 1, ProtoMinor: 1, Header: http.Header{}}, nil
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestNewProxyAuthLayerDisabled(t *testing.T) {
	assert.Nil(t, NewProxyAuthLayer(config.AuthConfig{}))
	assert.NotNil(t, NewProxyAuthLayer(config.AuthConfig{JWTSecret: "s"}))
}

func TestProxyAuthBasic(t *testing.T) {
	layer := NewProxyAuthLayer(authLayerConfig())
	require.NotNil(t, layer)

	t.Run("valid credentials", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", basicAuthHeader("alice", "secret"))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, inner.called)
		assert.Equal(t, "alice", inner.user.Name)
		assert.Empty(t, inner.gotHeader, "credential must be stripped before forwarding")
	})

	t.Run("wrong password", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", basicAuthHeader("alice", "wrong"))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Proxy-Authenticate"), "Basic")
		assert.False(t, inner.called)
	})

	t.Run("unknown user", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", basicAuthHeader("mallory", "secret"))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
		assert.False(t, inner.called)
	})

	t.Run("missing header", func(t *testing.T) {
		inner := &recordingService{}
		resp, err := layer.Wrap(inner).Serve(testContext(t), connectRequest("example.com:443"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
		assert.False(t, inner.called)
	})

	t.Run("garbage base64", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", "Basic %%%not-base64%%%")

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	})
}

func TestProxyAuthBearer(t *testing.T) {
	layer := NewProxyAuthLayer(authLayerConfig())
	require.NotNil(t, layer)

	signToken := func(secret string, claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}

	t.Run("valid token", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", "Bearer "+signToken("jwt-test-secret", jwt.MapClaims{
			"sub": "bob",
			"exp": time.Now().Add(time.Hour).Unix(),
		}))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "bob", inner.user.Name)
	})

	t.Run("wrong secret", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", "Bearer "+signToken("other-secret", jwt.MapClaims{"sub": "bob"}))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
		assert.False(t, inner.called)
	})

	t.Run("expired token", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", "Bearer "+signToken("jwt-test-secret", jwt.MapClaims{
			"sub": "bob",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	})

	t.Run("no subject falls back", func(t *testing.T) {
		inner := &recordingService{}
		req := connectRequest("example.com:443")
		req.Header.Set("Proxy-Authorization", "Bearer "+signToken("jwt-test-secret", jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}))

		resp, err := layer.Wrap(inner).Serve(testContext(t), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "bearer", inner.user.Name)
	})
}
