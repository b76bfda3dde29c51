package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// AuthUser is inserted into the request extensions after successful proxy
// authentication.
type AuthUser struct {
	Name string
}

// ProxyAuthLayer authenticates requests via the Proxy-Authorization
// header. Basic credentials are checked against the configured user list;
// Bearer tokens are verified as HS256 JWTs when a secret is configured.
// Unauthenticated requests receive 407 with a Proxy-Authenticate
// challenge and never reach the inner service.
type ProxyAuthLayer struct {
	users     map[string]string
	jwtSecret []byte
}

// NewProxyAuthLayer builds the layer from configuration. It returns nil
// when no users and no JWT secret are configured, so callers can skip the
// layer entirely.
func NewProxyAuthLayer(cfg config.AuthConfig) *ProxyAuthLayer {
	if len(cfg.Users) == 0 && cfg.JWTSecret == "" {
		return nil
	}
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u.Password
	}
	l := &ProxyAuthLayer{users: users}
	if cfg.JWTSecret != "" {
		l.jwtSecret = []byte(cfg.JWTSecret)
	}
	return l
}

// Wrap implements service.Layer.
func (l *ProxyAuthLayer) Wrap(inner service.Service) service.Service {
	return service.ServiceFunc(func(cx *service.Context, req *http.Request) (*http.Response, error) {
		user, err := l.authenticate(req)
		if err != nil {
			logger.Warn("%s", logger.WithConnID(cx.Conn().ID, "Proxy authentication failed: %v", err))
			return challengeResponse(), nil
		}
		service.Insert(cx.Extensions(), AuthUser{Name: user})
		// The credential must not leak upstream.
		req.Header.Del("Proxy-Authorization")
		return inner.Serve(cx, req)
	})
}

func (l *ProxyAuthLayer) authenticate(req *http.Request) (string, error) {
	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return "", NewAuthError(ErrCodeAuthenticationFailed, GetErrorDescription(ErrCodeAuthenticationFailed), fmt.Errorf("missing Proxy-Authorization header"))
	}

	scheme, value, found := strings.Cut(header, " ")
	if !found {
		return "", NewAuthError(ErrCodeAuthenticationFailed, GetErrorDescription(ErrCodeAuthenticationFailed), fmt.Errorf("malformed Proxy-Authorization header"))
	}

	switch {
	case strings.EqualFold(scheme, "Basic"):
		return l.authenticateBasic(value)
	case strings.EqualFold(scheme, "Bearer"):
		return l.authenticateBearer(value)
	default:
		return "", NewAuthError(ErrCodeAuthenticationFailed, GetErrorDescription(ErrCodeAuthenticationFailed), fmt.Errorf("unsupported auth scheme %q", scheme))
	}
}

func (l *ProxyAuthLayer) authenticateBasic(value string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", NewAuthError(ErrCodeInvalidCredentials, GetErrorDescription(ErrCodeInvalidCredentials), err)
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", NewAuthError(ErrCodeInvalidCredentials, GetErrorDescription(ErrCodeInvalidCredentials), fmt.Errorf("malformed basic credentials"))
	}
	expected, ok := l.users[username]
	if !ok {
		return "", NewAuthError(ErrCodeInvalidCredentials, GetErrorDescription(ErrCodeInvalidCredentials), fmt.Errorf("unknown user %q", username))
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
		return "", NewAuthError(ErrCodeInvalidCredentials, GetErrorDescription(ErrCodeInvalidCredentials), fmt.Errorf("wrong password for user %q", username))
	}
	return username, nil
}

func (l *ProxyAuthLayer) authenticateBearer(value string) (string, error) {
	if len(l.jwtSecret) == 0 {
		return "", NewAuthError(ErrCodeInvalidBearerToken, GetErrorDescription(ErrCodeInvalidBearerToken), fmt.Errorf("bearer tokens not enabled"))
	}
	token, err := jwt.Parse(strings.TrimSpace(value), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", NewAuthError(ErrCodeInvalidBearerToken, GetErrorDescription(ErrCodeInvalidBearerToken), err)
	}
	if !token.Valid {
		return "", NewAuthError(ErrCodeInvalidBearerToken, GetErrorDescription(ErrCodeInvalidBearerToken), fmt.Errorf("token invalid"))
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		subject = "bearer"
	}
	return subject, nil
}

func challengeResponse() *http.Response {
	resp := NewErrorResponse(http.StatusProxyAuthRequired, ErrCodeAuthenticationFailed)
	resp.Header.Set("Proxy-Authenticate", `Basic realm="proxy"`)
	return resp
}
