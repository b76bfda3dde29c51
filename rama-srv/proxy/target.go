package proxy

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/evyatark2/rama/rama-srv/service"
)

// Target is the validated destination authority of a proxied request. For
// CONNECT requests it comes from the request target, for absolute-form
// requests from the URL, otherwise from the Host header. It is cached in
// the request extensions so validation happens at most once per request.
type Target struct {
	Host string
	Port uint16
}

// Addr returns the target as a dialable "host:port" string.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) String() string {
	return t.Addr()
}

// defaultPort returns the port implied by the request when the authority
// does not carry one.
func defaultPort(req *http.Request) uint16 {
	if req.URL != nil && req.URL.Scheme == "https" {
		return 443
	}
	if req.Method == http.MethodConnect {
		return 443
	}
	return 80
}

// parseAuthority splits and validates a "host" or "host:port" authority.
func parseAuthority(authority string, fallbackPort uint16) (Target, error) {
	if authority == "" {
		return Target{}, NewUpgradeError(ErrCodeUpgradeTargetInvalid, GetErrorDescription(ErrCodeUpgradeTargetInvalid), fmt.Errorf("empty authority"))
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// No port in the authority. Reject anything that still contains a
		// colon (malformed or bare IPv6) and fall back to the default port.
		if strings.Contains(authority, ":") && !strings.HasPrefix(authority, "[") {
			return Target{}, NewUpgradeError(ErrCodeUpgradeTargetInvalid, GetErrorDescription(ErrCodeUpgradeTargetInvalid), fmt.Errorf("malformed authority %q", authority))
		}
		host = strings.Trim(authority, "[]")
		if host == "" {
			return Target{}, NewUpgradeError(ErrCodeUpgradeTargetInvalid, GetErrorDescription(ErrCodeUpgradeTargetInvalid), fmt.Errorf("empty host in authority %q", authority))
		}
		return Target{Host: host, Port: fallbackPort}, nil
	}

	if host == "" {
		return Target{}, NewUpgradeError(ErrCodeUpgradeTargetInvalid, GetErrorDescription(ErrCodeUpgradeTargetInvalid), fmt.Errorf("empty host in authority %q", authority))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Target{}, NewUpgradeError(ErrCodeUpgradeTargetInvalid, GetErrorDescription(ErrCodeUpgradeTargetInvalid), fmt.Errorf("invalid port %q in authority %q", portStr, authority))
	}
	return Target{Host: host, Port: uint16(port)}, nil
}

// requestAuthority extracts the raw authority string of a request.
func requestAuthority(req *http.Request) string {
	if req.Method == http.MethodConnect {
		if req.URL != nil && req.URL.Host != "" {
			return req.URL.Host
		}
		return req.Host
	}
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

// RequestTarget returns the validated target of req, computing and caching
// it in ext on first use. Later callers on the same request observe the
// same value without re-validating.
func RequestTarget(ext *service.Extensions, req *http.Request) (Target, error) {
	if ext == nil {
		return parseAuthority(requestAuthority(req), defaultPort(req))
	}
	return service.GetOrTryInsertWith(ext, func() (Target, error) {
		return parseAuthority(requestAuthority(req), defaultPort(req))
	})
}
