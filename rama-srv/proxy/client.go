package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

type compiledForward struct {
	fwd     config.Forward
	matcher service.Matcher
}

// Dialer establishes upstream TCP connections, routing each dial through
// the first forward whose rule matches the target. With no matching
// forward the target is dialed directly.
type Dialer struct {
	timeout  time.Duration
	forwards []compiledForward
}

// NewDialer compiles the forward rules against the named rule table.
func NewDialer(cfg *config.Config, rules map[string]service.Matcher) (*Dialer, error) {
	d := &Dialer{
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	for i, fwd := range cfg.Forwards {
		matcher, err := CompileRule(fwd.Rule(), rules)
		if err != nil {
			return nil, NewForwardError(ErrCodeForwardRuleError, GetErrorDescription(ErrCodeForwardRuleError), fmt.Errorf("forward[%d]: %w", i, err))
		}
		d.forwards = append(d.forwards, compiledForward{fwd: fwd, matcher: matcher})
		logger.Debug("Compiled forward[%d] type %T", i, fwd)
	}
	return d, nil
}

// dialRequest fabricates the request forward rules are evaluated against.
// Only the target authority is populated, so domain and port rules apply
// while client-address rules never match, same as having no client.
func dialRequest(addr string) *http.Request {
	return &http.Request{
		Method: http.MethodConnect,
		Host:   addr,
		URL:    &url.URL{Host: addr},
	}
}

// selectForward returns the first forward matching addr, or nil for a
// direct dial.
func (d *Dialer) selectForward(addr string) config.Forward {
	if len(d.forwards) == 0 {
		return nil
	}
	req := dialRequest(addr)
	for i, cf := range d.forwards {
		ext := service.NewExtensions()
		if cf.matcher.Matches(ext, nil, req) {
			logger.Debug("Matched forward[%d] type %T for %s", i, cf.fwd, addr)
			return cf.fwd
		}
	}
	return nil
}

// DialContext dials addr, honoring forward rules and the configured
// timeout.
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, NewConnectionError(ErrCodeInvalidAddress, GetErrorDescription(ErrCodeInvalidAddress), err)
	}

	dialer := &net.Dialer{Timeout: d.timeout}

	switch fwd := d.selectForward(addr).(type) {
	case nil, *config.ForwardDefaultNetwork:
		logger.Debug("Dialing %s directly", addr)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, NewConnectionError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("direct dial to %s: %w", addr, err))
		}
		return conn, nil
	case *config.ForwardSocks5:
		logger.Debug("Dialing %s via SOCKS5 proxy %s", addr, fwd.Address)
		return d.dialSocks5(ctx, dialer, fwd, addr)
	case *config.ForwardProxy:
		logger.Debug("Dialing %s via HTTP proxy %s", addr, fwd.Address)
		return d.dialHTTPProxy(ctx, dialer, fwd, addr)
	default:
		return nil, NewInternalError(ErrCodeInternalError, GetErrorDescription(ErrCodeInternalError), fmt.Errorf("unknown forward type"))
	}
}

// dialSocks5 establishes the connection through a SOCKS5 proxy.
func (d *Dialer) dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, addr string) (net.Conn, error) {
	var auth *xproxy.Auth
	if fwd.Username != nil {
		auth = &xproxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	socksDialer, err := xproxy.SOCKS5("tcp", fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewForwardError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(xproxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = socksDialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, NewForwardError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy establishes the connection through another HTTP proxy
// using CONNECT.
func (d *Dialer) dialHTTPProxy(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardProxy, addr string) (net.Conn, error) {
	proxyConn, err := dialer.DialContext(ctx, "tcp", fwd.Address)
	if err != nil {
		return nil, NewForwardError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed), fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+addr, http.NoBody)
	if err != nil {
		_ = proxyConn.Close()
		return nil, NewForwardError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), err)
	}
	connectReq.Host = addr
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if fwd.Username != nil && fwd.Password != nil {
		credentials := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + *fwd.Password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		_ = proxyConn.Close()
		return nil, NewForwardError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	// ReadResponse consumes only the status line and headers; after a 200
	// the connection carries raw tunnel bytes.
	connectResp, err := http.ReadResponse(bufio.NewReader(proxyConn), connectReq)
	if err != nil {
		_ = proxyConn.Close()
		return nil, NewForwardError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed), fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Debug("Error closing CONNECT response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		_ = proxyConn.Close()
		return nil, NewForwardError(ErrCodeUpstreamProxyDenied, GetErrorDescription(ErrCodeUpstreamProxyDenied),
			fmt.Errorf("proxy %s denied CONNECT to %s with status %s: %s", fwd.Address, addr, connectResp.Status, string(body)))
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, addr)
	return proxyConn, nil
}
