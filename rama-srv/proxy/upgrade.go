package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// AcceptFunc decides whether an upgrade request is accepted and produces
// the switch response that is flushed to the client before the stream
// handler takes over. Returning a nil response accepts with the plain
// "200 Connection Established" line. Returning an error refuses the
// upgrade; the connection stays in HTTP mode and the error response is
// sent instead.
type AcceptFunc func(cx *service.Context, req *http.Request) (*http.Response, error)

// UpgradeLayer turns matching requests into raw stream sessions. On a
// match it validates the target authority, runs Accept, writes and flushes
// the switch response over the raw connection, and hands the connection to
// Tunnel. Everything after the flush is opaque bytes; the HTTP codec loop
// is done with this connection.
//
// Non-matching requests pass through to the inner service untouched.
type UpgradeLayer struct {
	// Matcher selects requests to upgrade; nil matches everything.
	Matcher service.Matcher
	// Accept validates the upgrade; nil accepts unconditionally.
	Accept AcceptFunc
	// Tunnel handles the connection after the switch response is flushed.
	Tunnel service.StreamService
}

// Wrap implements service.Layer.
func (l *UpgradeLayer) Wrap(inner service.Service) service.Service {
	matcher := service.Option(l.Matcher)
	return service.ServiceFunc(func(cx *service.Context, req *http.Request) (*http.Response, error) {
		if !matcher.Matches(cx.Extensions(), cx, req) {
			return inner.Serve(cx, req)
		}

		target, err := RequestTarget(cx.Extensions(), req)
		if err != nil {
			logger.Warn("%s", logger.WithConnID(cx.Conn().ID, "Rejecting upgrade with invalid target %q: %v", requestAuthority(req), err))
			return NewErrorResponse(http.StatusBadRequest, ErrCodeUpgradeTargetInvalid), nil
		}

		var resp *http.Response
		if l.Accept != nil {
			resp, err = l.Accept(cx, req)
			if err != nil {
				logger.Warn("%s", logger.WithConnID(cx.Conn().ID, "Upgrade to %s refused: %v", target.Addr(), err))
				if respErr := errorResponseFor(err); respErr != nil {
					return respErr, nil
				}
				return NewErrorResponse(http.StatusBadGateway, ErrCodeUpgradeAcceptFailed), nil
			}
		}

		taker, ok := service.Get[*ConnTaker](cx.Extensions())
		if !ok {
			return nil, NewInternalError(ErrCodeInternalError, GetErrorDescription(ErrCodeInternalError), fmt.Errorf("no connection taker in context"))
		}
		conn, err := taker.Take()
		if err != nil {
			return nil, NewInternalError(ErrCodeInternalError, GetErrorDescription(ErrCodeInternalError), err)
		}

		// The switch response must reach the client before the stream
		// handler dials anywhere or reads a single byte.
		if resp != nil {
			if err := resp.Write(conn); err != nil {
				_ = conn.Close()
				return nil, NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err)
			}
		} else {
			if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
				_ = conn.Close()
				return nil, NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err)
			}
		}

		if err := l.Tunnel.ServeStream(cx, conn); err != nil {
			logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "Upgraded stream to %s ended with error: %v", target.Addr(), err))
		}
		return nil, nil
	})
}

// errorResponseFor maps a refusal error to the response the client should
// see, or nil when no specific mapping exists.
func errorResponseFor(err error) *http.Response {
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		return nil
	}
	switch proxyErr.Code {
	case ErrCodeUpgradeTargetInvalid, ErrCodeInvalidAddress, ErrCodeInvalidPort:
		return NewErrorResponse(http.StatusBadRequest, proxyErr.Code)
	case ErrCodeAuthenticationFailed, ErrCodeInvalidCredentials, ErrCodeInvalidBearerToken:
		resp := NewErrorResponse(http.StatusProxyAuthRequired, proxyErr.Code)
		resp.Header.Set("Proxy-Authenticate", `Basic realm="proxy"`)
		return resp
	default:
		return nil
	}
}
