package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// hopByHopHeaders are connection-scoped and must not travel across the
// proxy in either direction.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PlainProxyService forwards non-CONNECT requests to their target over a
// fresh or pooled upstream connection and returns the origin's response.
// It is the innermost service of a standard proxy pipeline.
type PlainProxyService struct {
	client *http.Client
}

// NewPlainProxyService builds the service on top of the shared dialer so
// forward rules apply to plain requests the same way they apply to
// tunnels.
func NewPlainProxyService(dialer *Dialer, timeout time.Duration) *PlainProxyService {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, addr)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &PlainProxyService{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// The client must see the origin's redirect, not follow it.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Serve implements service.Service.
func (s *PlainProxyService) Serve(cx *service.Context, req *http.Request) (*http.Response, error) {
	target, err := RequestTarget(cx.Extensions(), req)
	if err != nil {
		return NewErrorResponse(http.StatusBadRequest, ErrCodeInvalidAddress), nil
	}

	outReq := req.Clone(cx.Context())
	outReq.RequestURI = ""
	outReq.Close = false
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = req.Host
	}
	stripHopByHop(outReq.Header)

	logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "Forwarding %s %s to %s", outReq.Method, outReq.URL.Path, target.Addr()))

	resp, err := s.client.Do(outReq)
	if err != nil {
		logger.Error("%s", logger.WithConnID(cx.Conn().ID, "Failed to forward request to %s: %v", target.Addr(), err))
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return NewErrorResponse(http.StatusGatewayTimeout, ErrCodeConnectionTimeout), nil
		}
		return NewBadGatewayResponse(ErrCodeHTTPForwardFailed), nil
	}

	stripHopByHop(resp.Header)
	return resp, nil
}

func stripHopByHop(header http.Header) {
	// Headers named by the Connection header go first, then the static
	// hop-by-hop set.
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}
