package proxy

import (
	"net/http"
	"time"

	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// TraceLayer logs one line per request with method, target, outcome and
// duration. Taken-over connections are logged as upgrades since no status
// code exists for them.
type TraceLayer struct{}

// Wrap implements service.Layer.
func (TraceLayer) Wrap(inner service.Service) service.Service {
	return service.ServiceFunc(func(cx *service.Context, req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := inner.Serve(cx, req)
		elapsed := time.Since(start)

		authority := requestAuthority(req)
		switch {
		case err != nil:
			logger.Warn("%s", logger.WithConnID(cx.Conn().ID, "%s %s failed after %s: %v", req.Method, authority, elapsed, err))
		case resp == nil:
			logger.Info("%s", logger.WithConnID(cx.Conn().ID, "%s %s upgraded, session lasted %s", req.Method, authority, elapsed))
		default:
			logger.Info("%s", logger.WithConnID(cx.Conn().ID, "%s %s -> %d in %s", req.Method, authority, resp.StatusCode, elapsed))
		}
		return resp, err
	})
}
