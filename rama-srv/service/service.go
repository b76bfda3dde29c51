package service

import (
	"net"
	"net/http"
)

// Service is a single unit of request-processing logic. It either produces
// a response, or fails with an error that the surrounding layer may recover
// from. A nil response together with a nil error signals that the service
// took over the underlying connection (see the upgrade layer in the proxy
// package) and nothing more must be written for this request.
type Service interface {
	Serve(cx *Context, req *http.Request) (*http.Response, error)
}

// ServiceFunc adapts a plain function to a Service.
type ServiceFunc func(cx *Context, req *http.Request) (*http.Response, error)

// Serve implements Service.
func (f ServiceFunc) Serve(cx *Context, req *http.Request) (*http.Response, error) {
	return f(cx, req)
}

// Layer wraps an inner Service, producing a new Service. Cross-cutting
// concerns compose by structural nesting: the first layer handed to Chain
// sees the request first and the response last.
type Layer interface {
	Wrap(inner Service) Service
}

// LayerFunc adapts a plain function to a Layer.
type LayerFunc func(inner Service) Service

// Wrap implements Layer.
func (f LayerFunc) Wrap(inner Service) Service {
	return f(inner)
}

// Chain composes layers into one. Chain(a, b, c).Wrap(s) is equivalent to
// a.Wrap(b.Wrap(c.Wrap(s))): a is outermost. Composition is associative,
// so pre-chained groups behave identically to flat chains.
func Chain(layers ...Layer) Layer {
	return LayerFunc(func(inner Service) Service {
		svc := inner
		for i := len(layers) - 1; i >= 0; i-- {
			svc = layers[i].Wrap(svc)
		}
		return svc
	})
}

// StreamService handles a raw byte-stream connection. It sits below the
// HTTP codec: TLS termination, connection tracking and the HTTP server
// loop itself are stream services.
type StreamService interface {
	ServeStream(cx *Context, conn net.Conn) error
}

// StreamServiceFunc adapts a plain function to a StreamService.
type StreamServiceFunc func(cx *Context, conn net.Conn) error

// ServeStream implements StreamService.
func (f StreamServiceFunc) ServeStream(cx *Context, conn net.Conn) error {
	return f(cx, conn)
}

// StreamLayer wraps an inner StreamService, producing a new StreamService.
type StreamLayer interface {
	WrapStream(inner StreamService) StreamService
}

// StreamLayerFunc adapts a plain function to a StreamLayer.
type StreamLayerFunc func(inner StreamService) StreamService

// WrapStream implements StreamLayer.
func (f StreamLayerFunc) WrapStream(inner StreamService) StreamService {
	return f(inner)
}

// ChainStream composes stream layers the same way Chain composes layers:
// the first layer is outermost.
func ChainStream(layers ...StreamLayer) StreamLayer {
	return StreamLayerFunc(func(inner StreamService) StreamService {
		svc := inner
		for i := len(layers) - 1; i >= 0; i-- {
			svc = layers[i].WrapStream(svc)
		}
		return svc
	})
}
