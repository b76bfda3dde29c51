package proxy

import (
	"io"
	"net/http"

	"github.com/evyatark2/rama/rama-srv/service"
)

// BodyLimitLayer caps how many request body bytes any inner service may
// read. Reading past the limit fails the stream with a coded error; a
// declared Content-Length over the limit is rejected up front with 413.
// CONNECT requests carry no body and pass through untouched.
type BodyLimitLayer struct {
	MaxBytes int64
}

// Wrap implements service.Layer.
func (l *BodyLimitLayer) Wrap(inner service.Service) service.Service {
	if l.MaxBytes <= 0 {
		return inner
	}
	return service.ServiceFunc(func(cx *service.Context, req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodConnect {
			return inner.Serve(cx, req)
		}
		if req.ContentLength > l.MaxBytes {
			// The refused body is never read, so the connection cannot
			// be reused for another request.
			resp := NewErrorResponse(http.StatusRequestEntityTooLarge, ErrCodeRequestBodyTooLarge)
			resp.Close = true
			return resp, nil
		}
		if req.Body != nil && req.Body != http.NoBody {
			req.Body = &limitedBody{inner: req.Body, remaining: l.MaxBytes}
		}
		return inner.Serve(cx, req)
	})
}

type limitedBody struct {
	inner     io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		// The limit is reached; only a clean EOF is still acceptable.
		var probe [1]byte
		n, err := b.inner.Read(probe[:])
		if n > 0 {
			return 0, NewHTTPError(ErrCodeRequestBodyTooLarge, GetErrorDescription(ErrCodeRequestBodyTooLarge), nil)
		}
		return 0, err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error {
	return b.inner.Close()
}
