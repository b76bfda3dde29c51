package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// ConnTaker hands the raw connection out of the HTTP codec loop exactly
// once. Bytes the codec has already buffered past the current request are
// preserved by wrapping the connection, so an upgraded stream never loses
// data the client sent early.
type ConnTaker struct {
	conn   net.Conn
	reader *bufio.Reader
	taken  bool
}

// Take marks the connection as taken over and returns it. Buffered bytes
// are replayed ahead of fresh reads. A second call fails.
func (t *ConnTaker) Take() (net.Conn, error) {
	if t.taken {
		return nil, fmt.Errorf("connection already taken over")
	}
	t.taken = true
	if t.reader != nil && t.reader.Buffered() > 0 {
		buffered, err := t.reader.Peek(t.reader.Buffered())
		if err != nil {
			return nil, fmt.Errorf("draining buffered bytes: %w", err)
		}
		buf := make([]byte, len(buffered))
		copy(buf, buffered)
		return &bufferConn{Conn: t.conn, buf: buf}, nil
	}
	return t.conn, nil
}

// Taken reports whether the connection has been taken over.
func (t *ConnTaker) Taken() bool {
	return t.taken
}

// bufferConn replays already-read bytes before the underlying connection.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

// HTTPServer runs an HTTP/1.1 serving loop over a raw connection. It is
// the codec boundary of the pipeline: below it streams, above it requests.
// Handler errors become 502 responses; a nil response with nil error means
// the handler took the connection over and the loop stops.
type HTTPServer struct {
	Handler service.Service
	// ReadTimeout bounds reading a single request's header. Zero means no
	// limit.
	ReadTimeout time.Duration
}

// ServeStream implements service.StreamService.
func (s *HTTPServer) ServeStream(cx *service.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	taker := &ConnTaker{conn: conn, reader: reader}
	service.Insert(cx.Extensions(), taker)

	// A blocked request read must still observe shutdown. Expiring the
	// read deadline wakes the loop without tearing the socket away from
	// a response write in flight.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-cx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		select {
		case <-cx.Done():
			return nil
		default:
		}

		// Request-scoped values cached during the previous request must
		// not leak into the next one on the same connection.
		service.Remove[Target](cx.Extensions())
		service.Remove[AuthUser](cx.Extensions())

		if s.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
				return NewConnectionError(ErrCodeConnectionFailed, GetErrorDescription(ErrCodeConnectionFailed), err)
			}
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) || isClosedConnError(err) {
				return nil
			}
			logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "Failed to read request: %v", err))
			resp := NewErrorResponse(http.StatusBadRequest, ErrCodeHTTPRequestReadFailed)
			_ = writeResponse(conn, resp)
			return NewHTTPError(ErrCodeHTTPRequestReadFailed, GetErrorDescription(ErrCodeHTTPRequestReadFailed), err)
		}
		if s.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return NewConnectionError(ErrCodeConnectionFailed, GetErrorDescription(ErrCodeConnectionFailed), err)
			}
		}

		req = req.WithContext(cx.Context())

		resp, err := s.Handler.Serve(cx, req)
		if err != nil {
			logger.Error("%s", logger.WithConnID(cx.Conn().ID, "Handler error for %s %s: %v", req.Method, req.URL, err))
			resp = NewBadGatewayResponse(proxyErrorCode(err))
		}

		if resp == nil {
			// Connection taken over; nothing more to write here.
			return nil
		}

		closing := req.Close || resp.Close || wantsClose(req)
		if closing {
			resp.Close = true
		} else if req.Body != nil {
			// Drain the leftover body so the next request starts at a
			// message boundary. A closing connection skips this, and
			// must skip Close too: closing an unread body consumes the
			// remainder, which is exactly the read a refused over-limit
			// body must never get.
			_, _ = io.Copy(io.Discard, req.Body)
			_ = req.Body.Close()
		}

		if err := writeResponse(conn, resp); err != nil {
			return NewHTTPError(ErrCodeHTTPResponseWriteFailed, GetErrorDescription(ErrCodeHTTPResponseWriteFailed), err)
		}

		if closing {
			return nil
		}
	}
}

func wantsClose(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Proxy-Connection"), "close") {
		return true
	}
	return strings.EqualFold(req.Header.Get("Connection"), "close")
}

func writeResponse(conn net.Conn, resp *http.Response) error {
	err := resp.Write(conn)
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	return err
}

func proxyErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ErrCodeUnexpectedError
}
