package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// halfCloser lets one relay direction signal EOF to its peer without
// tearing down the other direction. *net.TCPConn and *tls.Conn both
// implement it.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		if err := hc.CloseWrite(); err != nil && !isClosedConnError(err) {
			logger.Debug("CloseWrite failed: %v", err)
		}
		return
	}
	// No half-close support, fall back to a full close so the peer's read
	// unblocks.
	_ = conn.Close()
}

// Relay copies bytes between client and target in both directions until
// both sides have finished or ctx is cancelled. EOF on one direction
// half-closes the opposite peer; cancellation force-closes both
// connections so the copies unblock. Expected disconnect noise is
// swallowed, real relay failures are returned.
func Relay(ctx context.Context, client, target net.Conn) (sent, received int64, err error) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	var relayErr atomic.Value

	go func() {
		defer wg.Done()
		n, copyErr := io.Copy(target, client)
		atomic.AddInt64(&sent, n)
		if copyErr != nil && !isClosedConnError(copyErr) {
			logger.Warn("Tunnel copy error (client to target): %v", copyErr)
			relayErr.Store(NewUpgradeError(ErrCodeTunnelRelayFailed, GetErrorDescription(ErrCodeTunnelRelayFailed), copyErr))
		}
		closeWrite(target)
	}()

	go func() {
		defer wg.Done()
		n, copyErr := io.Copy(client, target)
		atomic.AddInt64(&received, n)
		if copyErr != nil && !isClosedConnError(copyErr) {
			logger.Warn("Tunnel copy error (target to client): %v", copyErr)
			relayErr.Store(NewUpgradeError(ErrCodeTunnelRelayFailed, GetErrorDescription(ErrCodeTunnelRelayFailed), copyErr))
		}
		closeWrite(client)
	}()

	// Force-close both ends on cancellation so blocked copies return.
	go func() {
		<-relayCtx.Done()
		_ = client.Close()
		_ = target.Close()
	}()

	wg.Wait()

	if stored := relayErr.Load(); stored != nil {
		return atomic.LoadInt64(&sent), atomic.LoadInt64(&received), stored.(error)
	}
	return atomic.LoadInt64(&sent), atomic.LoadInt64(&received), nil
}

// TunnelService dials the validated request target through the configured
// forwards and relays raw bytes between client and upstream. It is the
// stream side of a CONNECT upgrade: by the time it runs, the 200 response
// has already been flushed.
type TunnelService struct {
	Dialer *Dialer
	Stats  StatsRecorder
}

// ServeStream implements service.StreamService.
func (t *TunnelService) ServeStream(cx *service.Context, conn net.Conn) error {
	target, ok := service.Get[Target](cx.Extensions())
	if !ok {
		return NewUpgradeError(ErrCodeUpgradeTargetInvalid, GetErrorDescription(ErrCodeUpgradeTargetInvalid), nil)
	}

	upstream, err := t.Dialer.DialContext(cx.Context(), target.Addr())
	if err != nil {
		logger.Error("%s", logger.WithConnID(cx.Conn().ID, "Failed to dial tunnel target %s: %v", target.Addr(), err))
		return NewUpgradeError(ErrCodeTunnelDialFailed, GetErrorDescription(ErrCodeTunnelDialFailed), err)
	}
	defer func() {
		if closeErr := upstream.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Debug("Error closing upstream connection: %v", closeErr)
		}
	}()

	if t.Stats != nil {
		t.Stats.TunnelEstablished(cx, target.Addr())
	}

	logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "Tunnel established to %s", target.Addr()))
	sent, received, err := Relay(cx.Context(), conn, upstream)
	logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "Tunnel to %s closed (sent=%d, received=%d)", target.Addr(), sent, received))

	if t.Stats != nil {
		t.Stats.TunnelClosed(cx, sent, received)
	}
	return err
}
