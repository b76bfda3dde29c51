package proxy

import (
	"crypto/tls"
	"net"

	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// ServerConfigProvider picks the TLS server configuration for a handshake
// after inspecting the ClientHello. Returning (nil, nil) keeps the
// acceptor's default configuration; returning an error aborts the
// handshake before anything is committed to the wire.
type ServerConfigProvider interface {
	ServerConfig(hello ClientHello) (*tls.Config, error)
}

// ServerConfigProviderFunc adapts a plain function to a
// ServerConfigProvider.
type ServerConfigProviderFunc func(hello ClientHello) (*tls.Config, error)

// ServerConfig implements ServerConfigProvider.
func (f ServerConfigProviderFunc) ServerConfig(hello ClientHello) (*tls.Config, error) {
	return f(hello)
}

// TLSAcceptorLayer terminates TLS in front of the inner stream service.
// The ClientHello is parsed before any server parameters are committed, so
// the provider can select certificates and ALPN per connection, and the
// parsed hello can be stashed into the connection extensions for later
// pipeline stages.
type TLSAcceptorLayer struct {
	// Default is the configuration used when Provider is nil or declines.
	Default *tls.Config
	// Provider, when set, is consulted per handshake with the parsed hello.
	Provider ServerConfigProvider
	// StoreClientHello inserts the hello snapshot into the connection
	// extensions. Independent of Provider; either works without the other.
	StoreClientHello bool
}

// WrapStream implements service.StreamLayer.
func (l *TLSAcceptorLayer) WrapStream(inner service.StreamService) service.StreamService {
	return service.StreamServiceFunc(func(cx *service.Context, conn net.Conn) error {
		base := l.Default
		if base == nil {
			base = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			base = base.Clone()
		}

		// GetConfigForClient runs after the hello is fully parsed but
		// before the server commits to any handshake parameters, which is
		// exactly the window where inspection and config selection must
		// happen.
		base.GetConfigForClient = func(info *tls.ClientHelloInfo) (*tls.Config, error) {
			hello := NewClientHello(info)
			if l.StoreClientHello {
				service.Insert(cx.Extensions(), hello)
			}
			if l.Provider == nil {
				return nil, nil
			}
			cfg, err := l.Provider.ServerConfig(hello)
			if err != nil {
				return nil, NewTLSError(ErrCodeConfigProviderFailed, GetErrorDescription(ErrCodeConfigProviderFailed), err)
			}
			return cfg, nil
		}

		tlsConn := tls.Server(conn, base)
		if err := tlsConn.HandshakeContext(cx.Context()); err != nil {
			logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "TLS handshake failed: %v", err))
			return NewTLSError(ErrCodeTLSHandshakeFailed, GetErrorDescription(ErrCodeTLSHandshakeFailed), err)
		}

		state := tlsConn.ConnectionState()
		service.Insert(cx.Extensions(), state)
		logger.Debug("%s", logger.WithConnID(cx.Conn().ID, "TLS established: sni=%q alpn=%q version=%04x",
			state.ServerName, state.NegotiatedProtocol, state.Version))

		return inner.ServeStream(cx, tlsConn)
	})
}
