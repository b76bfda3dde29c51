package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/graceful"
	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
	"github.com/evyatark2/rama/rama-srv/stats"
)

// StatsConnID carries the statistics connection identifier through the
// extensions so any pipeline stage can record against it.
type StatsConnID int64

// TunnelBytes accumulates the byte totals of every tunnel relayed over a
// connection. The closing connection record reads it back.
type TunnelBytes struct {
	Sent     int64
	Received int64
}

// StatsRecorder is the narrow statistics surface tunnel and pipeline code
// records through.
type StatsRecorder interface {
	TunnelEstablished(cx *service.Context, target string)
	TunnelClosed(cx *service.Context, sent, received int64)
}

// collectorRecorder records through a stats.Collector, resolving the
// connection identifier from the extensions.
type collectorRecorder struct {
	collector stats.Collector
}

func (r *collectorRecorder) connID(cx *service.Context) int64 {
	if id, ok := service.Get[StatsConnID](cx.Extensions()); ok {
		return int64(id)
	}
	return 0
}

func (r *collectorRecorder) TunnelEstablished(cx *service.Context, target string) {
	if err := r.collector.RecordTunnel(cx.Context(), r.connID(cx), target); err != nil {
		logger.Error("Failed to record tunnel: %v", err)
	}
}

func (r *collectorRecorder) TunnelClosed(cx *service.Context, sent, received int64) {
	if totals, ok := service.Get[*TunnelBytes](cx.Extensions()); ok {
		totals.Sent += sent
		totals.Received += received
		return
	}
	service.Insert(cx.Extensions(), &TunnelBytes{Sent: sent, Received: received})
}

// Proxy owns the compiled pipelines, the shared dialer, statistics and the
// shutdown coordinator for every configured listener.
type Proxy struct {
	config    *config.Config
	rules     map[string]service.Matcher
	dialer    *Dialer
	certStore *CertStore
	collector stats.Collector
	shutdown  *graceful.Shutdown
	servers   []*Server
	nextConn  atomic.Int64
}

// Server is one configured listener with its assembled stream pipeline.
type Server struct {
	proxy     *Proxy
	cfg       config.ServerConfig
	stream    service.StreamService
	listener  net.Listener
	connLimit chan struct{}
}

// NewProxy compiles configuration into a runnable proxy.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	p := &Proxy{
		config:   cfg,
		shutdown: graceful.New(nil),
	}

	rules, err := CompileRulesMap(cfg.Rules)
	if err != nil {
		return nil, err
	}
	p.rules = rules

	p.dialer, err = NewDialer(cfg, rules)
	if err != nil {
		return nil, err
	}

	p.collector, err = stats.NewCollector(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Interception.Enabled {
		if cfg.Interception.CAFile == "" || cfg.Interception.CAKeyFile == "" {
			return nil, NewProxyError(ErrCodeInvalidCAFile, GetErrorDescription(ErrCodeInvalidCAFile), fmt.Errorf("interception requires ca-file and ca-key-file"))
		}
		p.certStore, err = NewCertStoreFromFiles(cfg.Interception.CAFile, cfg.Interception.CAKeyFile)
		if err != nil {
			return nil, err
		}
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}
		server, err := p.buildServer(serverCfg)
		if err != nil {
			return nil, err
		}
		p.servers = append(p.servers, server)
	}

	if len(p.servers) == 0 {
		return nil, NewProxyError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}
	return p, nil
}

// buildServer assembles the request and stream pipelines for one listener.
func (p *Proxy) buildServer(serverCfg config.ServerConfig) (*Server, error) {
	recorder := &collectorRecorder{collector: p.collector}

	tunnel := &TunnelService{Dialer: p.dialer, Stats: recorder}
	upgrade := &UpgradeLayer{
		Matcher: ConnectMatcher(),
		Tunnel:  tunnel,
	}

	layers := []service.Layer{TraceLayer{}}
	if auth := NewProxyAuthLayer(p.config.Auth); auth != nil {
		layers = append(layers, auth)
	}
	layers = append(layers,
		&BodyLimitLayer{MaxBytes: p.config.MaxRequestBodyBytes},
		upgrade,
	)
	handler := service.Chain(layers...).Wrap(NewPlainProxyService(p.dialer, time.Duration(p.config.TimeoutSeconds)*time.Second))

	httpServer := &HTTPServer{
		Handler:     handler,
		ReadTimeout: time.Duration(p.config.TimeoutSeconds) * time.Second,
	}

	var stream service.StreamService = httpServer
	switch serverCfg.Type {
	case config.ProxyTypeStandard:
	case config.ProxyTypeTLS:
		acceptor, err := p.buildTLSAcceptor()
		if err != nil {
			return nil, err
		}
		stream = service.ChainStream(acceptor).WrapStream(stream)
	default:
		return nil, NewProxyError(ErrCodeUnknownProxyType, GetErrorDescription(ErrCodeUnknownProxyType), fmt.Errorf("type %q", serverCfg.Type))
	}

	server := &Server{
		proxy:  p,
		cfg:    serverCfg,
		stream: stream,
	}
	if serverCfg.MaxConnections > 0 {
		server.connLimit = make(chan struct{}, serverCfg.MaxConnections)
	}
	return server, nil
}

// buildTLSAcceptor wires the TLS termination layer: a static certificate
// as the default when configured, and the minting cert store as the
// per-SNI provider when interception is enabled.
func (p *Proxy) buildTLSAcceptor() (*TLSAcceptorLayer, error) {
	acceptor := &TLSAcceptorLayer{
		StoreClientHello: p.config.Interception.StoreClientHello,
	}

	if p.config.TLS.CertFile != "" && p.config.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLS.CertFile, p.config.TLS.KeyFile)
		if err != nil {
			return nil, NewTLSError(ErrCodeX509KeyPairFailed, GetErrorDescription(ErrCodeX509KeyPairFailed), err)
		}
		acceptor.Default = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	if p.certStore != nil {
		acceptor.Provider = p.certStore
	}

	if acceptor.Default == nil && acceptor.Provider == nil {
		return nil, NewProxyError(ErrCodeInvalidServerConfig, GetErrorDescription(ErrCodeInvalidServerConfig),
			fmt.Errorf("tls server needs a certificate or enabled interception"))
	}
	return acceptor, nil
}

// Start creates all listeners and spawns their accept loops. It returns
// once every listener is bound; serving continues until Stop.
func (p *Proxy) Start() error {
	for _, server := range p.servers {
		listener, err := net.Listen("tcp", server.cfg.ListenAddress)
		if err != nil {
			return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed), err)
		}
		server.listener = listener
		logger.Info("Starting %s proxy server on %s", server.cfg.Type, listener.Addr())
		srv := server
		p.shutdown.SpawnTaskFn(func(g graceful.Guard) {
			srv.acceptLoop(g)
		})
	}
	return nil
}

// ListenAddr returns the bound address of the i-th started server.
func (p *Proxy) ListenAddr(i int) net.Addr {
	if i < 0 || i >= len(p.servers) || p.servers[i].listener == nil {
		return nil
	}
	return p.servers[i].listener.Addr()
}

// Stop drains all connections within the configured shutdown limit and
// closes the statistics collector. The returned duration is how long the
// drain took.
func (p *Proxy) Stop() (time.Duration, error) {
	limit := time.Duration(p.config.ShutdownLimitSeconds) * time.Second
	logger.Info("Shutting down proxy (limit %s)", limit)
	elapsed, err := p.shutdown.ShutdownWithLimit(limit)
	if closeErr := p.collector.Close(); closeErr != nil {
		logger.Error("Failed to close statistics collector: %v", closeErr)
	}
	if err != nil {
		logger.Warn("Shutdown incomplete after %s: %v", elapsed, err)
	} else {
		logger.Info("Shutdown complete in %s", elapsed)
	}
	return elapsed, err
}

// acceptLoop accepts connections until shutdown closes the listener.
func (s *Server) acceptLoop(g graceful.Guard) {
	// Closing the listener is what unblocks Accept on shutdown.
	go func() {
		<-g.Done()
		if err := s.listener.Close(); err != nil && !isClosedConnError(err) {
			logger.Error("Error closing listener: %v", err)
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}

		if s.connLimit != nil {
			select {
			case s.connLimit <- struct{}{}:
			default:
				logger.Warn("Connection limit reached on %s, rejecting %s", s.cfg.ListenAddress, conn.RemoteAddr())
				_ = conn.Close()
				continue
			}
		}

		guard := s.proxy.shutdown.Guard()
		go func() {
			defer guard.Release()
			if s.connLimit != nil {
				defer func() { <-s.connLimit }()
			}
			s.handleConn(guard, conn)
		}()
	}
}

// handleConn runs the stream pipeline for one accepted connection.
func (s *Server) handleConn(g graceful.Guard, conn net.Conn) {
	start := time.Now()
	connID := s.proxy.nextConn.Add(1)
	defer func() {
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			logger.Error("%s", logger.WithConnID(connID, "Error closing connection: %v", err))
		}
	}()

	cx := service.NewContext(g.Context(), service.ConnInfo{
		ID:         connID,
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
	})

	statsID, err := s.proxy.collector.StartConnection(cx.Context(), cx.Conn().ClientIP(), "", 0, string(s.cfg.Type))
	if err != nil {
		logger.Error("%s", logger.WithConnID(connID, "Failed to record connection start: %v", err))
	} else {
		service.Insert(cx.Extensions(), StatsConnID(statsID))
	}

	logger.Debug("%s", logger.WithConnID(connID, "Accepted connection from %s", conn.RemoteAddr()))

	closeReason := "ok"
	serveErr := s.stream.ServeStream(cx, conn)
	if serveErr != nil {
		closeReason = proxyErrorCode(serveErr)
		logger.Debug("%s", logger.WithConnID(connID, "Connection ended with error: %v", serveErr))
	}

	// Teardown records must survive a cancelled shutdown context.
	recordCtx := context.Background()
	if statsID > 0 {
		if serveErr != nil {
			if recErr := s.proxy.collector.RecordError(recordCtx, statsID, closeReason, serveErr.Error()); recErr != nil {
				logger.Error("%s", logger.WithConnID(connID, "Failed to record error: %v", recErr))
			}
		}
		if state, ok := service.Get[tls.ConnectionState](cx.Extensions()); ok {
			if recErr := s.proxy.collector.RecordHandshake(recordCtx, statsID, state.ServerName, state.NegotiatedProtocol); recErr != nil {
				logger.Error("%s", logger.WithConnID(connID, "Failed to record handshake: %v", recErr))
			}
		}
		var bytesSent, bytesReceived int64
		if totals, ok := service.Get[*TunnelBytes](cx.Extensions()); ok {
			bytesSent, bytesReceived = totals.Sent, totals.Received
		}
		if endErr := s.proxy.collector.EndConnection(recordCtx, statsID, bytesSent, bytesReceived, time.Since(start), closeReason); endErr != nil {
			logger.Error("%s", logger.WithConnID(connID, "Failed to record connection end: %v", endErr))
		}
	}
}

// Overview exposes collector statistics, e.g. for the probe tool.
func (p *Proxy) Overview() (*stats.OverviewStats, error) {
	return p.collector.Overview(context.Background())
}
