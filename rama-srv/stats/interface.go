package stats

import (
	"context"
	"time"
)

// Collector records connection-level proxy statistics. Implementations
// must be safe for concurrent use; every method may be called from many
// connection goroutines at once.
type Collector interface {
	// StartConnection records an accepted connection and returns its ID.
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	// EndConnection finalizes a connection record.
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// RecordTunnel records an established CONNECT tunnel.
	RecordTunnel(ctx context.Context, connectionID int64, target string) error
	// RecordHandshake records a completed TLS handshake.
	RecordHandshake(ctx context.Context, connectionID int64, serverName, negotiatedProtocol string) error
	// RecordError records a per-connection failure.
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Overview returns aggregate counters.
	Overview(ctx context.Context) (*OverviewStats, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// OverviewStats holds aggregate counters across all recorded connections.
type OverviewStats struct {
	TotalConnections  int64
	ActiveConnections int64
	TotalTunnels      int64
	TotalHandshakes   int64
	TotalErrors       int64
	BytesSent         int64
	BytesReceived     int64
}
