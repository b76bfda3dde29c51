package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/evyatark2/rama/rama-srv/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	bytes_sent BIGINT NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS tunnels (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	target TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS handshakes (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	server_name TEXT NOT NULL,
	negotiated_protocol TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at);
CREATE INDEX IF NOT EXISTS idx_tunnels_connection_id ON tunnels(connection_id);
CREATE INDEX IF NOT EXISTS idx_errors_connection_id ON errors(connection_id);
`

// PostgreSQLCollector implements Collector using PostgreSQL as the backend.
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector creates a PostgreSQL-backed statistics collector.
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres stats collector")
	return &PostgreSQLCollector{db: db}, nil
}

// StartConnection implements Collector.
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		clientIP, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection implements Collector.
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = $1, bytes_sent = $2, bytes_received = $3, duration_ms = $4, close_reason = $5
		 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordTunnel implements Collector.
func (p *PostgreSQLCollector) RecordTunnel(ctx context.Context, connectionID int64, target string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tunnels (connection_id, target, created_at) VALUES ($1, $2, $3)`,
		connectionID, target, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tunnel: %w", err)
	}
	return nil
}

// RecordHandshake implements Collector.
func (p *PostgreSQLCollector) RecordHandshake(ctx context.Context, connectionID int64, serverName, negotiatedProtocol string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO handshakes (connection_id, server_name, negotiated_protocol, created_at)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, serverName, negotiatedProtocol, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record handshake: %w", err)
	}
	return nil
}

// RecordError implements Collector.
func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, created_at)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// Overview implements Collector.
func (p *PostgreSQLCollector) Overview(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE ended_at IS NULL),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).
		Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.BytesSent, &stats.BytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection stats: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tunnels`).Scan(&stats.TotalTunnels); err != nil {
		return nil, fmt.Errorf("failed to query tunnel stats: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handshakes`).Scan(&stats.TotalHandshakes); err != nil {
		return nil, fmt.Errorf("failed to query handshake stats: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to query error stats: %w", err)
	}
	return stats, nil
}

// HealthCheck implements Collector.
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close implements Collector.
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
