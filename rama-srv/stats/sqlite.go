package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evyatark2/rama/rama-srv/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ip TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS tunnels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	target TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS handshakes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	server_name TEXT NOT NULL,
	negotiated_protocol TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at);
CREATE INDEX IF NOT EXISTS idx_tunnels_connection_id ON tunnels(connection_id);
CREATE INDEX IF NOT EXISTS idx_errors_connection_id ON errors(connection_id);
`

// SQLiteCollector implements Collector using SQLite as the backend.
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector creates a SQLite-backed statistics collector.
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// WAL mode for better concurrency with many connection goroutines.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite stats collector at %s", dbPath)
	return &SQLiteCollector{db: db}, nil
}

// StartConnection implements Collector.
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return result.LastInsertId()
}

// EndConnection implements Collector.
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordTunnel implements Collector.
func (s *SQLiteCollector) RecordTunnel(ctx context.Context, connectionID int64, target string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tunnels (connection_id, target, created_at) VALUES (?, ?, ?)`,
		connectionID, target, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tunnel: %w", err)
	}
	return nil
}

// RecordHandshake implements Collector.
func (s *SQLiteCollector) RecordHandshake(ctx context.Context, connectionID int64, serverName, negotiatedProtocol string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handshakes (connection_id, server_name, negotiated_protocol, created_at)
		 VALUES (?, ?, ?, ?)`,
		connectionID, serverName, negotiatedProtocol, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record handshake: %w", err)
	}
	return nil
}

// RecordError implements Collector.
func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, created_at)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// Overview implements Collector.
func (s *SQLiteCollector) Overview(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE ended_at IS NULL),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).
		Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.BytesSent, &stats.BytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tunnels`).Scan(&stats.TotalTunnels); err != nil {
		return nil, fmt.Errorf("failed to query tunnel stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handshakes`).Scan(&stats.TotalHandshakes); err != nil {
		return nil, fmt.Errorf("failed to query handshake stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to query error stats: %w", err)
	}
	return stats, nil
}

// HealthCheck implements Collector.
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Collector.
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
