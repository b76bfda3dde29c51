package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DummyCollector discards every event. Used when statistics are disabled.
type DummyCollector struct {
	nextID atomic.Int64
}

// NewDummyCollector creates a collector that records nothing.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection implements Collector.
func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return d.nextID.Add(1), nil
}

// EndConnection implements Collector.
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

// RecordTunnel implements Collector.
func (d *DummyCollector) RecordTunnel(ctx context.Context, connectionID int64, target string) error {
	return nil
}

// RecordHandshake implements Collector.
func (d *DummyCollector) RecordHandshake(ctx context.Context, connectionID int64, serverName, negotiatedProtocol string) error {
	return nil
}

// RecordError implements Collector.
func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

// Overview implements Collector.
func (d *DummyCollector) Overview(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

// HealthCheck implements Collector.
func (d *DummyCollector) HealthCheck(ctx context.Context) error { return nil }

// Close implements Collector.
func (d *DummyCollector) Close() error { return nil }

// MemoryCollector keeps aggregate counters in process memory. Useful for
// tests and deployments that only want the overview numbers.
type MemoryCollector struct {
	mu     sync.Mutex
	nextID int64
	stats  OverviewStats
}

// NewMemoryCollector creates an in-memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

// StartConnection implements Collector.
func (m *MemoryCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.stats.TotalConnections++
	m.stats.ActiveConnections++
	return m.nextID, nil
}

// EndConnection implements Collector.
func (m *MemoryCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.ActiveConnections > 0 {
		m.stats.ActiveConnections--
	}
	m.stats.BytesSent += bytesSent
	m.stats.BytesReceived += bytesReceived
	return nil
}

// RecordTunnel implements Collector.
func (m *MemoryCollector) RecordTunnel(ctx context.Context, connectionID int64, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalTunnels++
	return nil
}

// RecordHandshake implements Collector.
func (m *MemoryCollector) RecordHandshake(ctx context.Context, connectionID int64, serverName, negotiatedProtocol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalHandshakes++
	return nil
}

// RecordError implements Collector.
func (m *MemoryCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalErrors++
	return nil
}

// Overview implements Collector.
func (m *MemoryCollector) Overview(ctx context.Context) (*OverviewStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.stats
	return &snapshot, nil
}

// HealthCheck implements Collector.
func (m *MemoryCollector) HealthCheck(ctx context.Context) error { return nil }

// Close implements Collector.
func (m *MemoryCollector) Close() error { return nil }
