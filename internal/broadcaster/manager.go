package broadcaster

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/goevery/streamhub/internal/ierr"
	"github.com/goevery/streamhub/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

type ConnectionManager struct {
	logger        *zap.Logger
	metrics       *metrics.Metrics
	registry      *PathRegistry
	queueCapacity int

	// connection id -> *Connection
	connections sync.Map
}

func NewConnectionManager(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	registry *PathRegistry,
	queueCapacity int,
) *ConnectionManager {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	return &ConnectionManager{
		logger:        logger,
		metrics:       metrics,
		registry:      registry,
		queueCapacity: queueCapacity,
	}
}

// Connect attaches a new connection to a registered path. The metadata map is
// copied and never changes afterwards.
func (m *ConnectionManager) Connect(path string, metadata map[string]string) (*Connection, error) {
	entry, ok := m.registry.entry(path)
	if !ok {
		return nil, unknownPath(path)
	}

	kindLabel := entry.Kind.String()

	connection := newConnection("", entry, maps.Clone(metadata), m.queueCapacity)
	connection.release = func() {
		m.connections.Delete(connection.Id)
		m.metrics.Connections.WithLabelValues(kindLabel).Dec()
	}

	for {
		connection.Id = gonanoid.Must()
		if _, loaded := m.connections.LoadOrStore(connection.Id, connection); !loaded {
			break
		}
	}

	m.metrics.Connections.WithLabelValues(kindLabel).Inc()

	// The path may have been cleared since the lookup.
	if !entry.add(connection) {
		connection.close(ErrPathCleared)

		return nil, unknownPath(path)
	}

	m.logger.Debug("connection opened",
		zap.String("connectionId", connection.Id),
		zap.String("path", path),
		zap.Any("metadata", metadata))

	return connection, nil
}

// Disconnect removes a connection. Unknown or already removed ids are ignored.
func (m *ConnectionManager) Disconnect(connectionId string) {
	connection, ok := m.Get(connectionId)
	if !ok {
		return
	}

	m.evict(connection, nil)
}

func (m *ConnectionManager) evict(connection *Connection, reason error) {
	closed := connection.close(reason)
	connection.entry.remove(connection.Id)

	if !closed {
		return
	}

	if reason == nil {
		m.logger.Debug("connection closed",
			zap.String("connectionId", connection.Id),
			zap.String("path", connection.Path))

		return
	}

	m.metrics.Evicted.WithLabelValues(reasonLabel(reason)).Inc()

	m.logger.Warn("connection evicted",
		zap.String("connectionId", connection.Id),
		zap.String("path", connection.Path),
		zap.Error(reason))
}

func (m *ConnectionManager) Get(connectionId string) (*Connection, bool) {
	value, ok := m.connections.Load(connectionId)
	if !ok {
		return nil, false
	}

	return value.(*Connection), true
}

// Snapshot returns the connections currently attached to path. The returned
// slice is owned by the caller and holds no lock.
func (m *ConnectionManager) Snapshot(path string) []*Connection {
	entry, ok := m.registry.entry(path)
	if !ok {
		return nil
	}

	return entry.snapshot()
}

func (m *ConnectionManager) Count(path string) int {
	entry, ok := m.registry.entry(path)
	if !ok {
		return 0
	}

	return entry.count()
}

// Deliver enqueues frame on a single connection without blocking. A full
// queue evicts the connection.
func (m *ConnectionManager) Deliver(connection *Connection, frame *Frame) error {
	switch connection.enqueue(frame) {
	case enqueued:
		return nil
	case enqueueFull:
		m.evict(connection, ErrQueueFull)

		return ierr.New(ierr.ErrorCodeResourceExhausted, fmt.Errorf("%w: %s", ErrQueueFull, connection.Id))
	default:
		return ierr.New(ierr.ErrorCodeFailedPrecondition, fmt.Errorf("connection closed: %s", connection.Id))
	}
}

// Pump writes queued frames to sink until ctx ends or the connection is
// removed. A sink failure evicts the connection.
func (m *ConnectionManager) Pump(ctx context.Context, connection *Connection, sink Sink) error {
	err := connection.pump(ctx, sink)
	if err != nil && ctx.Err() == nil {
		return m.transportFailed(connection, err)
	}

	return nil
}

// Flush writes frames still queued on connection and returns immediately.
func (m *ConnectionManager) Flush(ctx context.Context, connection *Connection, sink Sink) error {
	err := connection.flush(ctx, sink)
	if err != nil {
		return m.transportFailed(connection, err)
	}

	return nil
}

func (m *ConnectionManager) transportFailed(connection *Connection, cause error) error {
	err := ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("%w: %w", ErrTransport, cause))
	m.evict(connection, err)

	return err
}
