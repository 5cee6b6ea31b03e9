package broadcaster

import (
	"github.com/goevery/streamhub/internal/metrics"
	"go.uber.org/zap"
)

type Options struct {
	QueueCapacity int
	MaxPathLength int
}

// Hub is the single registry instance of a process. It is created once and
// handed to every transport and handler.
type Hub struct {
	Paths       *PathRegistry
	Connections *ConnectionManager
	Engine      *Engine
}

func NewHub(logger *zap.Logger, metrics *metrics.Metrics, options Options) *Hub {
	paths := NewPathRegistry(logger.Named("paths"), metrics, options.MaxPathLength)
	connections := NewConnectionManager(logger.Named("connections"), metrics, paths, options.QueueCapacity)
	engine := NewEngine(logger.Named("engine"), metrics, paths, connections)

	return &Hub{
		Paths:       paths,
		Connections: connections,
		Engine:      engine,
	}
}
