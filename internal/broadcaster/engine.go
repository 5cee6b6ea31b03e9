package broadcaster

import (
	"context"
	"fmt"
	"sync"

	"github.com/goevery/streamhub/internal/ierr"
	"github.com/goevery/streamhub/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Engine struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *PathRegistry
	manager  *ConnectionManager

	mu       sync.RWMutex
	encoders map[PathKind]Encoder
}

func NewEngine(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	registry *PathRegistry,
	manager *ConnectionManager,
) *Engine {
	return &Engine{
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		manager:  manager,
		encoders: map[PathKind]Encoder{
			PathKindRaw:                 EncodeMessage,
			PathKindGraphQLSubscription: EncodeMessage,
		},
	}
}

// UseEncoder replaces the payload encoder for paths of kind.
func (e *Engine) UseEncoder(kind PathKind, encoder Encoder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.encoders[kind] = encoder
}

func (e *Engine) encoder(kind PathKind) Encoder {
	e.mu.RLock()
	defer e.mu.RUnlock()

	encoder, ok := e.encoders[kind]
	if !ok {
		return EncodeMessage
	}

	return encoder
}

// Broadcast enqueues payload on every connection of path whose metadata
// matches filter. It never waits on a consumer: connections whose queue is
// full count as failed and are disconnected in the background.
func (e *Engine) Broadcast(ctx context.Context, path string, payload any, filter Filter) (Result, error) {
	err := ctx.Err()
	if err != nil {
		return Result{}, err
	}

	streamPath, ok := e.registry.Lookup(path)
	if !ok {
		return Result{}, unknownPath(path)
	}

	frame, err := e.encoder(streamPath.Kind)(streamPath, gonanoid.Must(), payload)
	if err != nil {
		return Result{}, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("failed to encode payload: %w", err))
	}

	kindLabel := streamPath.Kind.String()
	e.metrics.Broadcasts.WithLabelValues(kindLabel).Inc()

	var result Result

	for _, connection := range e.manager.Snapshot(path) {
		if !MetadataMatches(connection, filter) {
			continue
		}

		switch connection.enqueue(frame) {
		case enqueued:
			result.Delivered++
		case enqueueFull:
			result.Failed++

			go e.manager.evict(connection, ErrQueueFull)
		case enqueueClosed:
			// Disconnected after the snapshot was taken.
		}
	}

	e.metrics.Delivered.WithLabelValues(kindLabel).Add(float64(result.Delivered))
	e.metrics.Failed.WithLabelValues(kindLabel).Add(float64(result.Failed))

	e.logger.Debug("broadcast",
		zap.String("path", path),
		zap.String("messageId", frame.Id),
		zap.Int("filterKeys", len(filter)),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed))

	return result, nil
}
