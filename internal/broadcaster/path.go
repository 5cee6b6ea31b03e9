package broadcaster

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goevery/streamhub/internal/ierr"
	"github.com/goevery/streamhub/internal/metrics"
	"go.uber.org/zap"
)

const DefaultMaxPathLength = 512

type PathKind int

const (
	PathKindRaw PathKind = iota
	PathKindGraphQLSubscription
)

func (k PathKind) String() string {
	switch k {
	case PathKindRaw:
		return "raw"
	case PathKindGraphQLSubscription:
		return "graphql_subscription"
	default:
		return "unknown"
	}
}

func (k PathKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type StreamPath struct {
	Path       string    `json:"path"`
	Kind       PathKind  `json:"kind"`
	OwnerId    string    `json:"ownerId"`
	CreateTime time.Time `json:"createTime"`
}

// pathEntry holds the connection set of one path. Each entry has its own
// lock so that traffic on unrelated paths never contends.
type pathEntry struct {
	StreamPath

	mu          sync.RWMutex
	connections map[string]*Connection
	closed      bool
}

func (e *pathEntry) add(connection *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}

	// Disconnected by id before it was attached.
	select {
	case <-connection.done:
		return false
	default:
	}

	e.connections[connection.Id] = connection

	return true
}

func (e *pathEntry) remove(connectionId string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.connections, connectionId)
}

func (e *pathEntry) snapshot() []*Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()

	connections := make([]*Connection, 0, len(e.connections))
	for _, connection := range e.connections {
		connections = append(connections, connection)
	}

	return connections
}

func (e *pathEntry) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.connections)
}

// close detaches every connection and refuses new ones.
func (e *pathEntry) close() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	connections := make([]*Connection, 0, len(e.connections))
	for _, connection := range e.connections {
		connections = append(connections, connection)
	}
	clear(e.connections)

	return connections
}

type PathRegistry struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	maxLength int

	mu    sync.RWMutex
	paths map[string]*pathEntry
}

func NewPathRegistry(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	maxLength int,
) *PathRegistry {
	if maxLength <= 0 {
		maxLength = DefaultMaxPathLength
	}

	return &PathRegistry{
		logger:    logger,
		metrics:   metrics,
		maxLength: maxLength,
		paths:     make(map[string]*pathEntry),
	}
}

func (r *PathRegistry) Validate(path string) error {
	if !strings.HasPrefix(path, "/") {
		return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: must start with /", ErrInvalidPath))
	}

	if len(path) > r.maxLength {
		return ierr.New(ierr.ErrorCodeInvalidArgument,
			fmt.Errorf("%w: %d bytes, limit is %d", ErrPathTooLong, len(path), r.maxLength))
	}

	if strings.ContainsAny(path, "?# \t\r\n") {
		return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: contains reserved characters", ErrInvalidPath))
	}

	return nil
}

// Register records path for ownerId. Registering an existing path again is a
// no-op and keeps its connections and original owner.
func (r *PathRegistry) Register(path string, kind PathKind, ownerId string) error {
	err := r.Validate(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.paths[path]; ok {
		if existing.Kind != kind {
			return ierr.New(ierr.ErrorCodeAlreadyExists,
				fmt.Errorf("%w: %s is %s", ErrPathKind, path, existing.Kind))
		}

		if existing.OwnerId != ownerId {
			r.logger.Debug("path already registered by another owner",
				zap.String("path", path),
				zap.String("ownerId", existing.OwnerId),
				zap.String("requestedBy", ownerId))
		}

		return nil
	}

	r.paths[path] = &pathEntry{
		StreamPath: StreamPath{
			Path:       path,
			Kind:       kind,
			OwnerId:    ownerId,
			CreateTime: time.Now(),
		},
		connections: make(map[string]*Connection),
	}

	r.metrics.Paths.WithLabelValues(kind.String()).Inc()

	r.logger.Info("path registered",
		zap.String("path", path),
		zap.Stringer("kind", kind),
		zap.String("ownerId", ownerId))

	return nil
}

func (r *PathRegistry) Lookup(path string) (StreamPath, bool) {
	entry, ok := r.entry(path)
	if !ok {
		return StreamPath{}, false
	}

	return entry.StreamPath, true
}

func (r *PathRegistry) entry(path string) (*pathEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.paths[path]

	return entry, ok
}

func (r *PathRegistry) List() []StreamPath {
	r.mu.RLock()

	paths := make([]StreamPath, 0, len(r.paths))
	for _, entry := range r.paths {
		paths = append(paths, entry.StreamPath)
	}

	r.mu.RUnlock()

	slices.SortFunc(paths, func(a, b StreamPath) int {
		return strings.Compare(a.Path, b.Path)
	})

	return paths
}

// ClearAllForScript removes every path owned by ownerId and closes all of
// their connections. It returns the number of removed paths.
func (r *PathRegistry) ClearAllForScript(ownerId string) int {
	r.mu.Lock()

	var removed []*pathEntry
	for path, entry := range r.paths {
		if entry.OwnerId == ownerId {
			removed = append(removed, entry)
			delete(r.paths, path)
		}
	}

	r.mu.Unlock()

	disconnected := 0
	for _, entry := range removed {
		r.metrics.Paths.WithLabelValues(entry.Kind.String()).Dec()

		for _, connection := range entry.close() {
			if connection.close(ErrPathCleared) {
				r.metrics.Evicted.WithLabelValues(reasonLabel(ErrPathCleared)).Inc()
				disconnected++
			}
		}
	}

	if len(removed) > 0 {
		r.logger.Info("paths cleared for script",
			zap.String("ownerId", ownerId),
			zap.Int("paths", len(removed)),
			zap.Int("connections", disconnected))
	}

	return len(removed)
}
