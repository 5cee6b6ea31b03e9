package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultKeepAliveInterval = 30 * time.Second

var errEventStreamExpired = errors.New("event stream expired")

// StreamServer serves registered raw paths, as WebSocket when the client
// asks for an upgrade and as Server-Sent Events otherwise.
type StreamServer struct {
	logger    *zap.Logger
	hub       *broadcaster.Hub
	upgrader  *websocket.Upgrader
	basePath  string
	keepAlive time.Duration
}

func NewStreamServer(
	logger *zap.Logger,
	hub *broadcaster.Hub,
	upgrader *websocket.Upgrader,
	basePath string,
	keepAlive time.Duration,
) *StreamServer {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}

	return &StreamServer{
		logger,
		hub,
		upgrader,
		strings.TrimSuffix(basePath, "/"),
		keepAlive,
	}
}

// Register adds a catch-all route. It must be registered after every other
// route.
func (s *StreamServer) Register(router *mux.Router) {
	router.PathPrefix("/").Methods("GET").HandlerFunc(s.serve)
}

func (s *StreamServer) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, s.basePath)

	streamPath, ok := s.hub.Paths.Lookup(path)
	if !ok || streamPath.Kind != broadcaster.PathKindRaw {
		http.NotFound(w, r)
		return
	}

	metadata := metadataFromQuery(r)

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, path, metadata)
		return
	}

	s.serveEvents(w, r, path, metadata)
}

func (s *StreamServer) serveWebSocket(w http.ResponseWriter, r *http.Request, path string, metadata map[string]string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer conn.Close()

	connection, err := s.hub.Connections.Connect(path, metadata)
	if err != nil {
		closeWebSocket(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer s.hub.Connections.Disconnect(connection.Id)

	logger := s.logger.With(
		zap.String("path", path),
		zap.String("connectionId", connection.Id),
		zap.String("transport", "websocket"))

	logger.Debug("stream connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(1024)

	go func() {
		defer cancel()

		for {
			_, _, err := conn.NextReader()
			if err != nil {
				return
			}
		}
	}()

	// Eviction unblocks a write stuck on a client that stopped reading.
	go func() {
		select {
		case <-ctx.Done():
		case <-connection.Done():
			if reason := connection.Err(); reason != nil {
				closeWebSocket(conn, websocket.CloseGoingAway, closeReason(reason))
				_ = conn.Close()
			}
		}
	}()

	sink := broadcaster.SinkFunc(func(ctx context.Context, frame *broadcaster.Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

		return conn.WriteMessage(websocket.TextMessage, frame.Data)
	})

	err = s.hub.Connections.Pump(ctx, connection, sink)
	if err != nil {
		logger.Debug("stream write failed", zap.Error(err))
		return
	}

	if reason := connection.Err(); reason != nil {
		closeWebSocket(conn, websocket.CloseGoingAway, closeReason(reason))
	}

	logger.Debug("stream disconnected")
}

func (s *StreamServer) serveEvents(w http.ResponseWriter, r *http.Request, path string, metadata map[string]string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connection, err := s.hub.Connections.Connect(path, metadata)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer s.hub.Connections.Disconnect(connection.Id)

	logger := s.logger.With(
		zap.String("path", path),
		zap.String("connectionId", connection.Id),
		zap.String("transport", "sse"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writer := &eventWriter{w: w, flusher: flusher, controller: http.NewResponseController(w)}

	err = writer.comment("connected")
	if err != nil {
		return
	}

	logger.Debug("stream connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-connection.Done():
			if connection.Err() != nil {
				writer.expire()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.comment("keepalive"); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = s.hub.Connections.Pump(ctx, connection, broadcaster.SinkFunc(writer.event))
	if err != nil {
		logger.Debug("stream write failed", zap.Error(err))
		return
	}

	logger.Debug("stream disconnected")
}

// eventWriter serializes writes to a Server-Sent Events response between
// the pump and the keep-alive ticker.
type eventWriter struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	flusher    http.Flusher
	controller *http.ResponseController
	expired    atomic.Bool
}

// expire fails the write in progress and every later one.
func (e *eventWriter) expire() {
	e.expired.Store(true)
	_ = e.controller.SetWriteDeadline(time.Now())
}

// begin arms the write deadline. It must be called with mu held.
func (e *eventWriter) begin() error {
	if e.expired.Load() {
		return errEventStreamExpired
	}

	_ = e.controller.SetWriteDeadline(time.Now().Add(writeTimeout))

	return nil
}

func (e *eventWriter) comment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(e.w, ": %s\n\n", text)
	if err != nil {
		return err
	}
	e.flusher.Flush()

	return nil
}

func (e *eventWriter) event(ctx context.Context, frame *broadcaster.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return err
	}

	if frame.Id != "" {
		if _, err := fmt.Fprintf(e.w, "id: %s\n", frame.Id); err != nil {
			return err
		}
	}

	if frame.Event != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", frame.Event); err != nil {
			return err
		}
	}

	for line := range strings.SplitSeq(string(frame.Data), "\n") {
		if _, err := fmt.Fprintf(e.w, "data: %s\n", line); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprint(e.w, "\n"); err != nil {
		return err
	}
	e.flusher.Flush()

	return nil
}

// metadataFromQuery keeps the first value of every query parameter.
func metadataFromQuery(r *http.Request) map[string]string {
	query := r.URL.Query()
	metadata := make(map[string]string, len(query))

	for key, values := range query {
		if len(values) > 0 {
			metadata[key] = values[0]
		}
	}

	return metadata
}

func closeReason(reason error) string {
	switch {
	case errors.Is(reason, broadcaster.ErrQueueFull):
		return "too slow"
	case errors.Is(reason, broadcaster.ErrPathCleared):
		return "path removed"
	default:
		return "closed"
	}
}

func closeWebSocket(conn *websocket.Conn, code int, text string) {
	message := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}
