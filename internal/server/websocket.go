package server

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/graphql"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInitTimeout = 10 * time.Second

	graphqlReadLimit = 64 * 1024
	writeTimeout     = 10 * time.Second
)

// WebSocketServer serves native GraphQL subscriptions over the
// graphql-transport-ws subprotocol.
type WebSocketServer struct {
	logger      *zap.Logger
	upgrader    *websocket.Upgrader
	bridge      *graphql.Bridge
	initTimeout time.Duration
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	bridge *graphql.Bridge,
	initTimeout time.Duration,
) *WebSocketServer {
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	return &WebSocketServer{
		logger,
		upgrader,
		bridge,
		initTimeout,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/graphql/ws", s.serve).Methods("GET")
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := *s.upgrader
	upgrader.Subprotocols = []string{GraphQLTransportWS}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if conn.Subprotocol() != GraphQLTransportWS {
		closeWebSocket(conn, websocket.CloseProtocolError, "subprotocol not acceptable")
		return
	}

	conn.SetReadLimit(graphqlReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := &socketSession{
		logger:     s.logger.With(zap.String("remoteAddr", r.RemoteAddr)),
		bridge:     s.bridge,
		conn:       conn,
		metadata:   metadataFromQuery(r),
		operations: make(map[string]*operation),
	}

	initTimer := time.AfterFunc(s.initTimeout, func() {
		if !session.initialized.Load() {
			closeWebSocket(conn, CloseInitTimeout, "Connection initialisation timeout")
			_ = conn.Close()
		}
	})
	defer initTimer.Stop()

	stopOnShutdown := context.AfterFunc(r.Context(), func() {
		closeWebSocket(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
	})

	session.logger.Debug("graphql socket connected")

	session.run(ctx)

	stopOnShutdown()
	cancel()
	_ = session.group.Wait()

	session.logger.Debug("graphql socket closed")
}

type socketSession struct {
	logger *zap.Logger
	bridge *graphql.Bridge
	conn   *websocket.Conn

	writeMu     sync.Mutex
	initialized atomic.Bool
	metadata    map[string]string

	mu         sync.Mutex
	operations map[string]*operation
	group      errgroup.Group
}

type operation struct {
	cancel context.CancelFunc
}

func (s *socketSession) run(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var message Message
		err = json.Unmarshal(data, &message)
		if err != nil || message.Type == "" || (message.RequiresId() && message.Id == "") {
			closeWebSocket(s.conn, CloseInvalidMessage, "Invalid message received")
			return
		}

		code, reason := s.handle(ctx, message)
		if code != 0 {
			closeWebSocket(s.conn, code, reason)
			return
		}
	}
}

// handle returns a non-zero close code when the socket must be closed.
func (s *socketSession) handle(ctx context.Context, message Message) (int, string) {
	switch message.Type {
	case MessageTypeConnectionInit:
		if s.initialized.Load() {
			return CloseTooManyInitRequests, "Too many initialisation requests"
		}

		err := s.mergeInitPayload(message.Payload)
		if err != nil {
			return CloseInvalidMessage, "Invalid connection_init payload"
		}

		s.initialized.Store(true)

		return s.closeOnWriteError(s.write(Message{Type: MessageTypeConnectionAck}))

	case MessageTypePing:
		return s.closeOnWriteError(s.write(Message{Type: MessageTypePong}))

	case MessageTypePong:
		return 0, ""

	case MessageTypeSubscribe:
		if !s.initialized.Load() {
			return CloseUnauthorized, "Unauthorized"
		}

		var request graphql.Request
		err := json.Unmarshal(message.Payload, &request)
		if err != nil || request.Query == "" {
			return CloseInvalidMessage, "Invalid subscribe payload"
		}
		request.Metadata = maps.Clone(s.metadata)

		if !s.start(ctx, message.Id, request) {
			return CloseSubscriberExists, "Subscriber for " + message.Id + " already exists"
		}

		return 0, ""

	case MessageTypeComplete:
		s.stop(message.Id)

		return 0, ""

	default:
		return CloseInvalidMessage, "Invalid message received"
	}
}

func (s *socketSession) mergeInitPayload(payload json.RawMessage) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}

	var fields map[string]any
	err := json.Unmarshal(payload, &fields)
	if err != nil {
		return err
	}

	for key, value := range fields {
		if text, ok := value.(string); ok {
			s.metadata[key] = text
		}
	}

	return nil
}

func (s *socketSession) start(ctx context.Context, id string, request graphql.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.operations[id]; exists {
		return false
	}

	operationCtx, cancel := context.WithCancel(ctx)
	op := &operation{cancel}
	s.operations[id] = op

	s.group.Go(func() error {
		defer s.finish(id, op)

		s.subscribe(operationCtx, id, request)

		return nil
	})

	return true
}

// stop ends the operation the client completed.
func (s *socketSession) stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op, ok := s.operations[id]; ok {
		op.cancel()
		delete(s.operations, id)
	}
}

// finish releases op once it ended. The id may already belong to a newer
// operation.
func (s *socketSession) finish(id string, op *operation) {
	op.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.operations[id] == op {
		delete(s.operations, id)
	}
}

func (s *socketSession) subscribe(ctx context.Context, id string, request graphql.Request) {
	logger := s.logger.With(zap.String("operationId", id))

	sink := broadcaster.SinkFunc(func(ctx context.Context, frame *broadcaster.Frame) error {
		switch frame.Kind {
		case broadcaster.FrameKindMessage:
			return s.write(Message{Id: id, Type: MessageTypeNext, Payload: frame.Data})
		case broadcaster.FrameKindError:
			return s.write(Message{Id: id, Type: MessageTypeError, Payload: frame.Data})
		default:
			return s.write(Message{Id: id, Type: MessageTypeComplete})
		}
	})

	started := false
	state, err := s.bridge.Serve(ctx, request, sink, func(session *graphql.Session) {
		started = true

		logger.Debug("subscription accepted",
			zap.String("name", session.Name),
			zap.String("connectionId", session.Connection.Id))
	})

	if !started && err != nil {
		logger.Debug("subscription rejected", zap.Error(err))

		payload, marshalErr := json.Marshal(requestErrors(err))
		if marshalErr == nil {
			_ = s.write(Message{Id: id, Type: MessageTypeError, Payload: payload})
		}

		return
	}

	logger.Debug("subscription finished", zap.Stringer("state", state), zap.Error(err))
}

func (s *socketSession) write(message Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return s.conn.WriteJSON(message)
}

func (s *socketSession) closeOnWriteError(err error) (int, string) {
	if err != nil {
		s.logger.Debug("graphql socket write failed", zap.Error(err))

		return CloseInternalServerError, "Write failed"
	}

	return 0, ""
}

func requestErrors(err error) []graphql.Error {
	var requestErr *graphql.RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Errors
	}

	return []graphql.Error{{Message: err.Error()}}
}
