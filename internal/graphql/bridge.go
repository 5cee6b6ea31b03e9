package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/ierr"
	"go.uber.org/zap"
)

type State int32

const (
	StateSubscribing State = iota
	StateActive
	StateTerminatedNormally
	StateTerminatedOnError
	StateTerminatedOnDisconnect
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "Subscribing"
	case StateActive:
		return "Active"
	case StateTerminatedNormally:
		return "TerminatedNormally"
	case StateTerminatedOnError:
		return "TerminatedOnError"
	case StateTerminatedOnDisconnect:
		return "TerminatedOnDisconnect"
	default:
		return "Unknown"
	}
}

var ErrInvalidName = errors.New("invalid subscription name")

var nameRegex = regexp.MustCompile(`^[_A-Za-z][_0-9A-Za-z]*$`)

// Bridge maps GraphQL subscriptions onto stream connections. Native
// subscribers are served through Serve; legacy pushes go through
// SendSubscriptionMessage and end up in the same broadcast path.
type Bridge struct {
	logger   *zap.Logger
	hub      *broadcaster.Hub
	executor Executor

	mu      sync.RWMutex
	records map[string]Record

	// subscription name -> struct{}, names already reported as deprecated
	warned sync.Map
}

func NewBridge(logger *zap.Logger, hub *broadcaster.Hub, executor Executor) *Bridge {
	b := &Bridge{
		logger:   logger,
		hub:      hub,
		executor: executor,
		records:  make(map[string]Record),
	}

	hub.Engine.UseEncoder(broadcaster.PathKindGraphQLSubscription, encodeBroadcast)

	return b
}

func (b *Bridge) RegisterSubscription(ownerId string, record Record) error {
	if !nameRegex.MatchString(record.Name) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: %q", ErrInvalidName, record.Name))
	}

	err := b.hub.Paths.Register(record.Path(), broadcaster.PathKindGraphQLSubscription, ownerId)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.records[record.Name]; ok {
		record.OwnerId = existing.OwnerId
	} else {
		record.OwnerId = ownerId
	}

	b.records[record.Name] = record

	b.logger.Info("subscription registered",
		zap.String("name", record.Name),
		zap.Stringer("mode", record.Mode),
		zap.String("ownerId", record.OwnerId))

	return nil
}

// Lookup returns the record of a subscription whose virtual path is still
// registered.
func (b *Bridge) Lookup(name string) (Record, bool) {
	b.mu.RLock()
	record, ok := b.records[name]
	b.mu.RUnlock()

	if !ok {
		return Record{}, false
	}

	if _, registered := b.hub.Paths.Lookup(record.Path()); !registered {
		return Record{}, false
	}

	return record, true
}

func (b *Bridge) Subscriptions() []Record {
	b.mu.RLock()

	records := make([]Record, 0, len(b.records))
	for _, record := range b.records {
		if _, registered := b.hub.Paths.Lookup(record.Path()); registered {
			records = append(records, record)
		}
	}

	b.mu.RUnlock()

	slices.SortFunc(records, func(a, b Record) int {
		return strings.Compare(a.Name, b.Name)
	})

	return records
}

// ClearAllForScript drops every path and subscription owned by ownerId.
func (b *Bridge) ClearAllForScript(ownerId string) int {
	b.mu.Lock()
	for name, record := range b.records {
		if record.OwnerId == ownerId {
			delete(b.records, name)
			b.warned.Delete(name)
		}
	}
	b.mu.Unlock()

	return b.hub.Paths.ClearAllForScript(ownerId)
}

func (b *Bridge) SendSubscriptionMessage(ctx context.Context, name string, data any) (broadcaster.Result, error) {
	return b.SendSubscriptionMessageFiltered(ctx, name, data, nil)
}

// SendSubscriptionMessageFiltered pushes data to the subscribers of name
// whose connection metadata matches filter.
func (b *Bridge) SendSubscriptionMessageFiltered(
	ctx context.Context,
	name string,
	data any,
	filter broadcaster.Filter,
) (broadcaster.Result, error) {
	record, ok := b.Lookup(name)

	fields := []zap.Field{zap.String("name", name)}
	if ok {
		fields = append(fields, zap.Stringer("mode", record.Mode))
	}

	if _, warned := b.warned.LoadOrStore(name, struct{}{}); !warned {
		b.logger.Warn("deprecated: subscription message pushed by name, prefer native subscription streams", fields...)
	} else {
		b.logger.Debug("subscription message pushed by name", fields...)
	}

	return b.hub.Engine.Broadcast(ctx, VirtualPath(name), data, filter)
}

// BroadcastBySubscriptionName is SendSubscriptionMessageFiltered under the
// name exposed to script handlers.
func (b *Bridge) BroadcastBySubscriptionName(
	ctx context.Context,
	name string,
	data any,
	filter broadcaster.Filter,
) (broadcaster.Result, error) {
	return b.SendSubscriptionMessageFiltered(ctx, name, data, filter)
}

// Session is one subscribed client.
type Session struct {
	Name       string
	Connection *broadcaster.Connection

	state atomic.Int32
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

type SessionObserver func(session *Session)

// Serve runs a native subscription for one client until the executor
// completes it, it fails, or the client goes away. Frames are written to
// sink from a single goroutine. A rejected request returns an error without
// creating a connection.
func (b *Bridge) Serve(ctx context.Context, request Request, sink broadcaster.Sink, observers ...SessionObserver) (State, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := b.executor.Subscribe(ctx, request)
	if err != nil {
		return StateTerminatedOnError, err
	}

	if _, ok := b.Lookup(stream.Name); !ok {
		return StateTerminatedOnError, ierr.New(ierr.ErrorCodeNotFound,
			fmt.Errorf("%w: subscription %s", broadcaster.ErrUnknownPath, stream.Name))
	}

	connection, err := b.hub.Connections.Connect(VirtualPath(stream.Name), request.Metadata)
	if err != nil {
		return StateTerminatedOnError, err
	}

	session := &Session{
		Name:       stream.Name,
		Connection: connection,
	}
	session.setState(StateSubscribing)

	for _, observe := range observers {
		observe(session)
	}

	logger := b.logger.With(
		zap.String("name", stream.Name),
		zap.String("connectionId", connection.Id))

	logger.Debug("subscription started")

	trackingSink := broadcaster.SinkFunc(func(ctx context.Context, frame *broadcaster.Frame) error {
		err := sink.Send(ctx, frame)
		if err == nil && frame.Kind == broadcaster.FrameKindMessage {
			session.state.CompareAndSwap(int32(StateSubscribing), int32(StateActive))
		}

		return err
	})

	pumpCtx, stopPump := context.WithCancel(ctx)
	pumpDone := make(chan struct{})

	go func() {
		defer close(pumpDone)

		_ = b.hub.Connections.Pump(pumpCtx, connection, trackingSink)
	}()

	terminate := func(state State, final *broadcaster.Frame) (State, error) {
		stopPump()
		<-pumpDone

		if final != nil && connection.Err() == nil {
			err := b.hub.Connections.Flush(ctx, connection, trackingSink)
			if err == nil {
				err = trackingSink.Send(ctx, final)
			}

			if err != nil {
				state = StateTerminatedOnDisconnect
			}
		}

		b.hub.Connections.Disconnect(connection.Id)
		session.setState(state)

		logger.Debug("subscription terminated", zap.Stringer("state", state))

		return state, connection.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return terminate(StateTerminatedOnDisconnect, nil)

		case <-connection.Done():
			return terminate(StateTerminatedOnDisconnect, nil)

		case response, ok := <-stream.Events:
			if !ok {
				return terminate(StateTerminatedNormally, completeFrame())
			}

			if len(response.Errors) > 0 {
				frame, err := errorFrame(response.Errors)
				if err != nil {
					logger.Error("failed to encode error frame", zap.Error(err))

					return terminate(StateTerminatedOnError, nil)
				}

				return terminate(StateTerminatedOnError, frame)
			}

			frame, err := nextFrame(response)
			if err != nil {
				logger.Error("failed to encode response", zap.Error(err))

				continue
			}

			err = b.hub.Connections.Deliver(connection, frame)
			if err != nil {
				logger.Warn("failed to deliver subscription event", zap.Error(err))
			}
		}
	}
}

func nextFrame(response Response) (*broadcaster.Frame, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}

	return &broadcaster.Frame{
		Kind:  broadcaster.FrameKindMessage,
		Event: "next",
		Data:  data,
	}, nil
}

func errorFrame(errs []Error) (*broadcaster.Frame, error) {
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, err
	}

	return &broadcaster.Frame{
		Kind:  broadcaster.FrameKindError,
		Event: "error",
		Data:  data,
	}, nil
}

func completeFrame() *broadcaster.Frame {
	return &broadcaster.Frame{
		Kind:  broadcaster.FrameKindComplete,
		Event: "complete",
	}
}

// encodeBroadcast wraps a pushed payload into the execution result of the
// subscription field it was pushed to.
func encodeBroadcast(path broadcaster.StreamPath, messageId string, payload any) (*broadcaster.Frame, error) {
	data, err := json.Marshal(map[string]any{NameFromPath(path.Path): payload})
	if err != nil {
		return nil, err
	}

	frame, err := nextFrame(Response{Data: data})
	if err != nil {
		return nil, err
	}

	frame.Id = messageId

	return frame, nil
}
