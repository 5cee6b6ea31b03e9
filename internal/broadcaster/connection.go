package broadcaster

import (
	"context"
	"maps"
	"sync"
	"time"
)

const DefaultQueueCapacity = 256

type FrameKind int

const (
	FrameKindMessage FrameKind = iota
	FrameKindError
	FrameKindComplete
)

// Frame is one outbound item. Data is shared by every connection a frame is
// enqueued on and must not be modified.
type Frame struct {
	Kind  FrameKind
	Id    string
	Event string
	Data  []byte
}

// Sink writes frames to a client. Implementations are called from a single
// pump goroutine per connection.
type Sink interface {
	Send(ctx context.Context, frame *Frame) error
}

type SinkFunc func(ctx context.Context, frame *Frame) error

func (f SinkFunc) Send(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}

type Connection struct {
	Id          string
	Path        string
	Kind        PathKind
	ConnectTime time.Time

	metadata map[string]string
	queue    chan *Frame

	entry     *pathEntry
	release   func()
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newConnection(id string, entry *pathEntry, metadata map[string]string, capacity int) *Connection {
	metadata = maps.Clone(metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}

	return &Connection{
		Id:          id,
		Path:        entry.Path,
		Kind:        entry.Kind,
		ConnectTime: time.Now(),
		metadata:    metadata,
		queue:       make(chan *Frame, capacity),
		entry:       entry,
		done:        make(chan struct{}),
	}
}

// Metadata returns a copy of the connect-time metadata.
func (c *Connection) Metadata() map[string]string {
	return maps.Clone(c.metadata)
}

func (c *Connection) MetadataValue(key string) (string, bool) {
	value, ok := c.metadata[key]

	return value, ok
}

// Done is closed once the connection has been removed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection was removed. It is nil while the connection
// is open and after a regular disconnect.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) Pending() int {
	return len(c.queue)
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueFull
	enqueueClosed
)

func (c *Connection) enqueue(frame *Frame) enqueueResult {
	select {
	case <-c.done:
		return enqueueClosed
	default:
	}

	select {
	case c.queue <- frame:
		return enqueued
	default:
		return enqueueFull
	}
}

// close marks the connection as removed. Only the first call has an effect
// and reports true.
func (c *Connection) close(reason error) bool {
	closed := false

	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)
		closed = true

		if c.release != nil {
			c.release()
		}
	})

	return closed
}

func (c *Connection) pump(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case frame := <-c.queue:
			err := sink.Send(ctx, frame)
			if err != nil {
				return err
			}
		}
	}
}

// flush writes whatever is queued without waiting for more.
func (c *Connection) flush(ctx context.Context, sink Sink) error {
	for {
		select {
		case frame := <-c.queue:
			err := sink.Send(ctx, frame)
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
