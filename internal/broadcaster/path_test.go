package broadcaster

import (
	"context"
	"strings"
	"testing"

	"github.com/goevery/streamhub/internal/ierr"
	"github.com/goevery/streamhub/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, options Options) (*Hub, *metrics.Metrics) {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	m := metrics.New(nil)

	return NewHub(logger, m, options), m
}

func TestPathRegistry_Register(t *testing.T) {
	hub, m := newTestHub(t, Options{MaxPathLength: 16})

	t.Run("valid path", func(t *testing.T) {
		err := hub.Paths.Register("/chat", PathKindRaw, "script-a")
		require.NoError(t, err)

		path, ok := hub.Paths.Lookup("/chat")
		assert.True(t, ok)
		assert.Equal(t, "script-a", path.OwnerId)
		assert.Equal(t, PathKindRaw, path.Kind)
		assert.False(t, path.CreateTime.IsZero())
	})

	t.Run("missing leading separator", func(t *testing.T) {
		err := hub.Paths.Register("chat", PathKindRaw, "script-a")

		assert.ErrorIs(t, err, ErrInvalidPath)
		assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
	})

	t.Run("too long", func(t *testing.T) {
		err := hub.Paths.Register("/"+strings.Repeat("a", 16), PathKindRaw, "script-a")

		assert.ErrorIs(t, err, ErrPathTooLong)
		assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
	})

	t.Run("reserved characters", func(t *testing.T) {
		err := hub.Paths.Register("/chat?room=1", PathKindRaw, "script-a")

		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("idempotent", func(t *testing.T) {
		err := hub.Paths.Register("/chat", PathKindRaw, "script-b")
		require.NoError(t, err)

		path, _ := hub.Paths.Lookup("/chat")
		assert.Equal(t, "script-a", path.OwnerId)
		assert.Len(t, hub.Paths.List(), 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.Paths.WithLabelValues("raw")))
	})

	t.Run("other kind", func(t *testing.T) {
		err := hub.Paths.Register("/chat", PathKindGraphQLSubscription, "script-a")

		assert.ErrorIs(t, err, ErrPathKind)
		assert.Equal(t, ierr.ErrorCodeAlreadyExists, ierr.CodeOf(err))
	})
}

func TestPathRegistry_ReRegisterKeepsConnections(t *testing.T) {
	hub, _ := newTestHub(t, Options{})
	ctx := context.Background()

	require.NoError(t, hub.Paths.Register("/chat", PathKindRaw, "script-a"))
	before, err := hub.Connections.Connect("/chat", nil)
	require.NoError(t, err)

	require.NoError(t, hub.Paths.Register("/chat", PathKindRaw, "script-a"))
	after, err := hub.Connections.Connect("/chat", nil)
	require.NoError(t, err)

	result, err := hub.Engine.Broadcast(ctx, "/chat", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)

	receive(t, before)
	receive(t, after)
}

func TestPathRegistry_List(t *testing.T) {
	hub, _ := newTestHub(t, Options{})

	require.NoError(t, hub.Paths.Register("/b", PathKindRaw, "script-a"))
	require.NoError(t, hub.Paths.Register("/a", PathKindRaw, "script-a"))
	require.NoError(t, hub.Paths.Register("/graphql/subscription/feed", PathKindGraphQLSubscription, "script-b"))

	paths := hub.Paths.List()

	require.Len(t, paths, 3)
	assert.Equal(t, "/a", paths[0].Path)
	assert.Equal(t, "/b", paths[1].Path)
	assert.Equal(t, "/graphql/subscription/feed", paths[2].Path)
	assert.Equal(t, PathKindGraphQLSubscription, paths[2].Kind)
}

func TestPathRegistry_ClearAllForScript(t *testing.T) {
	hub, m := newTestHub(t, Options{})
	ctx := context.Background()

	require.NoError(t, hub.Paths.Register("/chat", PathKindRaw, "script-a"))
	require.NoError(t, hub.Paths.Register("/notify", PathKindRaw, "script-a"))
	require.NoError(t, hub.Paths.Register("/other", PathKindRaw, "script-b"))

	chat, err := hub.Connections.Connect("/chat", nil)
	require.NoError(t, err)
	other, err := hub.Connections.Connect("/other", nil)
	require.NoError(t, err)

	removed := hub.Paths.ClearAllForScript("script-a")

	assert.Equal(t, 2, removed)
	assert.Len(t, hub.Paths.List(), 1)

	select {
	case <-chat.Done():
	default:
		t.Fatal("connection on cleared path is still open")
	}
	assert.ErrorIs(t, chat.Err(), ErrPathCleared)
	_, ok := hub.Connections.Get(chat.Id)
	assert.False(t, ok)

	assert.Nil(t, other.Err())
	_, ok = hub.Connections.Get(other.Id)
	assert.True(t, ok)

	_, err = hub.Connections.Connect("/chat", nil)
	assert.ErrorIs(t, err, ErrUnknownPath)

	_, err = hub.Engine.Broadcast(ctx, "/chat", "late", nil)
	assert.ErrorIs(t, err, ErrUnknownPath)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connections.WithLabelValues("raw")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Evicted.WithLabelValues("cleared")))

	assert.Equal(t, 0, hub.Paths.ClearAllForScript("script-a"))
}
