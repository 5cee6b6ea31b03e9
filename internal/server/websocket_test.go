package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/graphql"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialGraphQL(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: []string{GraphQLTransportWS}}

	conn, _, err := dialer.Dial(env.wsURL("/graphql/ws"+query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	assert.Equal(t, GraphQLTransportWS, conn.Subprotocol())

	return conn
}

func send(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(message)))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	var message Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&message))

	return message
}

func initialize(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()

	send(t, conn, `{"type":"connection_init","payload":`+payload+`}`)

	assert.Equal(t, MessageTypeConnectionAck, read(t, conn).Type)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, code), "unexpected error: %v", err)
}

func TestWebSocketServer(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.bridge.RegisterSubscription("script-1", graphql.Record{
		Name: "onMessage",
		Mode: graphql.ModeLegacyBridged,
	}))

	path := graphql.VirtualPath("onMessage")

	t.Run("successful flow", func(t *testing.T) {
		conn := dialGraphQL(t, env, "?room=a")
		initialize(t, conn, `{"user":"alice","retries":3}`)

		send(t, conn, `{"type":"ping"}`)
		assert.Equal(t, MessageTypePong, read(t, conn).Type)

		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)
		env.waitConnections(t, path, 1)

		connection := env.hub.Connections.Snapshot(path)[0]
		assert.Equal(t, map[string]string{"room": "a", "user": "alice"}, connection.Metadata())

		result, err := env.bridge.SendSubscriptionMessageFiltered(context.Background(), "onMessage", "hello",
			broadcaster.Filter{"user": "alice"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Delivered)

		next := read(t, conn)
		assert.Equal(t, "1", next.Id)
		assert.Equal(t, MessageTypeNext, next.Type)
		assert.JSONEq(t, `{"data":{"onMessage":"hello"}}`, string(next.Payload))

		send(t, conn, `{"id":"1","type":"complete"}`)
		env.waitConnections(t, path, 0)
	})

	t.Run("operation id can be reused after complete", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")
		initialize(t, conn, `null`)

		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)
		env.waitConnections(t, path, 1)

		send(t, conn, `{"id":"1","type":"complete"}`)
		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)

		assert.Eventually(t, func() bool {
			result, err := env.bridge.SendSubscriptionMessage(context.Background(), "onMessage", "again")
			return err == nil && result.Delivered == 1
		}, time.Second, 10*time.Millisecond)

		assert.Equal(t, MessageTypeNext, read(t, conn).Type)
	})

	t.Run("rejected subscription", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")
		initialize(t, conn, `{}`)

		send(t, conn, `{"id":"7","type":"subscribe","payload":{"query":"query { onMessage }"}}`)

		message := read(t, conn)
		assert.Equal(t, "7", message.Id)
		assert.Equal(t, MessageTypeError, message.Type)

		var errs []graphql.Error
		require.NoError(t, json.Unmarshal(message.Payload, &errs))
		require.Len(t, errs, 1)
		assert.NotEmpty(t, errs[0].Message)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")
		initialize(t, conn, `{}`)

		send(t, conn, `{"id":"8","type":"subscribe","payload":{"query":"subscription { onOther }"}}`)

		message := read(t, conn)
		assert.Equal(t, MessageTypeError, message.Type)
	})

	t.Run("subscribe before init", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")

		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)

		expectClose(t, conn, CloseUnauthorized)
	})

	t.Run("duplicate init", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")
		initialize(t, conn, `{}`)

		send(t, conn, `{"type":"connection_init"}`)

		expectClose(t, conn, CloseTooManyInitRequests)
	})

	t.Run("duplicate operation id", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")
		initialize(t, conn, `{}`)

		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)
		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)

		expectClose(t, conn, CloseSubscriberExists)
		env.waitConnections(t, path, 0)
	})

	t.Run("invalid message", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")

		send(t, conn, "invalid-json")

		expectClose(t, conn, CloseInvalidMessage)
	})

	t.Run("init timeout", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")

		expectClose(t, conn, CloseInitTimeout)
	})

	t.Run("script reinitialization ends subscriptions", func(t *testing.T) {
		conn := dialGraphQL(t, env, "")
		initialize(t, conn, `{}`)

		send(t, conn, `{"id":"1","type":"subscribe","payload":{"query":"subscription { onMessage }"}}`)
		env.waitConnections(t, path, 1)

		assert.Equal(t, 1, env.bridge.ClearAllForScript("script-1"))
		env.waitConnections(t, path, 0)

		_, ok := env.bridge.Lookup("onMessage")
		assert.False(t, ok)

		send(t, conn, `{"type":"ping"}`)
		assert.Equal(t, MessageTypePong, read(t, conn).Type)
	})
}
