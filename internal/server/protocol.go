package server

import (
	"encoding/json"
)

// Subprotocol spoken on the GraphQL subscription socket.
const GraphQLTransportWS = "graphql-transport-ws"

type MessageType string

const (
	MessageTypeConnectionInit MessageType = "connection_init"
	MessageTypeConnectionAck  MessageType = "connection_ack"
	MessageTypePing           MessageType = "ping"
	MessageTypePong           MessageType = "pong"
	MessageTypeSubscribe      MessageType = "subscribe"
	MessageTypeNext           MessageType = "next"
	MessageTypeError          MessageType = "error"
	MessageTypeComplete       MessageType = "complete"
)

// Close codes defined by graphql-transport-ws.
const (
	CloseInvalidMessage      = 4400
	CloseUnauthorized        = 4401
	CloseInitTimeout         = 4408
	CloseSubscriberExists    = 4409
	CloseTooManyInitRequests = 4429
	CloseInternalServerError = 4500
)

type Message struct {
	Id      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (m Message) Reply(messageType MessageType, payload json.RawMessage) Message {
	return Message{
		Id:      m.Id,
		Type:    messageType,
		Payload: payload,
	}
}

func (m Message) RequiresId() bool {
	switch m.Type {
	case MessageTypeSubscribe, MessageTypeComplete:
		return true
	default:
		return false
	}
}
