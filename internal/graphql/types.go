package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const VirtualPathPrefix = "/graphql/subscription/"

func VirtualPath(name string) string {
	return VirtualPathPrefix + name
}

func NameFromPath(path string) string {
	return strings.TrimPrefix(path, VirtualPathPrefix)
}

// Mode tells how events reach the subscribers of a subscription.
type Mode int

const (
	// ModeNative subscriptions are fed by the executor's event stream.
	ModeNative Mode = iota
	// ModeLegacyBridged subscriptions are fed by explicit
	// SendSubscriptionMessage calls.
	ModeLegacyBridged
)

func (m Mode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModeLegacyBridged:
		return "legacy"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "native":
		*m = ModeNative
	case "legacy":
		*m = ModeLegacyBridged
	default:
		return fmt.Errorf("unknown subscription mode %q", text)
	}

	return nil
}

type Record struct {
	Name           string `json:"name"`
	SchemaFragment string `json:"schemaFragment,omitempty"`
	ResolverRef    string `json:"resolverRef,omitempty"`
	Visibility     string `json:"visibility,omitempty"`
	Mode           Mode   `json:"mode"`
	OwnerId        string `json:"ownerId"`
}

func (r Record) Path() string {
	return VirtualPath(r.Name)
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error follows the GraphQL response error format.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is one execution result of a subscription.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

type Request struct {
	Query         string            `json:"query"`
	OperationName string            `json:"operationName,omitempty"`
	Variables     map[string]any    `json:"variables,omitempty"`
	Extensions    map[string]any    `json:"extensions,omitempty"`
	Metadata      map[string]string `json:"-"`
}

// Stream is the per-client event source produced by an Executor. Name is the
// subscription field the operation selects.
type Stream struct {
	Name   string
	Events <-chan Response
}

// Executor runs a validated subscription operation for one client. Events is
// closed when the subscription completes.
type Executor interface {
	Subscribe(ctx context.Context, request Request) (*Stream, error)
}

// RequestError is returned by an Executor when the operation is rejected
// before any event is produced.
type RequestError struct {
	Errors []Error
}

func NewRequestError(message string) *RequestError {
	return &RequestError{Errors: []Error{{Message: message}}}
}

func (e *RequestError) Error() string {
	messages := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		messages[i] = err.Message
	}

	return "graphql: " + strings.Join(messages, "; ")
}
