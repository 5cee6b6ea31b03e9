package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/ierr"
)

type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
	// Filter is a JSON object of string values, or a string holding one.
	Filter json.RawMessage `json:"filter,omitempty"`
}

type BroadcastResponse struct {
	broadcaster.Result
}

type BroadcastHandlerInterface interface {
	Handle(ctx context.Context, req BroadcastRequest) (BroadcastResponse, error)
}

type BroadcastHandler struct {
	engine *broadcaster.Engine
}

func NewBroadcastHandler(engine *broadcaster.Engine) *BroadcastHandler {
	return &BroadcastHandler{
		engine,
	}
}

func (h *BroadcastHandler) Handle(ctx context.Context, req BroadcastRequest) (BroadcastResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return BroadcastResponse{}, err
	}

	if !authentication.IsPublisher() {
		return BroadcastResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("user not authorized to publish messages"))
	}

	err = authorizePath(authentication, req.Path)
	if err != nil {
		return BroadcastResponse{}, err
	}

	filter, err := broadcaster.ParseFilter(string(req.Filter))
	if err != nil {
		return BroadcastResponse{}, err
	}

	result, err := h.engine.Broadcast(ctx, req.Path, payloadOf(req.Payload), filter)
	if err != nil {
		return BroadcastResponse{}, err
	}

	return BroadcastResponse{
		Result: result,
	}, nil
}

// payloadOf keeps the caller's JSON untouched so it is only re-encoded as
// part of the outgoing envelope.
func payloadOf(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return raw
}
