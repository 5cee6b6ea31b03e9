package handler

import (
	"context"
	"errors"

	"github.com/goevery/streamhub/internal/graphql"
	"github.com/goevery/streamhub/internal/ierr"
)

type ClearScriptRequest struct {
	OwnerId string `json:"ownerId"`
}

type ClearScriptResponse struct {
	RemovedPaths int `json:"removedPaths"`
}

type ClearScriptHandlerInterface interface {
	Handle(ctx context.Context, req ClearScriptRequest) (ClearScriptResponse, error)
}

// ClearScriptHandler is called by the script host right before a script's
// initialization runs again.
type ClearScriptHandler struct {
	bridge *graphql.Bridge
}

func NewClearScriptHandler(bridge *graphql.Bridge) *ClearScriptHandler {
	return &ClearScriptHandler{
		bridge,
	}
}

func (h *ClearScriptHandler) Handle(ctx context.Context, req ClearScriptRequest) (ClearScriptResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return ClearScriptResponse{}, err
	}

	if req.OwnerId == "" {
		return ClearScriptResponse{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("ownerId is required"))
	}

	if !authentication.CanManage(req.OwnerId) {
		return ClearScriptResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not allowed to manage script "+req.OwnerId))
	}

	return ClearScriptResponse{
		RemovedPaths: h.bridge.ClearAllForScript(req.OwnerId),
	}, nil
}
