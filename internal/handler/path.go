package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/ierr"
)

var ErrReservedPath = errors.New("path is served by a fixed route")

// reservedPrefixes are routed before the stream catch-all, so raw paths
// below them could never be reached.
var reservedPrefixes = []string{"/api", "/metrics", "/graphql"}

func validateRawPath(paths *broadcaster.PathRegistry, path string) error {
	err := paths.Validate(path)
	if err != nil {
		return err
	}

	for _, prefix := range reservedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: %s", ErrReservedPath, prefix))
		}
	}

	return nil
}

type RegisterPathRequest struct {
	Path string `json:"path"`
	// OwnerId is only honoured for admin callers. Other callers always
	// register paths for themselves.
	OwnerId string `json:"ownerId,omitempty"`
}

type RegisterPathResponse struct {
	Path broadcaster.StreamPath `json:"path"`
}

type RegisterPathHandlerInterface interface {
	Handle(ctx context.Context, req RegisterPathRequest) (RegisterPathResponse, error)
}

type RegisterPathHandler struct {
	paths *broadcaster.PathRegistry
}

func NewRegisterPathHandler(paths *broadcaster.PathRegistry) *RegisterPathHandler {
	return &RegisterPathHandler{
		paths,
	}
}

func (h *RegisterPathHandler) Handle(ctx context.Context, req RegisterPathRequest) (RegisterPathResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return RegisterPathResponse{}, err
	}

	err = validateRawPath(h.paths, req.Path)
	if err != nil {
		return RegisterPathResponse{}, err
	}

	if !authentication.IsRegistrar() {
		return RegisterPathResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("register scope required to register a path"))
	}

	err = authorizePath(authentication, req.Path)
	if err != nil {
		return RegisterPathResponse{}, err
	}

	ownerId := authentication.Subject
	if authentication.IsAdmin && req.OwnerId != "" {
		ownerId = req.OwnerId
	}

	err = h.paths.Register(req.Path, broadcaster.PathKindRaw, ownerId)
	if err != nil {
		return RegisterPathResponse{}, err
	}

	path, _ := h.paths.Lookup(req.Path)

	return RegisterPathResponse{
		Path: path,
	}, nil
}

type PathInfo struct {
	broadcaster.StreamPath
	Connections int `json:"connections"`
}

type ListPathsResponse struct {
	Paths []PathInfo `json:"paths"`
}

type ListPathsHandlerInterface interface {
	Handle(ctx context.Context) (ListPathsResponse, error)
}

type ListPathsHandler struct {
	hub *broadcaster.Hub
}

func NewListPathsHandler(hub *broadcaster.Hub) *ListPathsHandler {
	return &ListPathsHandler{
		hub,
	}
}

func (h *ListPathsHandler) Handle(ctx context.Context) (ListPathsResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return ListPathsResponse{}, err
	}

	paths := make([]PathInfo, 0)
	for _, path := range h.hub.Paths.List() {
		if !authentication.IsAuthorized(path.Path) {
			continue
		}

		paths = append(paths, PathInfo{
			StreamPath:  path,
			Connections: h.hub.Connections.Count(path.Path),
		})
	}

	return ListPathsResponse{
		Paths: paths,
	}, nil
}
