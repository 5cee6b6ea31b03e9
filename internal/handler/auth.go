package handler

import (
	"context"
	"errors"

	"github.com/goevery/streamhub/internal/auth"
	"github.com/goevery/streamhub/internal/ierr"
)

func authenticationFrom(ctx context.Context) (*auth.Authentication, error) {
	authentication, ok := auth.AuthenticationFromContext(ctx)
	if !ok || authentication == nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
	}

	return authentication, nil
}

func authorizePath(authentication *auth.Authentication, path string) error {
	if !authentication.IsAuthorized(path) {
		return ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not authorized to use path "+path))
	}

	return nil
}
