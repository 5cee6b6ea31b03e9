package broadcaster

import (
	"errors"
	"fmt"

	"github.com/goevery/streamhub/internal/ierr"
)

var (
	ErrInvalidPath   = errors.New("invalid path")
	ErrPathTooLong   = errors.New("path too long")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrUnknownPath   = errors.New("unknown path")
	ErrPathKind      = errors.New("path registered with another kind")

	ErrQueueFull   = errors.New("connection queue full")
	ErrTransport   = errors.New("transport failure")
	ErrPathCleared = errors.New("path cleared")
)

func unknownPath(path string) error {
	return ierr.New(ierr.ErrorCodeNotFound, fmt.Errorf("%w: %s", ErrUnknownPath, path))
}

// reasonLabel maps a disconnect cause onto a bounded metric label.
func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrQueueFull):
		return "queue_full"
	case errors.Is(reason, ErrTransport):
		return "transport"
	case errors.Is(reason, ErrPathCleared):
		return "cleared"
	default:
		return "other"
	}
}
