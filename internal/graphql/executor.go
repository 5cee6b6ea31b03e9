package graphql

import (
	"context"
	"regexp"
)

var rootFieldRegex = regexp.MustCompile(
	`^\s*subscription\b[^{]*\{\s*([_A-Za-z][_0-9A-Za-z]*)\s*(?::\s*([_A-Za-z][_0-9A-Za-z]*))?`)

// PushExecutor serves subscriptions that only receive pushed messages. It
// resolves the selected root field and returns a stream that stays open
// until the client leaves, so every event comes from legacy broadcasts.
type PushExecutor struct{}

func NewPushExecutor() *PushExecutor {
	return &PushExecutor{}
}

func (e *PushExecutor) Subscribe(ctx context.Context, request Request) (*Stream, error) {
	match := rootFieldRegex.FindStringSubmatch(stripComments(request.Query))
	if match == nil {
		return nil, NewRequestError("expected a subscription operation")
	}

	name := match[1]
	if match[2] != "" {
		name = match[2]
	}

	return &Stream{
		Name:   name,
		Events: make(chan Response),
	}, nil
}

var commentRegex = regexp.MustCompile(`#[^\n]*`)

func stripComments(query string) string {
	return commentRegex.ReplaceAllString(query, "")
}
