package broadcaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goevery/streamhub/internal/ierr"
)

// Filter selects connections whose metadata holds every key with exactly the
// given value. An empty filter selects every connection.
type Filter map[string]string

func (f Filter) Matches(metadata map[string]string) bool {
	for key, want := range f {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}

	return true
}

func MetadataMatches(connection *Connection, filter Filter) bool {
	return filter.Matches(connection.metadata)
}

// ParseFilter decodes a serialized filter. Blank input and null mean match
// all. A JSON string holding an encoded object is unwrapped once, as script
// hosts commonly pass JSON.stringify(filter).
func ParseFilter(raw string) (Filter, error) {
	return parseFilter(raw, true)
}

func parseFilter(raw string, unwrap bool) (Filter, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return Filter{}, nil
	}

	if unwrap && strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, invalidFilter(err)
		}

		return parseFilter(inner, false)
	}

	if !strings.HasPrefix(trimmed, "{") {
		return nil, invalidFilter(errors.New("expected a JSON object"))
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, invalidFilter(err)
	}

	filter := make(Filter, len(fields))
	for key, value := range fields {
		text, ok := value.(string)
		if !ok {
			return nil, invalidFilter(fmt.Errorf("value of %q is not a string", key))
		}

		filter[key] = text
	}

	return filter, nil
}

func invalidFilter(cause error) error {
	return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: %w", ErrInvalidFilter, cause))
}
