package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// OriginChecker accepts WebSocket upgrades from the allowed origins. With no
// allowed origins every origin is accepted.
type OriginChecker struct {
	allowed []string
}

func NewOriginChecker(allowed []string) *OriginChecker {
	normalized := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		normalized = append(normalized, strings.ToLower(strings.TrimSuffix(origin, "/")))
	}

	return &OriginChecker{
		normalized,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowed) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	return slices.Contains(c.allowed, strings.ToLower(u.Scheme+"://"+u.Host))
}
