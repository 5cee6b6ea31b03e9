package handler

import (
	"time"

	"github.com/goevery/streamhub/internal/broadcaster"
)

type HeartbeatResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Paths     int       `json:"paths"`
}

type HeartbeatHandler struct {
	paths *broadcaster.PathRegistry
}

func NewHeartbeatHandler(paths *broadcaster.PathRegistry) *HeartbeatHandler {
	return &HeartbeatHandler{
		paths,
	}
}

func (h *HeartbeatHandler) Handle() HeartbeatResponse {
	return HeartbeatResponse{
		Timestamp: time.Now(),
		Paths:     len(h.paths.List()),
	}
}
