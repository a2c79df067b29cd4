package handler

import (
	"net/http"

	"shipyard/api/health"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := []health.Result{}
	healthy := true
	if h.health != nil {
		services, healthy = h.health.Snapshot()
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}
