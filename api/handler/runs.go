package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"shipyard/api/model"
	"shipyard/api/store"
)

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history requires a database")
		return
	}
	q := r.URL.Query()
	runs, total, err := h.runs.ListRuns(r.Context(), store.RunFilter{
		Service:  q.Get("service"),
		Category: q.Get("category"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, map[string]interface{}{
		"runs":  runs,
		"total": total,
	})
}

// GetRun returns the full report for a finished run, or the persisted
// summary while the run is still in flight.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history requires a database")
		return
	}
	id := chi.URLParam(r, "id")

	rep, err := h.runs.GetReport(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rep != nil {
		writeJSON(w, rep)
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, run)
}
