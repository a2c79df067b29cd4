package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"shipyard/api/saga"
)

// ListSagaEvents returns events newest first, optionally narrowed by
// ?service=, ?cluster= and ?run=.
func (h *Handler) ListSagaEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit == 0 || limit > 1000 {
		limit = 100
	}
	q := r.URL.Query()
	events, err := h.sagas.Query(r.Context(), saga.Filter{
		RunID:   q.Get("run"),
		Cluster: q.Get("cluster"),
		Service: q.Get("service"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	events, err := h.sagas.ListBySaga(r.Context(), chi.URLParam(r, "sagaId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "saga not found")
		return
	}
	writeJSON(w, events)
}
