package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"shipyard/api/model"
)

func (h *Handler) ValidateService(w http.ResponseWriter, r *http.Request) {
	desc, err := h.loadDescriptor(chi.URLParam(r, "service"))
	if err != nil {
		writeDescriptorError(w, err)
		return
	}
	if desc == nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, model.ValidateDescriptor(desc.WithDefaults(h.cfg.Defaults())))
}

func (h *Handler) ValidateAllServices(w http.ResponseWriter, r *http.Request) {
	descs, err := model.DiscoverDescriptors(h.cfg.DescriptorsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to discover services: "+err.Error())
		return
	}
	results := make([]*model.ValidationResult, 0, len(descs))
	for _, d := range descs {
		results = append(results, model.ValidateDescriptor(d.WithDefaults(h.cfg.Defaults())))
	}
	writeJSON(w, results)
}
