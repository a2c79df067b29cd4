package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shipyard/api/auth"
	"shipyard/api/model"
	"shipyard/api/orchestrator"
)

type serviceSummary struct {
	Service    string `json:"service"`
	Cluster    string `json:"cluster"`
	Family     string `json:"family"`
	Repository string `json:"repository"`
	Buildable  bool   `json:"buildable"`
}

func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	descs, err := model.DiscoverDescriptors(h.cfg.DescriptorsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to discover services: "+err.Error())
		return
	}
	out := make([]serviceSummary, 0, len(descs))
	for _, d := range descs {
		d = d.WithDefaults(h.cfg.Defaults())
		out = append(out, serviceSummary{
			Service:    d.Service,
			Cluster:    d.Cluster,
			Family:     d.Family,
			Repository: d.Repository,
			Buildable:  d.Build != nil,
		})
	}
	writeJSON(w, out)
}

// Deploy starts an asynchronous run for a service. It answers 202 with the
// initial report, or 409 when the service already has a run in flight.
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	if h.deployer == nil || h.build == nil {
		writeError(w, http.StatusServiceUnavailable, "deploys are not configured")
		return
	}
	service := chi.URLParam(r, "service")

	desc, err := h.loadDescriptor(service)
	if err != nil {
		writeDescriptorError(w, err)
		return
	}
	if desc == nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}

	// the run outlives the request
	ctx := context.WithoutCancel(r.Context())
	rep, err := h.deployer.Submit(ctx, h.build, desc, auth.Identity(r.Context()))
	if err != nil {
		if errors.Is(err, orchestrator.ErrServiceBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONStatus(w, http.StatusAccepted, rep)
}

func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	desc, err := h.loadDescriptor(service)
	if err != nil || desc == nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	keys := []string{}
	if h.secrets != nil {
		keys, err = h.secrets.Keys(r.Context(), desc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if keys == nil {
			keys = []string{}
		}
	}
	writeJSON(w, map[string]interface{}{
		"service": service,
		"secrets": keys,
	})
}
