package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shipyard/api/config"
	"shipyard/api/health"
	"shipyard/api/model"
	"shipyard/api/orchestrator"
	"shipyard/api/saga"
	"shipyard/api/store"
)

var validServiceRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type RunStore interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetReport(ctx context.Context, id string) (*model.Report, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]model.Run, int, error)
}

type Deployer interface {
	Submit(ctx context.Context, build orchestrator.BuildFunc, desc *model.Descriptor, triggeredBy string) (model.Report, error)
}

// SecretLister lists secret names for a service. Values never leave the
// server.
type SecretLister interface {
	Keys(ctx context.Context, desc *model.Descriptor) ([]string, error)
}

type Handler struct {
	cfg      *config.Config
	runs     RunStore
	sagas    saga.Store
	deployer Deployer
	build    orchestrator.BuildFunc
	health   *health.Poller
	secrets  SecretLister
}

func New(cfg *config.Config, runs RunStore, sagas saga.Store, deployer Deployer, build orchestrator.BuildFunc, poller *health.Poller, secrets SecretLister) *Handler {
	return &Handler{
		cfg:      cfg,
		runs:     runs,
		sagas:    sagas,
		deployer: deployer,
		build:    build,
		health:   poller,
		secrets:  secrets,
	}
}

// ValidateServiceName is middleware that rejects requests with invalid service
// names.
func ValidateServiceName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "service")
		if name != "" && !validServiceRe.MatchString(name) {
			writeError(w, http.StatusBadRequest, "invalid service name")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) loadDescriptor(service string) (*model.Descriptor, error) {
	return model.FindDescriptor(h.cfg.DescriptorsDir, service)
}

// writeDescriptorError answers 422 for a malformed descriptor and 500
// otherwise.
func writeDescriptorError(w http.ResponseWriter, err error) {
	var de *model.DescriptorError
	if errors.As(err, &de) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
