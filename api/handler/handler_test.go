package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"shipyard/api/auth"
	"shipyard/api/config"
	"shipyard/api/health"
	"shipyard/api/model"
	"shipyard/api/orchestrator"
	"shipyard/api/saga"
	"shipyard/api/store"
)

const billingDescriptor = `
service: billing
repository: registry.example.com/billing
deploy: true
cluster: prod
container:
  port: 8080
  cpu: 256
  memory: 512
build:
  dockerfile: Dockerfile
`

type fakeRuns struct {
	runs    []model.Run
	reports map[string]*model.Report
	filter  store.RunFilter
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*model.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, nil
}

func (f *fakeRuns) GetReport(_ context.Context, id string) (*model.Report, error) {
	return f.reports[id], nil
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, int, error) {
	f.filter = filter
	return f.runs, len(f.runs), nil
}

type fakeDeployer struct {
	err         error
	triggeredBy string
	service     string
}

func (f *fakeDeployer) Submit(_ context.Context, _ orchestrator.BuildFunc, desc *model.Descriptor, triggeredBy string) (model.Report, error) {
	f.service = desc.Service
	f.triggeredBy = triggeredBy
	if f.err != nil {
		return model.Report{}, f.err
	}
	return model.Report{RunID: "run-1", Service: desc.Service, State: model.RunStart}, nil
}

type fakeSecrets struct{ keys []string }

func (f *fakeSecrets) Keys(context.Context, *model.Descriptor) ([]string, error) {
	return f.keys, nil
}

func noBuild(context.Context, *model.Descriptor) (model.ArtifactRef, error) {
	return model.ArtifactRef{}, nil
}

func setupHandler(t *testing.T, runs RunStore, deployer Deployer, secrets SecretLister) (*Handler, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	sd := filepath.Join(dir, "billing")
	if err := os.MkdirAll(sd, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sd, model.DescriptorFile), []byte(billingDescriptor), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{DescriptorsDir: dir, AWSRegion: "us-east-1"}
	h := New(cfg, runs, saga.NewMemoryStore(), deployer, noBuild, &health.Poller{}, secrets)

	r := chi.NewRouter()
	r.Get("/api/health", h.Health)
	r.Get("/api/services", h.ListServices)
	r.Route("/api/services/{service}", func(r chi.Router) {
		r.Use(ValidateServiceName)
		r.Post("/deploy", h.Deploy)
		r.Get("/secrets", h.ListSecrets)
	})
	r.Get("/api/validate", h.ValidateAllServices)
	r.With(ValidateServiceName).Get("/api/validate/{service}", h.ValidateService)
	r.Get("/api/runs", h.ListRuns)
	r.Get("/api/runs/{id}", h.GetRun)
	r.Get("/api/saga", h.ListSagaEvents)
	r.Get("/api/saga/{sagaId}", h.GetSaga)
	return h, r
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestListServices(t *testing.T) {
	_, r := setupHandler(t, nil, nil, nil)
	rr := do(t, r, "GET", "/api/services")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []serviceSummary
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Service != "billing" || got[0].Cluster != "prod" || !got[0].Buildable {
		t.Errorf("services = %+v", got)
	}
}

func TestDeploy(t *testing.T) {
	dep := &fakeDeployer{}
	_, r := setupHandler(t, nil, dep, nil)

	req := httptest.NewRequest("POST", "/api/services/billing/deploy", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "oncall@example.com"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	if dep.service != "billing" || dep.triggeredBy != "oncall@example.com" {
		t.Errorf("submitted %q by %q", dep.service, dep.triggeredBy)
	}
	var rep model.Report
	json.NewDecoder(rr.Body).Decode(&rep)
	if rep.RunID != "run-1" {
		t.Errorf("report = %+v", rep)
	}
}

func TestDeployErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		deployer Deployer
		code     int
	}{
		{"busy", "/api/services/billing/deploy", &fakeDeployer{err: orchestrator.ErrServiceBusy}, http.StatusConflict},
		{"failure", "/api/services/billing/deploy", &fakeDeployer{err: errors.New("boom")}, http.StatusInternalServerError},
		{"unknown service", "/api/services/ledger/deploy", &fakeDeployer{}, http.StatusNotFound},
		{"invalid name", "/api/services/Bad_Name/deploy", &fakeDeployer{}, http.StatusBadRequest},
		{"not configured", "/api/services/billing/deploy", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := setupHandler(t, nil, tt.deployer, nil)
			if rr := do(t, r, "POST", tt.path); rr.Code != tt.code {
				t.Errorf("status = %d, want %d", rr.Code, tt.code)
			}
		})
	}
}

func TestDeployMalformedDescriptor(t *testing.T) {
	h, r := setupHandler(t, nil, &fakeDeployer{}, nil)
	sd := filepath.Join(h.cfg.DescriptorsDir, "ledger")
	if err := os.MkdirAll(sd, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sd, model.DescriptorFile), []byte("service: ["), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, req := range []struct{ method, path string }{
		{"POST", "/api/services/ledger/deploy"},
		{"GET", "/api/validate/ledger"},
	} {
		rr := do(t, r, req.method, req.path)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s %s: status = %d, want 422", req.method, req.path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "invalid descriptor") {
			t.Errorf("%s %s: body = %s", req.method, req.path, rr.Body)
		}
	}
}

func TestListSecrets(t *testing.T) {
	_, r := setupHandler(t, nil, nil, &fakeSecrets{keys: []string{"DB_PASSWORD", "STRIPE_KEY"}})
	rr := do(t, r, "GET", "/api/services/billing/secrets")
	var got struct {
		Service string   `json:"service"`
		Secrets []string `json:"secrets"`
	}
	json.NewDecoder(rr.Body).Decode(&got)
	if rr.Code != http.StatusOK || len(got.Secrets) != 2 {
		t.Errorf("status = %d, body = %+v", rr.Code, got)
	}

	// no secret file still yields a list
	_, r = setupHandler(t, nil, nil, &fakeSecrets{})
	rr = do(t, r, "GET", "/api/services/billing/secrets")
	if body := rr.Body.String(); body != "{\"secrets\":[],\"service\":\"billing\"}\n" {
		t.Errorf("body = %q", body)
	}
}

func TestRuns(t *testing.T) {
	runs := &fakeRuns{
		runs: []model.Run{
			{ID: "run-1", Service: "billing", State: model.RunCleanedUp},
			{ID: "run-2", Service: "billing", State: model.RunDeploying},
		},
		reports: map[string]*model.Report{
			"run-1": {RunID: "run-1", Service: "billing", Error: "rollout failed"},
		},
	}
	_, r := setupHandler(t, runs, nil, nil)

	rr := do(t, r, "GET", "/api/runs?service=billing&category=unhealthy&limit=10&offset=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := store.RunFilter{Service: "billing", Category: "unhealthy", Limit: 10, Offset: 5}
	if runs.filter != want {
		t.Errorf("filter = %+v", runs.filter)
	}
	var page struct {
		Runs  []model.Run `json:"runs"`
		Total int         `json:"total"`
	}
	json.NewDecoder(rr.Body).Decode(&page)
	if page.Total != 2 || len(page.Runs) != 2 {
		t.Errorf("page = %+v", page)
	}

	// finished runs serve the archived report
	rr = do(t, r, "GET", "/api/runs/run-1")
	var rep model.Report
	json.NewDecoder(rr.Body).Decode(&rep)
	if rep.Error != "rollout failed" {
		t.Errorf("report = %+v", rep)
	}

	rr = do(t, r, "GET", "/api/runs/run-2")
	var run model.Run
	json.NewDecoder(rr.Body).Decode(&run)
	if rr.Code != http.StatusOK || run.State != model.RunDeploying {
		t.Errorf("status = %d, run = %+v", rr.Code, run)
	}

	if rr := do(t, r, "GET", "/api/runs/missing"); rr.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rr.Code)
	}
}

func TestRunsWithoutDatabase(t *testing.T) {
	_, r := setupHandler(t, nil, nil, nil)
	if rr := do(t, r, "GET", "/api/runs"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestSagaEvents(t *testing.T) {
	h, r := setupHandler(t, nil, nil, nil)
	ctx := context.Background()
	sg := saga.New(h.sagas, saga.Scope{RunID: "run-1", Cluster: "prod", Service: "billing"}, "orchestrator")
	sg.Log(ctx, saga.ActionDeployStart, "deploying billing to prod", nil)
	sg.StepStarted(ctx, "build")
	other := saga.New(h.sagas, saga.Scope{RunID: "run-2", Cluster: "staging", Service: "ledger"}, "orchestrator")
	other.Log(ctx, saga.ActionDeployStart, "deploying ledger to staging", nil)

	decode := func(rr *httptest.ResponseRecorder) []saga.Event {
		var events []saga.Event
		json.NewDecoder(rr.Body).Decode(&events)
		return events
	}

	if events := decode(do(t, r, "GET", "/api/saga?service=billing")); len(events) != 2 || events[0].Action != saga.ActionStepStart {
		t.Errorf("by service = %+v", events)
	}
	if events := decode(do(t, r, "GET", "/api/saga?run=run-2")); len(events) != 1 || events[0].Service != "ledger" {
		t.Errorf("by run = %+v", events)
	}
	if events := decode(do(t, r, "GET", "/api/saga?cluster=staging&service=billing")); len(events) != 0 {
		t.Errorf("cluster and service = %+v", events)
	}
	if events := decode(do(t, r, "GET", "/api/saga?limit=2")); len(events) != 2 {
		t.Errorf("recent events = %d, want 2", len(events))
	}

	rr := do(t, r, "GET", "/api/saga/"+sg.ID)
	events := decode(rr)
	if rr.Code != http.StatusOK || len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("status = %d, events = %+v", rr.Code, events)
	}

	if rr := do(t, r, "GET", "/api/saga/nope"); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestValidateEndpoints(t *testing.T) {
	_, r := setupHandler(t, nil, nil, nil)

	rr := do(t, r, "GET", "/api/validate/billing")
	var res model.ValidationResult
	json.NewDecoder(rr.Body).Decode(&res)
	if rr.Code != http.StatusOK || res.Service != "billing" {
		t.Errorf("status = %d, result = %+v", rr.Code, res)
	}

	rr = do(t, r, "GET", "/api/validate")
	var all []model.ValidationResult
	json.NewDecoder(rr.Body).Decode(&all)
	if len(all) != 1 {
		t.Errorf("results = %+v", all)
	}

	if rr := do(t, r, "GET", "/api/validate/ledger"); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	h, r := setupHandler(t, nil, nil, nil)
	h.health.Checks = []health.Check{
		{Name: "postgres", Fn: func(context.Context) error { return nil }},
		{Name: "docker", Fn: func(context.Context) error { return errors.New("daemon unreachable") }},
		{Name: "s3"},
	}
	h.health.PollAll(context.Background())

	rr := do(t, r, "GET", "/api/health")
	var got struct {
		Status   string          `json:"status"`
		Services []health.Result `json:"services"`
	}
	json.NewDecoder(rr.Body).Decode(&got)
	if got.Status != "degraded" || len(got.Services) != 3 {
		t.Errorf("health = %+v", got)
	}
	if got.Services[0].Name != "docker" || got.Services[0].Status != health.StatusDown {
		t.Errorf("first service = %+v", got.Services[0])
	}
}
