package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"shipyard/api/saga"
)

func TestDeploySendsAuthHeaders(t *testing.T) {
	var gotAuth, gotUser, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-Shipyard-User")
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"runId":"run-1","sagaId":"saga-1","service":"billing","state":"START"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "s3cret", "ci-bot")
	rep, err := c.Deploy("billing")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if rep.RunID != "run-1" || rep.SagaID != "saga-1" {
		t.Errorf("report = %+v", rep)
	}
	if gotAuth != "Bearer s3cret" || gotUser != "ci-bot" || gotPath != "POST /api/services/billing/deploy" {
		t.Errorf("auth = %q, user = %q, path = %q", gotAuth, gotUser, gotPath)
	}
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"billing already has a run in flight"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", "").Deploy("billing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "billing already has a run in flight" {
		t.Errorf("err = %+v", apiErr)
	}
}

func TestGetRunInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"run-2","service":"billing","sagaId":"saga-2","state":"DEPLOYING"}`))
	}))
	defer srv.Close()

	rep, err := New(srv.URL, "", "").GetRun("run-2")
	if err != nil {
		t.Fatal(err)
	}
	if rep.RunID != "run-2" || rep.SagaID != "saga-2" || rep.State != "DEPLOYING" {
		t.Errorf("report = %+v", rep)
	}
}

func TestListRunsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"runs":[],"total":0}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "", "").ListRuns(RunFilter{Service: "billing", Limit: 5}); err != nil {
		t.Fatal(err)
	}
	if gotQuery != "limit=5&service=billing" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestWebSocketURL(t *testing.T) {
	c := New("https://deploy.example.com", "", "")
	if got := c.WebSocketURL(""); got != "wss://deploy.example.com/ws" {
		t.Errorf("WebSocketURL = %q", got)
	}
	if got := c.WebSocketURL("billing"); got != "wss://deploy.example.com/ws?service=billing" {
		t.Errorf("WebSocketURL(billing) = %q", got)
	}
}

func TestListSagaQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"sagaId":"saga-1","seq":1,"runId":"run-1","action":"deploy.start"}]`))
	}))
	defer srv.Close()

	events, err := New(srv.URL, "", "").ListSaga(saga.Filter{Service: "billing", Cluster: "prod", RunID: "run-1", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "cluster=prod&limit=10&run=run-1&service=billing" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(events) != 1 || events[0].RunID != "run-1" || events[0].Seq != 1 {
		t.Errorf("events = %+v", events)
	}
}
