package cmd

import (
	"net/url"
	"testing"
	"time"

	"shipyard/api/config"
	"shipyard/api/harness"
	"shipyard/api/model"
	"shipyard/api/saga"
)

func TestDecodeRunEvent(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want interface{}
		done bool
	}{
		{
			name: "step",
			msg:  `{"type":"run.step","service":"billing","runId":"run-1","payload":{"runId":"run-1","step":"build","status":"running"}}`,
			want: stepUpdate{step: "build", status: "running"},
		},
		{
			name: "progress",
			msg:  `{"type":"run.progress","service":"billing","runId":"run-1","payload":{"runId":"run-1","message":"IN_PROGRESS","poll":"2"}}`,
			want: progressUpdate{message: "IN_PROGRESS"},
		},
		{
			name: "other run",
			msg:  `{"type":"run.step","service":"billing","runId":"run-9","payload":{"runId":"run-9","step":"build","status":"running"}}`,
		},
		{
			name: "other service",
			msg:  `{"type":"run.step","service":"ledger","runId":"run-1","payload":{"runId":"run-1","step":"build","status":"running"}}`,
		},
		{
			name: "health event",
			msg:  `{"type":"health.changed","payload":{"name":"docker","status":"down"}}`,
		},
		{
			name: "garbage",
			msg:  `not json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, done := decodeRunEvent([]byte(tt.msg), "billing", "run-1")
			if got != tt.want || done != tt.done {
				t.Errorf("got %#v, %v; want %#v, %v", got, done, tt.want, tt.done)
			}
		})
	}
}

func TestDecodeRunEventFinished(t *testing.T) {
	msg := `{"type":"run.failed","service":"billing","runId":"run-1","payload":{"id":"run-1","result":"TIMED_OUT","category":"unhealthy","error":"rollout timed out"}}`
	got, done := decodeRunEvent([]byte(msg), "billing", "run-1")
	fin, ok := got.(runFinished)
	if !ok || !done {
		t.Fatalf("got %#v, done = %v", got, done)
	}
	if fin.run.Result != model.RunTimedOut || fin.run.Category != model.CategoryUnhealthy {
		t.Errorf("run = %+v", fin.run)
	}
}

func TestRunModelFinishes(t *testing.T) {
	m := newRunModel("SHIPYARD DEPLOY", "billing", nil)

	next, _ := m.Update(stepUpdate{step: "build", status: "complete"})
	m = next.(runModel)
	if m.steps[0].status != "complete" {
		t.Errorf("build step = %q", m.steps[0].status)
	}

	next, _ = m.Update(runFinished{run: &model.Run{ID: "run-1", Result: model.RunFailed, Error: "rollout failed"}})
	m = next.(runModel)
	if !m.failed || m.status != "finished" || m.errMsg != "rollout failed" {
		t.Errorf("model = %+v", m)
	}
}

func TestApplyPoll(t *testing.T) {
	m := newRunModel("SHIPYARD WATCH", "billing", nil)
	events := []saga.Event{
		{Action: saga.ActionStepStart, Metadata: map[string]string{"step": "build"}},
		{Action: saga.ActionStepComplete, Metadata: map[string]string{"step": "build"}},
		{Action: saga.ActionStepStart, Metadata: map[string]string{"step": "deploy"}},
		{Action: saga.ActionRolloutPoll, Message: "rollout IN_PROGRESS (poll 1)"},
	}

	next, cmd := m.applyPoll(sagaPoll{events: events, run: &model.Report{RunID: "run-1"}})
	m = next.(runModel)
	if m.steps[0].status != "complete" || m.steps[1].status != "running" {
		t.Errorf("steps = %+v", m.steps)
	}
	if m.progress != "rollout IN_PROGRESS (poll 1)" || m.status == "finished" {
		t.Errorf("progress = %q, status = %q", m.progress, m.status)
	}
	if cmd != nil {
		t.Error("no follow-up command without a poller")
	}

	now := time.Now()
	done := &model.Report{RunID: "run-1", Result: model.RunSucceeded, FinishedAt: &now}
	next, _ = m.applyPoll(sagaPoll{events: events, run: done})
	m = next.(runModel)
	if m.status != "finished" || m.failed {
		t.Errorf("status = %q, failed = %v", m.status, m.failed)
	}
}

func TestWorkloadEnv(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:49153")
	env := workloadEnv(u)
	want := []string{
		"SHIPYARD_HARNESS_URL=http://127.0.0.1:49153",
		"SHIPYARD_HARNESS_HOST=127.0.0.1",
		"SHIPYARD_HARNESS_PORT=49153",
	}
	if len(env) != len(want) {
		t.Fatalf("env = %v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
	if workloadEnv(nil) != nil {
		t.Error("nil endpoint should add nothing")
	}
}

func TestHarnessProber(t *testing.T) {
	harnessProbe = "consul"
	harnessConsulService = ""
	defer func() { harnessProbe = "http" }()
	if _, err := harnessProber(nil); err == nil {
		t.Error("consul probe without a service should fail")
	}
	harnessProbe = "grpc"
	if _, err := harnessProber(nil); err == nil {
		t.Error("unknown probe should fail")
	}
}

func TestHarnessProberEndpointFlags(t *testing.T) {
	defer func() {
		harnessProbe = "http"
		harnessPorts = nil
		harnessConsulService = ""
	}()
	cfg := &config.Config{ConsulAddr: "127.0.0.1:8500"}

	harnessPorts = nil
	for _, kind := range []string{"http", "tcp"} {
		harnessProbe = kind
		if _, err := harnessProber(cfg); err == nil {
			t.Errorf("--probe %s without -p should fail", kind)
		}
	}

	harnessProbe = "tcp"
	harnessPorts = []int{5432}
	if p, err := harnessProber(cfg); err != nil {
		t.Errorf("tcp with port: %v", err)
	} else if _, ok := p.(harness.TCPProbe); !ok {
		t.Errorf("prober = %T, want TCPProbe", p)
	}

	harnessProbe = "consul"
	harnessPorts = nil
	harnessConsulService = "postgres"
	if _, err := harnessProber(cfg); err != nil {
		t.Errorf("consul probe needs no port: %v", err)
	}
}
