package backend

import (
	"context"
	"testing"

	"shipyard/api/config"
	"shipyard/api/docker"
	"shipyard/api/nomad"
)

func TestSchedulerNomad(t *testing.T) {
	cfg := &config.Config{
		Backend:        config.BackendNomad,
		NomadAddr:      "http://127.0.0.1:4646",
		ConsulAddr:     "127.0.0.1:8500",
		RevisionPrefix: "shipyard/taskdefs",
		Datacenters:    []string{"eu1"},
	}
	sched, checks, err := Scheduler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Scheduler: %v", err)
	}
	ns, ok := sched.(*nomad.Scheduler)
	if !ok {
		t.Fatalf("scheduler is %T", sched)
	}
	if len(ns.Datacenters) != 1 || ns.Datacenters[0] != "eu1" {
		t.Errorf("Datacenters = %v", ns.Datacenters)
	}
	if len(checks) != 2 || checks[0].Name != "nomad" || checks[1].Name != "consul" {
		t.Errorf("checks = %+v", checks)
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, _, err := Scheduler(context.Background(), &config.Config{Backend: "k8s"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{
		Registry:     config.RegistryStatic,
		RegistryHost: "ghcr.io",
		RegistryUser: "ci",
	}
	dc := &docker.Client{}
	reg, err := Registry(context.Background(), cfg, dc)
	if err != nil {
		t.Fatal(err)
	}
	dr, ok := reg.(*docker.Registry)
	if !ok || dr.Host != "ghcr.io" || dr.Username != "ci" || dr.Client != dc {
		t.Errorf("registry = %#v", reg)
	}

	cfg.Registry = "quay"
	if _, err := Registry(context.Background(), cfg, dc); err == nil {
		t.Error("expected error for unknown registry")
	}
}
