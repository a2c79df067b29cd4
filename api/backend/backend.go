// Package backend assembles the scheduler and registry selected by the
// pipeline config. The API server and the in-process CLI runner share it.
package backend

import (
	"context"
	"fmt"
	"log"

	"shipyard/api/artifact"
	"shipyard/api/config"
	"shipyard/api/consul"
	"shipyard/api/docker"
	"shipyard/api/ecr"
	"shipyard/api/ecs"
	"shipyard/api/health"
	"shipyard/api/nomad"
	"shipyard/api/rollout"
)

// Scheduler connects to the configured backend and returns it along with
// the health checks for the services it depends on.
func Scheduler(ctx context.Context, cfg *config.Config) (rollout.Scheduler, []health.Check, error) {
	switch cfg.Backend {
	case config.BackendNomad:
		nc, err := nomad.NewClient(cfg.NomadAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("nomad: %w", err)
		}
		cc, err := consul.NewClient(cfg.ConsulAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("consul: %w", err)
		}
		sched := nc.Scheduler(cc.Revisions(cfg.RevisionPrefix))
		if len(cfg.Datacenters) > 0 {
			sched.Datacenters = cfg.Datacenters
		}
		log.Printf("backend: nomad at %s, revisions in consul at %s", cfg.NomadAddr, cfg.ConsulAddr)
		return sched, []health.Check{
			{Name: "nomad", Fn: func(context.Context) error { return nc.Healthy() }},
			{Name: "consul", Fn: cc.Healthy},
		}, nil

	case config.BackendECS:
		ec, err := ecs.New(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, nil, fmt.Errorf("ecs: %w", err)
		}
		log.Printf("backend: ecs in %s", cfg.AWSRegion)
		// no liveness endpoint; reported as not configured
		return ec, []health.Check{{Name: "ecs"}}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Registry returns the image registry selected by cfg. Pushes go through dc.
func Registry(ctx context.Context, cfg *config.Config, dc *docker.Client) (artifact.Registry, error) {
	switch cfg.Registry {
	case config.RegistryECR:
		r, err := ecr.New(ctx, cfg.AWSRegion, dc)
		if err != nil {
			return nil, fmt.Errorf("ecr: %w", err)
		}
		return r, nil
	case config.RegistryStatic:
		return &docker.Registry{
			Client:   dc,
			Host:     cfg.RegistryHost,
			Username: cfg.RegistryUser,
			Password: cfg.RegistryPassword,
		}, nil
	}
	return nil, fmt.Errorf("unknown registry %q", cfg.Registry)
}

// Builder returns an artifact builder that builds with dc and pushes to
// the configured registry. BuildID is left empty so each run is tagged
// with its own run ID; callers running a single build may pin it.
func Builder(ctx context.Context, cfg *config.Config, dc *docker.Client) (*artifact.Builder, error) {
	reg, err := Registry(ctx, cfg, dc)
	if err != nil {
		return nil, err
	}
	return &artifact.Builder{
		Images:   dc,
		Registry: reg,
		Revision: cfg.Revision,
	}, nil
}
