package nomad

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"

	"shipyard/api/model"
	"shipyard/api/rollout"
)

const arnPrefix = "arn:nomad:taskdef/"

// Revisions stores translated jobs as numbered revisions per family.
type Revisions interface {
	Append(ctx context.Context, family string, doc []byte) (int, error)
	Get(ctx context.Context, family string, n int) ([]byte, error)
}

// jobsAPI is the subset of *nomadapi.Jobs the scheduler needs.
type jobsAPI interface {
	Info(jobID string, q *nomadapi.QueryOptions) (*nomadapi.Job, *nomadapi.QueryMeta, error)
	Register(job *nomadapi.Job, q *nomadapi.WriteOptions) (*nomadapi.JobRegisterResponse, *nomadapi.WriteMeta, error)
	LatestDeployment(jobID string, q *nomadapi.QueryOptions) (*nomadapi.Deployment, *nomadapi.QueryMeta, error)
}

// Scheduler implements rollout.Scheduler on Nomad. Task definitions are
// translated to jobs and kept as immutable revisions; clusters map to
// namespaces and services to job IDs.
type Scheduler struct {
	Datacenters []string

	jobs      jobsAPI
	revisions Revisions

	mu sync.Mutex
	// job modify index of the last registration per namespace/job, so an
	// older deployment is not mistaken for the new one
	registered map[string]uint64
}

func NewScheduler(jobs jobsAPI, revisions Revisions) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		revisions:  revisions,
		registered: make(map[string]uint64),
	}
}

func RevisionARN(family string, n int) string {
	return fmt.Sprintf("%s%s:%d", arnPrefix, family, n)
}

func ParseRevisionARN(arn string) (string, int, error) {
	rest, ok := strings.CutPrefix(arn, arnPrefix)
	if !ok {
		return "", 0, fmt.Errorf("not a nomad task definition ARN: %q", arn)
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed task definition ARN: %q", arn)
	}
	n, err := strconv.Atoi(rest[i+1:])
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("malformed revision in ARN: %q", arn)
	}
	return rest[:i], n, nil
}

func (s *Scheduler) RegisterTaskDefinition(ctx context.Context, spec model.TaskDefinitionSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	doc, err := json.Marshal(Translate(spec, s.Datacenters))
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	n, err := s.revisions.Append(ctx, spec.Family, doc)
	if err != nil {
		return "", err
	}
	return RevisionARN(spec.Family, n), nil
}

func (s *Scheduler) UpdateService(ctx context.Context, cluster, service, revisionARN string, force bool) error {
	family, n, err := ParseRevisionARN(revisionARN)
	if err != nil {
		return err
	}
	doc, err := s.revisions.Get(ctx, family, n)
	if err != nil {
		return err
	}
	var job nomadapi.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return fmt.Errorf("decode revision %s: %w", revisionARN, err)
	}

	existing, _, err := s.jobs.Info(service, s.query(ctx, cluster))
	if err != nil {
		return fmt.Errorf("service %s in %s: %w", service, cluster, err)
	}
	if existing == nil {
		return fmt.Errorf("service %s in %s does not exist", service, cluster)
	}

	// keep the live scale; the revision only describes the task
	counts := make(map[string]*int)
	for _, tg := range existing.TaskGroups {
		if tg.Name != nil {
			counts[*tg.Name] = tg.Count
		}
	}
	for _, tg := range job.TaskGroups {
		if tg.Name == nil {
			continue
		}
		if c, ok := counts[*tg.Name]; ok && c != nil {
			tg.Count = c
		}
	}

	job.ID = &service
	job.Name = &service
	job.Namespace = &cluster
	if job.Meta == nil {
		job.Meta = map[string]string{}
	}
	job.Meta["shipyard_revision"] = revisionARN
	if force {
		job.Meta["deploy_ts"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	resp, _, err := s.jobs.Register(&job, (&nomadapi.WriteOptions{Namespace: cluster}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("register job %s: %w", service, err)
	}
	if resp != nil {
		s.mu.Lock()
		s.registered[cluster+"/"+service] = resp.JobModifyIndex
		s.mu.Unlock()
	}
	return nil
}

func (s *Scheduler) DescribeRollout(ctx context.Context, cluster, service string) (model.RolloutState, error) {
	d, _, err := s.jobs.LatestDeployment(service, s.query(ctx, cluster))
	if err != nil {
		return "", err
	}
	if d == nil {
		return "", rollout.ErrNoPrimaryDeployment
	}

	s.mu.Lock()
	want := s.registered[cluster+"/"+service]
	s.mu.Unlock()
	if d.JobModifyIndex < want {
		// the scheduler has not created a deployment for our job yet
		return model.RolloutPending, nil
	}
	return rolloutState(d.Status)
}

func rolloutState(status string) (model.RolloutState, error) {
	switch status {
	case "successful":
		return model.RolloutCompleted, nil
	case "failed", "cancelled":
		return model.RolloutFailed, nil
	case "running", "paused", "unblocking":
		return model.RolloutInProgress, nil
	case "pending", "initializing", "blocked":
		return model.RolloutPending, nil
	}
	return "", fmt.Errorf("unknown deployment status %q", status)
}

func (s *Scheduler) query(ctx context.Context, namespace string) *nomadapi.QueryOptions {
	return (&nomadapi.QueryOptions{Namespace: namespace}).WithContext(ctx)
}
