package nomad

import (
	"context"
	"errors"
	"fmt"
	"testing"

	nomadapi "github.com/hashicorp/nomad/api"

	"shipyard/api/model"
	"shipyard/api/rollout"
)

type fakeRevisions struct {
	docs map[string][][]byte
}

func (f *fakeRevisions) Append(_ context.Context, family string, doc []byte) (int, error) {
	if f.docs == nil {
		f.docs = map[string][][]byte{}
	}
	f.docs[family] = append(f.docs[family], doc)
	return len(f.docs[family]), nil
}

func (f *fakeRevisions) Get(_ context.Context, family string, n int) ([]byte, error) {
	docs := f.docs[family]
	if n < 1 || n > len(docs) {
		return nil, fmt.Errorf("revision %s:%d not found", family, n)
	}
	return docs[n-1], nil
}

type fakeJobs struct {
	existing    *nomadapi.Job
	registered  *nomadapi.Job
	namespace   string
	modifyIndex uint64
	deployment  *nomadapi.Deployment
	deployErr   error
}

func (f *fakeJobs) Info(jobID string, q *nomadapi.QueryOptions) (*nomadapi.Job, *nomadapi.QueryMeta, error) {
	if f.existing == nil {
		return nil, nil, errors.New("Unexpected response code: 404 (job not found)")
	}
	return f.existing, &nomadapi.QueryMeta{}, nil
}

func (f *fakeJobs) Register(job *nomadapi.Job, q *nomadapi.WriteOptions) (*nomadapi.JobRegisterResponse, *nomadapi.WriteMeta, error) {
	f.registered = job
	f.namespace = q.Namespace
	f.modifyIndex += 10
	return &nomadapi.JobRegisterResponse{JobModifyIndex: f.modifyIndex}, &nomadapi.WriteMeta{}, nil
}

func (f *fakeJobs) LatestDeployment(jobID string, q *nomadapi.QueryOptions) (*nomadapi.Deployment, *nomadapi.QueryMeta, error) {
	return f.deployment, &nomadapi.QueryMeta{}, f.deployErr
}

func testSpec() model.TaskDefinitionSpec {
	return model.TaskDefinitionSpec{
		Family:        "billing",
		ContainerName: "app",
		Image:         model.ArtifactRef{RegistryURI: "registry.local/billing", Tag: "abc1234-7"},
		CPU:           256,
		Memory:        512,
		Port:          8080,
		Env:           []model.EnvVar{{Name: "MODE", Value: "live"}},
		Log:           model.LogConfig{Group: "/svc/billing", Region: "eu-west-1", StreamPrefix: "billing"},
	}
}

func TestRevisionARNRoundTrip(t *testing.T) {
	arn := RevisionARN("billing-api", 12)
	family, n, err := ParseRevisionARN(arn)
	if err != nil {
		t.Fatalf("ParseRevisionARN: %v", err)
	}
	if family != "billing-api" || n != 12 {
		t.Errorf("got %s:%d", family, n)
	}

	for _, bad := range []string{"", "arn:aws:ecs:taskdef/x:1", "arn:nomad:taskdef/x", "arn:nomad:taskdef/x:0", "arn:nomad:taskdef/:3"} {
		if _, _, err := ParseRevisionARN(bad); err == nil {
			t.Errorf("ParseRevisionARN(%q) should fail", bad)
		}
	}
}

func TestTranslate(t *testing.T) {
	job := Translate(testSpec(), nil)

	if *job.ID != "billing" || job.Datacenters[0] != "dc1" {
		t.Errorf("job id = %s, datacenters = %v", *job.ID, job.Datacenters)
	}
	if len(job.TaskGroups) != 1 {
		t.Fatalf("task groups = %d", len(job.TaskGroups))
	}
	tg := job.TaskGroups[0]
	if *tg.Update.AutoRevert {
		t.Error("auto revert must be disabled")
	}
	task := tg.Tasks[0]
	if task.Driver != "docker" || task.Config["image"] != "registry.local/billing:abc1234-7" {
		t.Errorf("task = %s %v", task.Driver, task.Config["image"])
	}
	if task.Env["MODE"] != "live" {
		t.Errorf("env = %v", task.Env)
	}
	if *task.Resources.CPU != 256 || *task.Resources.MemoryMB != 512 {
		t.Errorf("resources = %d/%d", *task.Resources.CPU, *task.Resources.MemoryMB)
	}
	if tg.Networks[0].DynamicPorts[0].To != 8080 {
		t.Errorf("port = %+v", tg.Networks[0].DynamicPorts)
	}
	if tg.Services[0].Name != "billing" {
		t.Errorf("service = %s", tg.Services[0].Name)
	}
	if _, ok := task.Config["logging"]; !ok {
		t.Error("expected logging config")
	}
}

func TestSchedulerRegisterAndUpdate(t *testing.T) {
	count := 3
	name := "app"
	jobs := &fakeJobs{existing: &nomadapi.Job{TaskGroups: []*nomadapi.TaskGroup{{Name: &name, Count: &count}}}}
	s := NewScheduler(jobs, &fakeRevisions{})
	ctx := context.Background()

	arn, err := s.RegisterTaskDefinition(ctx, testSpec())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if arn != "arn:nomad:taskdef/billing:1" {
		t.Errorf("arn = %s", arn)
	}
	arn2, _ := s.RegisterTaskDefinition(ctx, testSpec())
	if arn2 != "arn:nomad:taskdef/billing:2" {
		t.Errorf("second arn = %s", arn2)
	}

	if err := s.UpdateService(ctx, "prod", "billing-svc", arn, true); err != nil {
		t.Fatalf("UpdateService: %v", err)
	}
	job := jobs.registered
	if *job.ID != "billing-svc" || *job.Namespace != "prod" || jobs.namespace != "prod" {
		t.Errorf("registered %s in %s", *job.ID, *job.Namespace)
	}
	if *job.TaskGroups[0].Count != 3 {
		t.Errorf("count = %d, want live count 3", *job.TaskGroups[0].Count)
	}
	if job.Meta["shipyard_revision"] != arn || job.Meta["deploy_ts"] == "" {
		t.Errorf("meta = %v", job.Meta)
	}
}

func TestSchedulerUpdateMissingService(t *testing.T) {
	s := NewScheduler(&fakeJobs{}, &fakeRevisions{})
	ctx := context.Background()
	arn, err := s.RegisterTaskDefinition(ctx, testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateService(ctx, "prod", "ghost", arn, true); err == nil {
		t.Error("expected error for missing service")
	}
	if err := s.UpdateService(ctx, "prod", "ghost", "arn:nomad:taskdef/billing:9", true); err == nil {
		t.Error("expected error for unknown revision")
	}
}

func TestSchedulerDescribeRollout(t *testing.T) {
	jobs := &fakeJobs{existing: &nomadapi.Job{}}
	s := NewScheduler(jobs, &fakeRevisions{})
	ctx := context.Background()

	if _, err := s.DescribeRollout(ctx, "prod", "billing"); !errors.Is(err, rollout.ErrNoPrimaryDeployment) {
		t.Errorf("err = %v, want ErrNoPrimaryDeployment", err)
	}

	arn, _ := s.RegisterTaskDefinition(ctx, testSpec())
	if err := s.UpdateService(ctx, "prod", "billing", arn, true); err != nil {
		t.Fatal(err)
	}

	// deployment from an earlier job version
	jobs.deployment = &nomadapi.Deployment{Status: "successful", JobModifyIndex: 1}
	if got, _ := s.DescribeRollout(ctx, "prod", "billing"); got != model.RolloutPending {
		t.Errorf("stale deployment state = %s, want PENDING", got)
	}

	tests := map[string]model.RolloutState{
		"running":    model.RolloutInProgress,
		"successful": model.RolloutCompleted,
		"failed":     model.RolloutFailed,
		"cancelled":  model.RolloutFailed,
		"pending":    model.RolloutPending,
	}
	for status, want := range tests {
		jobs.deployment = &nomadapi.Deployment{Status: status, JobModifyIndex: jobs.modifyIndex}
		got, err := s.DescribeRollout(ctx, "prod", "billing")
		if err != nil || got != want {
			t.Errorf("%s: got %s, %v; want %s", status, got, err, want)
		}
	}

	jobs.deployment = &nomadapi.Deployment{Status: "weird", JobModifyIndex: jobs.modifyIndex}
	if _, err := s.DescribeRollout(ctx, "prod", "billing"); err == nil {
		t.Error("expected error for unknown status")
	}
}
