package model

import (
	"strings"
	"testing"
)

func testSpec() TaskDefinitionSpec {
	return TaskDefinitionSpec{
		Family:        "svc-test",
		ContainerName: "web",
		Image:         ArtifactRef{RegistryURI: "123.dkr.ecr.us-east-1.amazonaws.com/svc-test", Tag: "abc1234-42"},
		CPU:           256,
		Memory:        512,
		Port:          8080,
		Env: []EnvVar{
			{Name: "ZETA", Value: "1"},
			{Name: "ALPHA", Value: "2"},
		},
		Log: LogConfig{
			Group:        "/ecs/svc-test",
			Region:       "us-east-1",
			StreamPrefix: "ecs",
		},
		ExecutionRoleARN: "arn:aws:iam::123:role/exec",
		TaskRoleARN:      "arn:aws:iam::123:role/task",
	}
}

func TestRenderTaskDefinition(t *testing.T) {
	data, err := RenderTaskDefinition(testSpec())
	if err != nil {
		t.Fatalf("RenderTaskDefinition: %v", err)
	}

	want := `{"family":"svc-test","networkMode":"awsvpc","requiresCompatibilities":["FARGATE"],` +
		`"cpu":"256","memory":"512",` +
		`"executionRoleArn":"arn:aws:iam::123:role/exec","taskRoleArn":"arn:aws:iam::123:role/task",` +
		`"containerDefinitions":[{"name":"web","image":"123.dkr.ecr.us-east-1.amazonaws.com/svc-test:abc1234-42","essential":true,` +
		`"portMappings":[{"containerPort":8080,"protocol":"tcp"}],` +
		`"environment":[{"name":"ZETA","value":"1"},{"name":"ALPHA","value":"2"}],` +
		`"logConfiguration":{"logDriver":"awslogs","options":{"awslogs-group":"/ecs/svc-test","awslogs-region":"us-east-1","awslogs-stream-prefix":"ecs"}}}]}`
	if string(data) != want {
		t.Errorf("document mismatch\n got: %s\nwant: %s", data, want)
	}
}

func TestRenderTaskDefinitionOmitsOptionalBlocks(t *testing.T) {
	spec := testSpec()
	spec.Port = 0
	spec.Log = LogConfig{}
	spec.Env = nil
	spec.ExecutionRoleARN = ""
	spec.TaskRoleARN = ""

	data, err := RenderTaskDefinition(spec)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, absent := range []string{"logConfiguration", "executionRoleArn", "taskRoleArn"} {
		if strings.Contains(s, absent) {
			t.Errorf("expected %s to be omitted: %s", absent, s)
		}
	}
	if !strings.Contains(s, `"portMappings":[]`) || !strings.Contains(s, `"environment":[]`) {
		t.Errorf("expected empty lists for ports and environment: %s", s)
	}
}

func TestTaskDefinitionSpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TaskDefinitionSpec)
	}{
		{"no family", func(s *TaskDefinitionSpec) { s.Family = "" }},
		{"no container", func(s *TaskDefinitionSpec) { s.ContainerName = "" }},
		{"no tag", func(s *TaskDefinitionSpec) { s.Image.Tag = "" }},
		{"zero cpu", func(s *TaskDefinitionSpec) { s.CPU = 0 }},
		{"zero memory", func(s *TaskDefinitionSpec) { s.Memory = 0 }},
		{"bad port", func(s *TaskDefinitionSpec) { s.Port = 70000 }},
		{"duplicate env", func(s *TaskDefinitionSpec) { s.Env = append(s.Env, EnvVar{Name: "ZETA"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec()
			tt.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Error("expected validation error")
			}
			if _, err := RenderTaskDefinition(spec); err == nil {
				t.Error("expected render error")
			}
		})
	}

	if err := testSpec().Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestDocumentDoesNotAliasSpecEnv(t *testing.T) {
	spec := testSpec()
	doc := spec.Document()
	doc.ContainerDefinitions[0].Environment[0].Value = "changed"
	if spec.Env[0].Value != "1" {
		t.Error("document shares environment slice with spec")
	}
}
