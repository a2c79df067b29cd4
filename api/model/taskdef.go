package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	DefaultNetworkMode = "awsvpc"
	DefaultLogDriver   = "awslogs"
	DefaultProtocol    = "tcp"
)

// EnvVar is a single container environment entry. Order is preserved.
type EnvVar struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// LogConfig describes where container logs are shipped.
type LogConfig struct {
	Driver       string `yaml:"driver,omitempty" json:"driver,omitempty"`
	Group        string `yaml:"group" json:"group"`
	Region       string `yaml:"region" json:"region"`
	StreamPrefix string `yaml:"streamPrefix" json:"streamPrefix"`
}

// TaskDefinitionSpec is the immutable input to revision registration.
type TaskDefinitionSpec struct {
	Family                  string      `json:"family"`
	ContainerName           string      `json:"containerName"`
	Image                   ArtifactRef `json:"image"`
	CPU                     int         `json:"cpu"`
	Memory                  int         `json:"memory"`
	Port                    int         `json:"port"`
	Env                     []EnvVar    `json:"env"`
	Log                     LogConfig   `json:"log"`
	NetworkMode             string      `json:"networkMode"`
	RequiresCompatibilities []string    `json:"requiresCompatibilities"`
	ExecutionRoleARN        string      `json:"executionRoleArn,omitempty"`
	TaskRoleARN             string      `json:"taskRoleArn,omitempty"`
}

// TaskDefinitionRevision is returned by the scheduler after registration.
// Revisions are append-only per family.
type TaskDefinitionRevision struct {
	Family      string `json:"family"`
	RevisionARN string `json:"revisionArn"`
}

// TaskDefinitionDocument is the registration document exchanged with the
// scheduler. Field order matches the scheduler's registration API.
type TaskDefinitionDocument struct {
	Family                  string                `json:"family"`
	NetworkMode             string                `json:"networkMode"`
	RequiresCompatibilities []string              `json:"requiresCompatibilities"`
	CPU                     string                `json:"cpu"`
	Memory                  string                `json:"memory"`
	ExecutionRoleArn        string                `json:"executionRoleArn,omitempty"`
	TaskRoleArn             string                `json:"taskRoleArn,omitempty"`
	ContainerDefinitions    []ContainerDefinition `json:"containerDefinitions"`
}

type ContainerDefinition struct {
	Name             string            `json:"name"`
	Image            string            `json:"image"`
	Essential        bool              `json:"essential"`
	PortMappings     []PortMapping     `json:"portMappings"`
	Environment      []EnvVar          `json:"environment"`
	LogConfiguration *LogConfiguration `json:"logConfiguration,omitempty"`
}

type PortMapping struct {
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol"`
}

type LogConfiguration struct {
	LogDriver string     `json:"logDriver"`
	Options   LogOptions `json:"options"`
}

type LogOptions struct {
	Group        string `json:"awslogs-group"`
	Region       string `json:"awslogs-region"`
	StreamPrefix string `json:"awslogs-stream-prefix"`
}

// Validate checks the fields the scheduler would otherwise reject.
func (s TaskDefinitionSpec) Validate() error {
	var errs []error
	if s.Family == "" {
		errs = append(errs, errors.New("family is required"))
	}
	if s.ContainerName == "" {
		errs = append(errs, errors.New("container name is required"))
	}
	if !s.Image.Valid() {
		errs = append(errs, errors.New("image reference is incomplete"))
	}
	if s.CPU <= 0 {
		errs = append(errs, fmt.Errorf("cpu must be positive, got %d", s.CPU))
	}
	if s.Memory <= 0 {
		errs = append(errs, fmt.Errorf("memory must be positive, got %d", s.Memory))
	}
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	seen := make(map[string]bool, len(s.Env))
	for _, e := range s.Env {
		if e.Name == "" {
			errs = append(errs, errors.New("environment entry without name"))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("duplicate environment variable %s", e.Name))
		}
		seen[e.Name] = true
	}
	return errors.Join(errs...)
}

// Document builds the registration document for the spec.
func (s TaskDefinitionSpec) Document() TaskDefinitionDocument {
	networkMode := s.NetworkMode
	if networkMode == "" {
		networkMode = DefaultNetworkMode
	}
	compat := s.RequiresCompatibilities
	if len(compat) == 0 {
		compat = []string{"FARGATE"}
	}

	env := make([]EnvVar, len(s.Env))
	copy(env, s.Env)

	ports := []PortMapping{}
	if s.Port > 0 {
		ports = append(ports, PortMapping{ContainerPort: s.Port, Protocol: DefaultProtocol})
	}

	container := ContainerDefinition{
		Name:         s.ContainerName,
		Image:        s.Image.Image(),
		Essential:    true,
		PortMappings: ports,
		Environment:  env,
	}
	if s.Log.Group != "" {
		driver := s.Log.Driver
		if driver == "" {
			driver = DefaultLogDriver
		}
		container.LogConfiguration = &LogConfiguration{
			LogDriver: driver,
			Options: LogOptions{
				Group:        s.Log.Group,
				Region:       s.Log.Region,
				StreamPrefix: s.Log.StreamPrefix,
			},
		}
	}

	return TaskDefinitionDocument{
		Family:                  s.Family,
		NetworkMode:             networkMode,
		RequiresCompatibilities: compat,
		CPU:                     strconv.Itoa(s.CPU),
		Memory:                  strconv.Itoa(s.Memory),
		ExecutionRoleArn:        s.ExecutionRoleARN,
		TaskRoleArn:             s.TaskRoleARN,
		ContainerDefinitions:    []ContainerDefinition{container},
	}
}

// RenderTaskDefinition renders the JSON registration document for a spec.
func RenderTaskDefinition(s TaskDefinitionSpec) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("task definition %s: %w", s.Family, err)
	}
	return json.Marshal(s.Document())
}
