package model

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DescriptorFile = "deployspec.yaml"

	DefaultRolloutTimeout = 10 * time.Minute
	DefaultPollInterval   = 10 * time.Second
)

// Descriptor is a per-service deployment description loaded from
// deployspec.yaml.
type Descriptor struct {
	Service          string        `yaml:"service" json:"service"`
	Cluster          string        `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	Family           string        `yaml:"family,omitempty" json:"family,omitempty"`
	Repository       string        `yaml:"repository" json:"repository"`
	Container        ContainerSpec `yaml:"container" json:"container"`
	Env              []EnvVar      `yaml:"env,omitempty" json:"env,omitempty"`
	Logs             *LogConfig    `yaml:"logs,omitempty" json:"logs,omitempty"`
	NetworkMode      string        `yaml:"networkMode,omitempty" json:"networkMode,omitempty"`
	Compatibilities  []string      `yaml:"compatibilities,omitempty" json:"compatibilities,omitempty"`
	ExecutionRoleARN string        `yaml:"executionRoleArn,omitempty" json:"executionRoleArn,omitempty"`
	TaskRoleARN      string        `yaml:"taskRoleArn,omitempty" json:"taskRoleArn,omitempty"`
	Build            *BuildSpec    `yaml:"build,omitempty" json:"build,omitempty"`
	Rollout          RolloutSpec   `yaml:"rollout,omitempty" json:"rollout,omitempty"`
	Deploy           bool          `yaml:"deploy,omitempty" json:"deploy,omitempty"`

	// Dir is the directory the descriptor was loaded from.
	Dir string `yaml:"-" json:"-"`
}

type ContainerSpec struct {
	Name   string `yaml:"name" json:"name"`
	Port   int    `yaml:"port,omitempty" json:"port,omitempty"`
	CPU    int    `yaml:"cpu" json:"cpu"`       // CPU units
	Memory int    `yaml:"memory" json:"memory"` // MiB
}

type BuildSpec struct {
	Context    string            `yaml:"context,omitempty" json:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty" json:"dockerfile,omitempty"`
	Args       map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

type RolloutSpec struct {
	Timeout      string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PollInterval string `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
}

// Defaults carries pipeline-wide values that descriptors may omit.
type Defaults struct {
	Cluster          string
	ExecutionRoleARN string
	TaskRoleARN      string
	LogRegion        string
}

func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, err
	}
	d.Dir = filepath.Dir(path)
	return d, nil
}

func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if d.Family == "" {
		d.Family = d.Service
	}
	if d.Container.Name == "" {
		d.Container.Name = d.Service
	}
	if d.Build != nil {
		if d.Build.Context == "" {
			d.Build.Context = "."
		}
		if d.Build.Dockerfile == "" {
			d.Build.Dockerfile = "Dockerfile"
		}
	}
	if d.Logs != nil && d.Logs.StreamPrefix == "" {
		d.Logs.StreamPrefix = d.Service
	}
	return &d, nil
}

// DiscoverDescriptors scans dir for <service>/deployspec.yaml files with
// deploy: true.
func DiscoverDescriptors(dir string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var descs []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), DescriptorFile)
		d, err := LoadDescriptor(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Printf("model: skipping %s: %v", path, err)
			}
			continue
		}
		if !d.Deploy {
			continue
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// DescriptorError reports a descriptor file that exists but cannot be
// loaded.
type DescriptorError struct {
	Path string
	Err  error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// FindDescriptor returns the deployable descriptor for a service, or nil.
// A malformed descriptor in the service's own directory is reported as a
// *DescriptorError rather than hidden.
func FindDescriptor(dir, service string) (*Descriptor, error) {
	if service != "" && filepath.Base(service) == service {
		path := filepath.Join(dir, service, DescriptorFile)
		if _, err := LoadDescriptor(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &DescriptorError{Path: path, Err: err}
		}
	}

	descs, err := DiscoverDescriptors(dir)
	if err != nil {
		return nil, err
	}
	for _, d := range descs {
		if d.Service == service {
			return d, nil
		}
	}
	return nil, nil
}

// WithDefaults returns a copy with empty pipeline-wide fields filled in.
func (d *Descriptor) WithDefaults(def Defaults) *Descriptor {
	out := *d
	out.Env = append([]EnvVar(nil), d.Env...)
	if out.Cluster == "" {
		out.Cluster = def.Cluster
	}
	if out.ExecutionRoleARN == "" {
		out.ExecutionRoleARN = def.ExecutionRoleARN
	}
	if out.TaskRoleARN == "" {
		out.TaskRoleARN = def.TaskRoleARN
	}
	if d.Logs != nil {
		logs := *d.Logs
		if logs.Region == "" {
			logs.Region = def.LogRegion
		}
		out.Logs = &logs
	}
	return &out
}

// BuildContext returns the build context directory resolved against the
// descriptor's directory.
func (d *Descriptor) BuildContext() string {
	if d.Build == nil {
		return ""
	}
	if filepath.IsAbs(d.Build.Context) || d.Dir == "" {
		return d.Build.Context
	}
	return filepath.Join(d.Dir, d.Build.Context)
}

// TaskDefinition builds the registration input for an image.
func (d *Descriptor) TaskDefinition(image ArtifactRef) TaskDefinitionSpec {
	spec := TaskDefinitionSpec{
		Family:                  d.Family,
		ContainerName:           d.Container.Name,
		Image:                   image,
		CPU:                     d.Container.CPU,
		Memory:                  d.Container.Memory,
		Port:                    d.Container.Port,
		Env:                     append([]EnvVar(nil), d.Env...),
		NetworkMode:             d.NetworkMode,
		RequiresCompatibilities: append([]string(nil), d.Compatibilities...),
		ExecutionRoleARN:        d.ExecutionRoleARN,
		TaskRoleARN:             d.TaskRoleARN,
	}
	if d.Logs != nil {
		spec.Log = *d.Logs
	}
	return spec
}

func (d *Descriptor) RolloutTimeout() (time.Duration, error) {
	return parseDurationOr(d.Rollout.Timeout, DefaultRolloutTimeout)
}

func (d *Descriptor) PollInterval() (time.Duration, error) {
	return parseDurationOr(d.Rollout.PollInterval, DefaultPollInterval)
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
