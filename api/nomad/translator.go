package nomad

import (
	"time"

	nomadapi "github.com/hashicorp/nomad/api"

	"shipyard/api/model"
)

const portLabel = "http"

// Translate converts a task definition into a Nomad service job with a
// single task group. The job ID is the family; UpdateService rewrites it
// to the target service.
func Translate(spec model.TaskDefinitionSpec, datacenters []string) *nomadapi.Job {
	job := nomadapi.NewServiceJob(spec.Family, spec.Family, "global", 50)
	if len(datacenters) == 0 {
		datacenters = []string{"dc1"}
	}
	job.Datacenters = datacenters
	job.Meta = map[string]string{
		"shipyard_family": spec.Family,
		"shipyard_image":  spec.Image.Image(),
	}

	tg := nomadapi.NewTaskGroup(spec.ContainerName, 1)

	attempts := 3
	interval := 5 * time.Minute
	delay := 15 * time.Second
	mode := "delay"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Interval: &interval,
		Delay:    &delay,
		Mode:     &mode,
	}

	// Failed rollouts stay failed; there is no automatic rollback.
	maxParallel := 1
	healthy := 30 * time.Second
	autoRevert := false
	tg.Update = &nomadapi.UpdateStrategy{
		MaxParallel:    &maxParallel,
		MinHealthyTime: &healthy,
		AutoRevert:     &autoRevert,
	}

	task := nomadapi.NewTask(spec.ContainerName, "docker")
	task.Config = map[string]interface{}{
		"image": spec.Image.Image(),
	}

	if spec.Port > 0 {
		task.Config["ports"] = []string{portLabel}
		tg.Networks = []*nomadapi.NetworkResource{{
			DynamicPorts: []nomadapi.Port{{Label: portLabel, To: spec.Port}},
		}}
		tg.Services = []*nomadapi.Service{{
			Name:      spec.Family,
			PortLabel: portLabel,
			Provider:  "consul",
			Checks: []nomadapi.ServiceCheck{{
				Type:     "tcp",
				Interval: 10 * time.Second,
				Timeout:  5 * time.Second,
			}},
		}}
	}

	if spec.Log.Group != "" {
		driver := spec.Log.Driver
		if driver == "" {
			driver = model.DefaultLogDriver
		}
		task.Config["logging"] = map[string]interface{}{
			"type": driver,
			"config": []map[string]string{{
				"awslogs-group":         spec.Log.Group,
				"awslogs-region":        spec.Log.Region,
				"awslogs-stream-prefix": spec.Log.StreamPrefix,
			}},
		}
	}

	if len(spec.Env) > 0 {
		task.Env = make(map[string]string, len(spec.Env))
		for _, e := range spec.Env {
			task.Env[e.Name] = e.Value
		}
	}

	cpu := spec.CPU
	mem := spec.Memory
	task.Resources = &nomadapi.Resources{
		CPU:      &cpu,
		MemoryMB: &mem,
	}

	tg.Tasks = []*nomadapi.Task{task}
	job.TaskGroups = []*nomadapi.TaskGroup{tg}
	return job
}
