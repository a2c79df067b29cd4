package docker

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"shipyard/api/harness"
)

const stopGraceSeconds = 10

// ContainerOptions describes an ephemeral dependency container.
type ContainerOptions struct {
	Image   string
	Ports   []int // container ports, published on ephemeral loopback ports
	ShmSize int64 // bytes, 0 for the daemon default
	Env     []string
	Cmd     []string
	Scheme  string // endpoint scheme, "http" when empty
}

// Container is a started dependency. It implements harness.Process.
type Container struct {
	ID    string
	Name  string
	Ports nat.PortMap

	client   *Client
	endpoint *url.URL

	stopOnce sync.Once
	stopErr  error
}

// StartContainer pulls the image if needed, then creates and starts a
// container publishing opts.Ports on 127.0.0.1. The endpoint of the
// returned container points at the first published port.
func (c *Client) StartContainer(ctx context.Context, opts ContainerOptions) (*Container, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}
	if err := c.EnsureImage(ctx, opts.Image, nil); err != nil {
		return nil, err
	}

	config := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		Cmd:          opts.Cmd,
		ExposedPorts: nat.PortSet{},
		Labels:       map[string]string{"shipyard.harness": "true"},
	}
	bindings := nat.PortMap{}
	for _, p := range opts.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, fmt.Errorf("container port %d: %w", p, err)
		}
		config.ExposedPorts[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		ShmSize:      opts.ShmSize,
	}

	name := "shipyard-harness-" + randomSuffix()
	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	ctr := &Container{ID: created.ID, Name: name, client: c}

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ctr, fmt.Errorf("container start: %w", err)
	}

	ports, err := c.waitForPorts(ctx, created.ID, len(opts.Ports) > 0)
	if err != nil {
		return ctr, err
	}
	ctr.Ports = ports

	scheme := opts.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if len(opts.Ports) > 0 {
		first, _ := nat.NewPort("tcp", strconv.Itoa(opts.Ports[0]))
		for _, b := range ports[first] {
			if b.HostPort != "" {
				ctr.endpoint = &url.URL{Scheme: scheme, Host: net.JoinHostPort("127.0.0.1", b.HostPort)}
				break
			}
		}
	}
	log.Printf("docker: started %s (%s) from %s", name, shortID(created.ID), opts.Image)
	return ctr, nil
}

func (c *Client) waitForPorts(ctx context.Context, id string, want bool) (nat.PortMap, error) {
	var inspect types.ContainerJSON
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, id)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil, fmt.Errorf("container %s: %w", shortID(id), ErrNotFound)
			}
			return nil, fmt.Errorf("container inspect: %w", err)
		}
		if !want || hasHostPort(inspect.NetworkSettings) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Ports == nil {
		return nat.PortMap{}, nil
	}
	return inspect.NetworkSettings.Ports, nil
}

// Endpoint returns the loopback URL of the first published port, or nil
// when no port is published.
func (ctr *Container) Endpoint() *url.URL {
	return ctr.endpoint
}

// Stop stops and removes the container. Only the first call does work;
// later calls return the first result.
func (ctr *Container) Stop(ctx context.Context) error {
	ctr.stopOnce.Do(func() {
		ctr.stopErr = ctr.client.removeContainer(ctx, ctr.ID)
		if ctr.stopErr == nil {
			log.Printf("docker: removed %s", ctr.Name)
		}
	})
	return ctr.stopErr
}

func (c *Client) removeContainer(ctx context.Context, id string) error {
	grace := stopGraceSeconds
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		log.Printf("docker: stop %s: %v", shortID(id), err)
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Starter adapts StartContainer to a harness.StartFunc.
func (c *Client) Starter(opts ContainerOptions) harness.StartFunc {
	return func(ctx context.Context) (harness.Process, error) {
		ctr, err := c.StartContainer(ctx, opts)
		if ctr == nil {
			return nil, err
		}
		return ctr, err
	}
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
