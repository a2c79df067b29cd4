package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// OutputFunc is invoked with incremental build, pull and push messages.
type OutputFunc func(string)

// BuildOptions describes one image build.
type BuildOptions struct {
	Dir        string
	Dockerfile string
	Tag        string
	Args       map[string]string
}

// BuildImage creates a Docker image from opts.Dir.
func (c *Client) BuildImage(ctx context.Context, opts BuildOptions, onOutput OutputFunc) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if opts.Dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if opts.Tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(opts.Dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(opts.Args))
	for k, v := range opts.Args {
		v := v
		args[k] = &v
	}
	dockerfile := opts.Dockerfile
	if dockerfile != "" {
		// relative to the build context root
		dockerfile = filepath.ToSlash(dockerfile)
	}

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   args,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	if err := streamMessages(resp.Body, onOutput); err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	return nil
}

// PushImage pushes ref using auth. Errors reported inside the push stream
// are returned as errors.
func (c *Client) PushImage(ctx context.Context, ref string, auth registry.AuthConfig, onOutput OutputFunc) error {
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	rc, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("docker push %s: %w", ref, err)
	}
	defer rc.Close()
	if err := streamMessages(rc, onOutput); err != nil {
		return fmt.Errorf("docker push %s: %w", ref, err)
	}
	return nil
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string, onOutput OutputFunc) error {
	_, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker pull %s: %w", ref, err)
	}
	defer rc.Close()
	if err := streamMessages(rc, onOutput); err != nil {
		return fmt.Errorf("docker pull %s: %w", ref, err)
	}
	return nil
}

// RemoveImage deletes a local image reference. A missing image is not an
// error.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

func streamMessages(r io.Reader, onOutput OutputFunc) error {
	decoder := json.NewDecoder(r)
	for {
		var msg jsonMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("%s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type jsonMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    errorDetail            `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func (m jsonMessage) errorMessage() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m jsonMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if digest, ok := m.Aux["Digest"]; ok {
		return fmt.Sprintf("digest: %v", digest)
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
