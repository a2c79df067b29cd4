package docker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/docker/docker/api/types/registry"

	"shipyard/api/model"
)

// Registry pushes to a registry with static credentials, such as GHCR or
// a self-hosted registry. Repositories are created on first push.
type Registry struct {
	Client   *Client
	Host     string
	Username string
	Password string
	OnOutput OutputFunc
}

func (r *Registry) EnsureRepository(ctx context.Context, name string) error {
	return nil
}

func (r *Registry) Push(ctx context.Context, ref model.ArtifactRef) error {
	if host := RegistryHost(ref.RegistryURI); r.Host != "" && host != r.Host {
		return fmt.Errorf("image %s does not belong to registry %s", ref.Image(), r.Host)
	}
	auth := registry.AuthConfig{
		Username:      r.Username,
		Password:      r.Password,
		ServerAddress: r.Host,
	}
	if err := r.Client.PushImage(ctx, ref.Image(), auth, r.OnOutput); err != nil {
		return err
	}
	log.Printf("docker: pushed %s", ref.Image())
	return nil
}

// RegistryHost returns the registry host of a repository URI, or
// "docker.io" when the URI has no host component.
func RegistryHost(repositoryURI string) string {
	i := strings.Index(repositoryURI, "/")
	if i < 0 {
		return "docker.io"
	}
	host := repositoryURI[:i]
	if strings.ContainsAny(host, ".:") || host == "localhost" {
		return host
	}
	return "docker.io"
}

// RepositoryName strips the registry host from a repository URI.
func RepositoryName(repositoryURI string) string {
	host := RegistryHost(repositoryURI)
	if name, ok := strings.CutPrefix(repositoryURI, host+"/"); ok {
		return name
	}
	return repositoryURI
}
