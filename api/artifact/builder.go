package artifact

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"shipyard/api/docker"
	"shipyard/api/model"
)

// Registry stores built images.
type Registry interface {
	// EnsureRepository creates the repository if needed. It is idempotent.
	EnsureRepository(ctx context.Context, name string) error
	Push(ctx context.Context, ref model.ArtifactRef) error
}

type ImageBuilder interface {
	BuildImage(ctx context.Context, opts docker.BuildOptions, onOutput docker.OutputFunc) error
}

// Builder builds a descriptor's image, tags it with the source revision
// and build ID, and pushes it.
type Builder struct {
	Images   ImageBuilder
	Registry Registry
	// Revision is the source revision. When empty it is read from git in
	// the build context.
	Revision string
	// BuildID pins the build ID for every build. When empty the ID
	// attached to the context by the orchestrator is used, so each run
	// gets its own tag.
	BuildID  string
	OnOutput docker.OutputFunc
}

// Build implements orchestrator.BuildFunc.
func (b *Builder) Build(ctx context.Context, desc *model.Descriptor) (model.ArtifactRef, error) {
	if desc.Build == nil {
		return model.ArtifactRef{}, fmt.Errorf("service %s has no build section", desc.Service)
	}
	buildID := b.BuildID
	if buildID == "" {
		buildID = model.BuildIDFrom(ctx)
	}
	if buildID == "" {
		return model.ArtifactRef{}, errors.New("build ID is required")
	}
	dir := desc.BuildContext()

	revision := b.Revision
	if revision == "" {
		rev, err := GitRevision(ctx, dir)
		if err != nil {
			return model.ArtifactRef{}, err
		}
		revision = rev
	}

	ref, err := model.NewArtifactRef(desc.Repository, revision, buildID)
	if err != nil {
		return model.ArtifactRef{}, err
	}

	log.Printf("artifact: building %s from %s", ref.Image(), dir)
	err = b.Images.BuildImage(ctx, docker.BuildOptions{
		Dir:        dir,
		Dockerfile: desc.Build.Dockerfile,
		Tag:        ref.Image(),
		Args:       desc.Build.Args,
	}, b.OnOutput)
	if err != nil {
		return ref, err
	}

	if err := b.Registry.EnsureRepository(ctx, docker.RepositoryName(desc.Repository)); err != nil {
		return ref, err
	}
	if err := b.Registry.Push(ctx, ref); err != nil {
		return ref, err
	}
	return ref, nil
}

// GitRevision returns the commit checked out in dir.
func GitRevision(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse in %s: %w", dir, err)
	}
	rev := strings.TrimSpace(string(out))
	if rev == "" {
		return "", fmt.Errorf("git rev-parse in %s: empty revision", dir)
	}
	return rev, nil
}
