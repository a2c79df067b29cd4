package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const shortRevisionLen = 7

// ArtifactRef identifies a built image by repository URI and tag.
type ArtifactRef struct {
	RegistryURI string `json:"registryUri"`
	Tag         string `json:"tag"`
}

// NewArtifactRef derives the tag "<shortRevision>-<buildID>" for a source
// revision and build. The tag is unique per (revision, build) pair.
func NewArtifactRef(registryURI, revision, buildID string) (ArtifactRef, error) {
	registryURI = strings.TrimSpace(registryURI)
	revision = strings.TrimSpace(revision)
	buildID = strings.TrimSpace(buildID)

	if registryURI == "" {
		return ArtifactRef{}, errors.New("artifact: registry URI is required")
	}
	if revision == "" {
		return ArtifactRef{}, errors.New("artifact: source revision is required")
	}
	if buildID == "" {
		return ArtifactRef{}, errors.New("artifact: build ID is required")
	}
	return ArtifactRef{
		RegistryURI: registryURI,
		Tag:         fmt.Sprintf("%s-%s", ShortRevision(revision), buildID),
	}, nil
}

type buildIDKey struct{}

// WithBuildID attaches the build ID the artifact for this run is tagged
// with.
func WithBuildID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, buildIDKey{}, id)
}

// BuildIDFrom returns the build ID attached by WithBuildID, or "".
func BuildIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(buildIDKey{}).(string)
	return id
}

// ShortRevision truncates a revision identifier to its short form.
func ShortRevision(revision string) string {
	if len(revision) > shortRevisionLen {
		return revision[:shortRevisionLen]
	}
	return revision
}

// Image renders the full image reference, e.g. "repo/app:abc1234-42".
func (a ArtifactRef) Image() string {
	return a.RegistryURI + ":" + a.Tag
}

// Valid reports whether both parts of the reference are set.
func (a ArtifactRef) Valid() bool {
	return a.RegistryURI != "" && a.Tag != ""
}

func (a ArtifactRef) String() string {
	return a.Image()
}
