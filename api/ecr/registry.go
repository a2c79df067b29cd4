package ecr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ecrapi "github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/docker/docker/api/types/registry"

	"shipyard/api/docker"
	"shipyard/api/model"
)

type ecrAPI interface {
	CreateRepository(ctx context.Context, in *ecrapi.CreateRepositoryInput, opts ...func(*ecrapi.Options)) (*ecrapi.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, in *ecrapi.GetAuthorizationTokenInput, opts ...func(*ecrapi.Options)) (*ecrapi.GetAuthorizationTokenOutput, error)
}

type pusher interface {
	PushImage(ctx context.Context, ref string, auth registry.AuthConfig, onOutput docker.OutputFunc) error
}

// Registry publishes images to AWS ECR through the local Docker daemon.
type Registry struct {
	api      ecrAPI
	docker   pusher
	OnOutput docker.OutputFunc
}

func New(ctx context.Context, region string, d *docker.Client) (*Registry, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Registry{api: ecrapi.NewFromConfig(cfg), docker: d}, nil
}

// EnsureRepository creates the repository if it does not exist. Tags are
// immutable since every build produces a unique tag.
func (r *Registry) EnsureRepository(ctx context.Context, name string) error {
	_, err := r.api.CreateRepository(ctx, &ecrapi.CreateRepositoryInput{
		RepositoryName:     aws.String(name),
		ImageTagMutability: types.ImageTagMutabilityImmutable,
		ImageScanningConfiguration: &types.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	if err != nil {
		var exists *types.RepositoryAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create repository %s: %w", name, err)
	}
	log.Printf("ecr: created repository %s", name)
	return nil
}

// Push authenticates against ECR and pushes ref.
func (r *Registry) Push(ctx context.Context, ref model.ArtifactRef) error {
	auth, err := r.authConfig(ctx)
	if err != nil {
		return err
	}
	if err := r.docker.PushImage(ctx, ref.Image(), auth, r.OnOutput); err != nil {
		return err
	}
	log.Printf("ecr: pushed %s", ref.Image())
	return nil
}

func (r *Registry) authConfig(ctx context.Context) (registry.AuthConfig, error) {
	out, err := r.api.GetAuthorizationToken(ctx, &ecrapi.GetAuthorizationTokenInput{})
	if err != nil {
		return registry.AuthConfig{}, fmt.Errorf("ecr auth token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return registry.AuthConfig{}, errors.New("ecr auth token: no authorization data")
	}
	data := out.AuthorizationData[0]
	user, pass, err := DecodeToken(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return registry.AuthConfig{}, err
	}
	return registry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}, nil
}

// DecodeToken splits an ECR authorization token into user and password.
func DecodeToken(token string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" || pass == "" {
		return "", "", errors.New("decode ecr token: malformed credentials")
	}
	return user, pass, nil
}
