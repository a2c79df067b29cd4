package ecs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ecsapi "github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"shipyard/api/model"
	"shipyard/api/rollout"
)

type ecsAPI interface {
	RegisterTaskDefinition(ctx context.Context, in *ecsapi.RegisterTaskDefinitionInput, opts ...func(*ecsapi.Options)) (*ecsapi.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, in *ecsapi.UpdateServiceInput, opts ...func(*ecsapi.Options)) (*ecsapi.UpdateServiceOutput, error)
	DescribeServices(ctx context.Context, in *ecsapi.DescribeServicesInput, opts ...func(*ecsapi.Options)) (*ecsapi.DescribeServicesOutput, error)
}

// Client implements rollout.Scheduler on AWS ECS.
type Client struct {
	api ecsAPI
}

func New(ctx context.Context, region string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{api: ecsapi.NewFromConfig(cfg)}, nil
}

func (c *Client) RegisterTaskDefinition(ctx context.Context, spec model.TaskDefinitionSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	doc := spec.Document()
	out, err := c.api.RegisterTaskDefinition(ctx, RegisterInput(&doc))
	if err != nil {
		return "", err
	}
	if out.TaskDefinition == nil || out.TaskDefinition.TaskDefinitionArn == nil {
		return "", errors.New("register task definition: response has no ARN")
	}
	arn := aws.ToString(out.TaskDefinition.TaskDefinitionArn)
	log.Printf("ecs: registered %s", arn)
	return arn, nil
}

func (c *Client) UpdateService(ctx context.Context, cluster, service, revisionARN string, force bool) error {
	out, err := c.api.UpdateService(ctx, &ecsapi.UpdateServiceInput{
		Cluster:            aws.String(cluster),
		Service:            aws.String(service),
		TaskDefinition:     aws.String(revisionARN),
		ForceNewDeployment: force,
	})
	if err != nil {
		return err
	}
	if out.Service != nil && aws.ToString(out.Service.Status) != "ACTIVE" {
		return fmt.Errorf("service %s is %s", service, aws.ToString(out.Service.Status))
	}
	return nil
}

// DescribeRollout reports the rollout state of the service's PRIMARY
// deployment. When ECS leaves rolloutState unset (services without the
// deployment circuit breaker) the state is derived from task counts.
func (c *Client) DescribeRollout(ctx context.Context, cluster, service string) (model.RolloutState, error) {
	out, err := c.api.DescribeServices(ctx, &ecsapi.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return "", err
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return "", fmt.Errorf("describe service %s: %s %s", service, aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Services) == 0 {
		return "", fmt.Errorf("describe service %s: not found", service)
	}
	for _, d := range out.Services[0].Deployments {
		if aws.ToString(d.Status) == "PRIMARY" {
			return deploymentState(d), nil
		}
	}
	return "", rollout.ErrNoPrimaryDeployment
}

func deploymentState(d types.Deployment) model.RolloutState {
	switch d.RolloutState {
	case types.DeploymentRolloutStateCompleted:
		return model.RolloutCompleted
	case types.DeploymentRolloutStateFailed:
		return model.RolloutFailed
	case types.DeploymentRolloutStateInProgress:
		return model.RolloutInProgress
	}
	if d.DesiredCount > 0 && d.RunningCount >= d.DesiredCount && d.PendingCount == 0 {
		return model.RolloutCompleted
	}
	if d.RunningCount > 0 || d.PendingCount > 0 {
		return model.RolloutInProgress
	}
	return model.RolloutPending
}

// RegisterInput converts a registration document into the ECS API input.
func RegisterInput(doc *model.TaskDefinitionDocument) *ecsapi.RegisterTaskDefinitionInput {
	in := &ecsapi.RegisterTaskDefinitionInput{
		Family:      aws.String(doc.Family),
		NetworkMode: types.NetworkMode(doc.NetworkMode),
		Cpu:         aws.String(doc.CPU),
		Memory:      aws.String(doc.Memory),
	}
	for _, c := range doc.RequiresCompatibilities {
		in.RequiresCompatibilities = append(in.RequiresCompatibilities, types.Compatibility(c))
	}
	if doc.ExecutionRoleArn != "" {
		in.ExecutionRoleArn = aws.String(doc.ExecutionRoleArn)
	}
	if doc.TaskRoleArn != "" {
		in.TaskRoleArn = aws.String(doc.TaskRoleArn)
	}
	for _, cd := range doc.ContainerDefinitions {
		def := types.ContainerDefinition{
			Name:      aws.String(cd.Name),
			Image:     aws.String(cd.Image),
			Essential: aws.Bool(cd.Essential),
		}
		for _, pm := range cd.PortMappings {
			def.PortMappings = append(def.PortMappings, types.PortMapping{
				ContainerPort: aws.Int32(int32(pm.ContainerPort)),
				Protocol:      types.TransportProtocol(pm.Protocol),
			})
		}
		for _, e := range cd.Environment {
			def.Environment = append(def.Environment, types.KeyValuePair{
				Name:  aws.String(e.Name),
				Value: aws.String(e.Value),
			})
		}
		if lc := cd.LogConfiguration; lc != nil {
			def.LogConfiguration = &types.LogConfiguration{
				LogDriver: types.LogDriver(lc.LogDriver),
				Options: map[string]string{
					"awslogs-group":         lc.Options.Group,
					"awslogs-region":        lc.Options.Region,
					"awslogs-stream-prefix": lc.Options.StreamPrefix,
				},
			}
		}
		in.ContainerDefinitions = append(in.ContainerDefinitions, def)
	}
	return in
}

// DocumentFromInput is the inverse of RegisterInput.
func DocumentFromInput(in *ecsapi.RegisterTaskDefinitionInput) *model.TaskDefinitionDocument {
	doc := &model.TaskDefinitionDocument{
		Family:           aws.ToString(in.Family),
		NetworkMode:      string(in.NetworkMode),
		CPU:              aws.ToString(in.Cpu),
		Memory:           aws.ToString(in.Memory),
		ExecutionRoleArn: aws.ToString(in.ExecutionRoleArn),
		TaskRoleArn:      aws.ToString(in.TaskRoleArn),
	}
	for _, c := range in.RequiresCompatibilities {
		doc.RequiresCompatibilities = append(doc.RequiresCompatibilities, string(c))
	}
	for _, def := range in.ContainerDefinitions {
		cd := model.ContainerDefinition{
			Name:         aws.ToString(def.Name),
			Image:        aws.ToString(def.Image),
			Essential:    aws.ToBool(def.Essential),
			PortMappings: []model.PortMapping{},
			Environment:  []model.EnvVar{},
		}
		for _, pm := range def.PortMappings {
			cd.PortMappings = append(cd.PortMappings, model.PortMapping{
				ContainerPort: int(aws.ToInt32(pm.ContainerPort)),
				Protocol:      string(pm.Protocol),
			})
		}
		for _, kv := range def.Environment {
			cd.Environment = append(cd.Environment, model.EnvVar{Name: aws.ToString(kv.Name), Value: aws.ToString(kv.Value)})
		}
		if lc := def.LogConfiguration; lc != nil {
			cd.LogConfiguration = &model.LogConfiguration{
				LogDriver: string(lc.LogDriver),
				Options: model.LogOptions{
					Group:        lc.Options["awslogs-group"],
					Region:       lc.Options["awslogs-region"],
					StreamPrefix: lc.Options["awslogs-stream-prefix"],
				},
			}
		}
		doc.ContainerDefinitions = append(doc.ContainerDefinitions, cd)
	}
	return doc
}

// FamilyRevision extracts "family:N" from a task definition ARN.
func FamilyRevision(arn string) (string, int, error) {
	i := strings.LastIndexByte(arn, '/')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed task definition ARN: %q", arn)
	}
	rest := arn[i+1:]
	j := strings.LastIndexByte(rest, ':')
	if j <= 0 {
		return "", 0, fmt.Errorf("malformed task definition ARN: %q", arn)
	}
	n, err := strconv.Atoi(rest[j+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed revision in ARN %q: %w", arn, err)
	}
	return rest[:j], n, nil
}
