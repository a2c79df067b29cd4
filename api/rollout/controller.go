package rollout

import (
	"context"
	"fmt"
	"log"
	"time"

	"shipyard/api/metrics"
	"shipyard/api/model"
)

// Scheduler is the cluster scheduler contract: register an immutable
// revision, point a service at it, and observe the PRIMARY deployment.
type Scheduler interface {
	RegisterTaskDefinition(ctx context.Context, spec model.TaskDefinitionSpec) (string, error)
	UpdateService(ctx context.Context, cluster, service, revisionARN string, force bool) error
	DescribeRollout(ctx context.Context, cluster, service string) (model.RolloutState, error)
}

// Poll is reported to Controller.OnPoll after every rollout query.
type Poll struct {
	N     int
	State model.RolloutState
	Err   error
}

type Controller struct {
	Scheduler    Scheduler
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	OnPoll       func(Poll)
}

func New(s Scheduler, pollInterval time.Duration, m *metrics.Metrics) *Controller {
	return &Controller{Scheduler: s, PollInterval: pollInterval, Metrics: m}
}

// Deploy registers spec, updates the service with forceNewDeployment and
// polls until the rollout is terminal or overallTimeout elapses. The
// returned error is nil only for COMPLETED; otherwise it is the same
// value as the outcome's Err.
//
// There is no rollback. A registered revision stays registered even when
// later steps fail.
func (c *Controller) Deploy(ctx context.Context, spec model.TaskDefinitionSpec, cluster, service string, overallTimeout time.Duration) (model.DeploymentOutcome, error) {
	start := time.Now()
	if overallTimeout <= 0 {
		overallTimeout = model.DefaultRolloutTimeout
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = model.DefaultPollInterval
	}

	out := model.DeploymentOutcome{
		Revision: model.TaskDefinitionRevision{Family: spec.Family},
	}
	finish := func(state model.OutcomeState, err error) (model.DeploymentOutcome, error) {
		out.State = state
		out.Elapsed = time.Since(start)
		out.Err = err
		c.Metrics.RolloutFinished(string(state), out.Elapsed)
		if err != nil {
			log.Printf("rollout: %s/%s %s after %d polls: %v", cluster, service, state, out.Polls, err)
		} else {
			log.Printf("rollout: %s/%s %s after %d polls (%s)", cluster, service, state, out.Polls, out.Elapsed.Round(time.Millisecond))
		}
		return out, err
	}

	dctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	if err := spec.Validate(); err != nil {
		return finish(model.OutcomeError, &RegistrationError{Family: spec.Family, Err: err})
	}

	arn, err := c.Scheduler.RegisterTaskDefinition(dctx, spec)
	if err != nil {
		return finish(model.OutcomeError, &RegistrationError{Family: spec.Family, Err: err})
	}
	if arn == "" {
		return finish(model.OutcomeError, &RegistrationError{Family: spec.Family, Err: fmt.Errorf("scheduler returned an empty revision ARN")})
	}
	out.Revision.RevisionARN = arn
	log.Printf("rollout: registered %s", arn)

	if err := c.Scheduler.UpdateService(dctx, cluster, service, arn, true); err != nil {
		return finish(model.OutcomeError, &UpdateError{Cluster: cluster, Service: service, RevisionARN: arn, Err: err})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-dctx.Done():
			if ctx.Err() != nil {
				return finish(model.OutcomeError, fmt.Errorf("rollout of %s/%s cancelled: %w", cluster, service, ctx.Err()))
			}
			return finish(model.OutcomeTimedOut, &TimeoutError{
				Timeout:   overallTimeout,
				LastState: out.LastObservedState,
				LastErr:   lastErr,
			})
		case <-ticker.C:
			// both channels may be ready; the deadline wins
			if dctx.Err() != nil {
				continue
			}
			out.Polls++
			state, err := c.Scheduler.DescribeRollout(dctx, cluster, service)
			if err != nil {
				lastErr = &PollError{Poll: out.Polls, Err: err}
				c.Metrics.RolloutPolled("error")
				c.notify(Poll{N: out.Polls, Err: lastErr})
				continue
			}
			lastErr = nil
			out.LastObservedState = state
			c.Metrics.RolloutPolled(string(state))
			c.notify(Poll{N: out.Polls, State: state})

			switch state {
			case model.RolloutCompleted:
				return finish(model.OutcomeCompleted, nil)
			case model.RolloutFailed:
				return finish(model.OutcomeFailed, &FailedError{Service: service, RevisionARN: arn})
			}
		}
	}
}

func (c *Controller) notify(p Poll) {
	if c.OnPoll != nil {
		c.OnPoll(p)
	}
}
