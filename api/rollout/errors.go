package rollout

import (
	"errors"
	"fmt"
	"time"

	"shipyard/api/model"
)

// ErrNoPrimaryDeployment is returned by schedulers when a service has no
// PRIMARY deployment to observe. The controller treats it as transient.
var ErrNoPrimaryDeployment = errors.New("no primary deployment")

// RegistrationError means the scheduler rejected the task definition.
type RegistrationError struct {
	Family string
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register task definition %s: %v", e.Family, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// UpdateError means the scheduler refused to point the service at the
// new revision.
type UpdateError struct {
	Cluster     string
	Service     string
	RevisionARN string
	Err         error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update service %s/%s to %s: %v", e.Cluster, e.Service, e.RevisionARN, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// PollError wraps a failed rollout query. Poll errors are absorbed until
// the deadline and surface only through TimeoutError.LastErr.
type PollError struct {
	Poll int
	Err  error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("rollout poll %d: %v", e.Poll, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// FailedError reports that the scheduler marked the rollout FAILED.
type FailedError struct {
	Service     string
	RevisionARN string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("rollout of %s to %s failed", e.Service, e.RevisionARN)
}

// TimeoutError reports that the rollout did not reach a terminal state
// before the overall deadline.
type TimeoutError struct {
	Timeout   time.Duration
	LastState model.RolloutState
	LastErr   error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("rollout did not complete within %s", e.Timeout)
	if e.LastState != "" {
		msg += fmt.Sprintf(" (last state %s)", e.LastState)
	}
	if e.LastErr != nil {
		msg += fmt.Sprintf(": %v", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }
