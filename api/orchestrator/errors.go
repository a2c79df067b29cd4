package orchestrator

import (
	"errors"
	"fmt"
)

// ErrServiceBusy is returned by Submit when a run for the same cluster and
// service is already in flight.
var ErrServiceBusy = errors.New("service already has a run in progress")

// BuildError means the artifact was never produced, so nothing reached
// the scheduler.
type BuildError struct {
	Service string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Service, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
