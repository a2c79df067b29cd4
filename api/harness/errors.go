package harness

import (
	"fmt"
	"time"
)

type Kind int

const (
	// KindStart means the dependency could not be acquired.
	KindStart Kind = iota + 1
	// KindNotReady means the readiness probe never passed before the timeout.
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindNotReady:
		return "not-ready"
	}
	return "unknown"
}

// Error is returned for harness failures. Workload errors are never
// wrapped in it.
type Error struct {
	Kind     Kind
	Endpoint string
	Attempts int
	Timeout  time.Duration
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotReady:
		msg := fmt.Sprintf("dependency at %s not ready after %s (%d probes)", e.Endpoint, e.Timeout, e.Attempts)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	default:
		return fmt.Sprintf("start dependency: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
