package model

import (
	"fmt"
	"time"
)

// RolloutState is observed from the scheduler's PRIMARY deployment.
type RolloutState string

const (
	RolloutPending    RolloutState = "PENDING"
	RolloutInProgress RolloutState = "IN_PROGRESS"
	RolloutCompleted  RolloutState = "COMPLETED"
	RolloutFailed     RolloutState = "FAILED"
)

func (s RolloutState) Terminal() bool {
	return s == RolloutCompleted || s == RolloutFailed
}

func ParseRolloutState(s string) (RolloutState, error) {
	switch RolloutState(s) {
	case RolloutPending, RolloutInProgress, RolloutCompleted, RolloutFailed:
		return RolloutState(s), nil
	}
	return "", fmt.Errorf("unknown rollout state %q", s)
}

// OutcomeState is the terminal result of one rollout attempt.
type OutcomeState string

const (
	OutcomeCompleted OutcomeState = "COMPLETED"
	OutcomeFailed    OutcomeState = "FAILED"
	OutcomeTimedOut  OutcomeState = "TIMED_OUT"
	OutcomeError     OutcomeState = "ERROR"
)

// DeploymentOutcome is created once at the end of a rollout attempt.
type DeploymentOutcome struct {
	State             OutcomeState           `json:"state"`
	LastObservedState RolloutState           `json:"lastObservedState,omitempty"`
	Elapsed           time.Duration          `json:"elapsed"`
	Polls             int                    `json:"polls"`
	Revision          TaskDefinitionRevision `json:"revision"`
	Err               error                  `json:"-"`
}

// RunState is a step in the per-run orchestration state machine.
type RunState string

const (
	RunStart      RunState = "START"
	RunBuilt      RunState = "BUILT"
	RunDeploying  RunState = "DEPLOYING"
	RunSucceeded  RunState = "SUCCEEDED"
	RunFailed     RunState = "FAILED"
	RunTimedOut   RunState = "TIMED_OUT"
	RunRejected   RunState = "REJECTED"
	RunBuildError RunState = "BUILD_ERROR"
	RunCleanedUp  RunState = "CLEANED_UP"
)

var runTransitions = map[RunState][]RunState{
	RunStart:      {RunBuilt, RunBuildError},
	RunBuilt:      {RunDeploying, RunCleanedUp},
	RunDeploying:  {RunSucceeded, RunFailed, RunTimedOut, RunRejected, RunCleanedUp},
	RunSucceeded:  {RunCleanedUp},
	RunFailed:     {RunCleanedUp},
	RunTimedOut:   {RunCleanedUp},
	RunRejected:   {RunCleanedUp},
	RunBuildError: {RunCleanedUp},
}

// CanTransition reports whether the state machine allows s → next.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Category is the operator-facing classification of a finished run.
type Category string

const (
	CategoryNotStarted Category = "not_started"
	CategoryRejected   Category = "rejected"
	CategoryUnhealthy  Category = "unhealthy"
	CategorySucceeded  Category = "succeeded"
)

// CategoryFor maps the terminal run state (before cleanup) to a category.
func CategoryFor(s RunState) Category {
	switch s {
	case RunSucceeded:
		return CategorySucceeded
	case RunFailed, RunTimedOut:
		return CategoryUnhealthy
	case RunRejected:
		return CategoryRejected
	default:
		return CategoryNotStarted
	}
}

type Transition struct {
	From RunState  `json:"from"`
	To   RunState  `json:"to"`
	At   time.Time `json:"at"`
}

// Report is the final record of one orchestrator run.
type Report struct {
	RunID         string             `json:"runId"`
	SagaID        string             `json:"sagaId"`
	Service       string             `json:"service"`
	Cluster       string             `json:"cluster"`
	Family        string             `json:"family"`
	TriggeredBy   string             `json:"triggeredBy,omitempty"`
	Artifact      *ArtifactRef       `json:"artifact,omitempty"`
	State         RunState           `json:"state"`
	Result        RunState           `json:"result"`
	Category      Category           `json:"category"`
	Outcome       *DeploymentOutcome `json:"outcome,omitempty"`
	Error         string             `json:"error,omitempty"`
	CleanupErrors []string           `json:"cleanupErrors,omitempty"`
	Transitions   []Transition       `json:"transitions"`
	StartedAt     time.Time          `json:"startedAt"`
	FinishedAt    *time.Time         `json:"finishedAt,omitempty"`
}

// Run is the persisted summary of a report.
type Run struct {
	ID          string     `json:"id"`
	Service     string     `json:"service"`
	Cluster     string     `json:"cluster"`
	Family      string     `json:"family"`
	Image       string     `json:"image"`
	RevisionARN string     `json:"revisionArn"`
	SagaID      string     `json:"sagaId"`
	State       RunState   `json:"state"`
	Result      RunState   `json:"result"`
	Category    Category   `json:"category"`
	Error       string     `json:"error,omitempty"`
	TriggeredBy string     `json:"triggeredBy,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Summary flattens a report into its persisted form.
func (r *Report) Summary() *Run {
	run := &Run{
		ID:          r.RunID,
		Service:     r.Service,
		Cluster:     r.Cluster,
		Family:      r.Family,
		SagaID:      r.SagaID,
		State:       r.State,
		Result:      r.Result,
		Category:    r.Category,
		Error:       r.Error,
		TriggeredBy: r.TriggeredBy,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Artifact != nil {
		run.Image = r.Artifact.Image()
	}
	if r.Outcome != nil {
		run.RevisionARN = r.Outcome.Revision.RevisionARN
	}
	return run
}
