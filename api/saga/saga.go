// Package saga records the ordered event trail of deployment runs. Each
// run owns one saga; events carry the run, cluster and service they belong
// to and a per-saga sequence number that fixes their order.
package saga

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ActionStepStart      = "step.start"
	ActionStepComplete   = "step.complete"
	ActionStepFailed     = "step.failed"
	ActionRolloutPoll    = "rollout.progress"
	ActionTaskDefinition = "taskdef.rendered"
	ActionDeployStart    = "deploy.start"
	ActionDeployComplete = "deploy.complete"
	ActionDeployFailed   = "deploy.failed"
	ActionCleanupWarning = "cleanup.warning"
)

// DefaultLimit bounds queries that do not set one.
const DefaultLimit = 50

type Event struct {
	ID        string            `json:"id"`
	SagaID    string            `json:"sagaId"`
	Seq       int               `json:"seq"`
	RunID     string            `json:"runId"`
	Cluster   string            `json:"cluster"`
	Service   string            `json:"service"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Filter selects events across sagas, newest first. Empty fields match
// everything.
type Filter struct {
	RunID   string
	Cluster string
	Service string
	Limit   int
}

func (f Filter) match(e Event) bool {
	return (f.RunID == "" || e.RunID == f.RunID) &&
		(f.Cluster == "" || e.Cluster == f.Cluster) &&
		(f.Service == "" || e.Service == f.Service)
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

type Store interface {
	Append(ctx context.Context, evt *Event) error
	// ListBySaga returns one saga's events in sequence order.
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// Scope identifies the run a saga records.
type Scope struct {
	RunID   string
	Cluster string
	Service string
}

// Saga appends events for one run. It is safe for concurrent use.
type Saga struct {
	ID     string
	Scope  Scope
	Source string
	store  Store

	mu  sync.Mutex
	seq int
}

func New(store Store, scope Scope, source string) *Saga {
	return &Saga{
		ID:     uuid.New().String(),
		Scope:  scope,
		Source: source,
		store:  store,
	}
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	s.mu.Lock()
	s.seq++
	evt := &Event{
		ID:        uuid.New().String(),
		SagaID:    s.ID,
		Seq:       s.seq,
		RunID:     s.Scope.RunID,
		Cluster:   s.Scope.Cluster,
		Service:   s.Scope.Service,
		Source:    s.Source,
		Timestamp: time.Now(),
		Action:    action,
		Message:   message,
		Metadata:  metadata,
	}
	s.mu.Unlock()
	return s.store.Append(ctx, evt)
}

func (s *Saga) StepStarted(ctx context.Context, step string) error {
	return s.Log(ctx, ActionStepStart, step+" started", map[string]string{"step": step})
}

// StepFinished records the end of a step; a non-nil err marks it failed.
func (s *Saga) StepFinished(ctx context.Context, step string, elapsed time.Duration, err error) error {
	meta := map[string]string{
		"step":       step,
		"durationMs": strconv.FormatInt(elapsed.Milliseconds(), 10),
	}
	if err != nil {
		meta["error"] = err.Error()
		return s.Log(ctx, ActionStepFailed, step+" failed: "+err.Error(), meta)
	}
	return s.Log(ctx, ActionStepComplete, step+" completed", meta)
}
