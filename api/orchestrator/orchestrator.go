package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"shipyard/api/hub"
	"shipyard/api/metrics"
	"shipyard/api/model"
	"shipyard/api/rollout"
	"shipyard/api/saga"
)

const DefaultCleanupTimeout = 2 * time.Minute

// BuildFunc produces and publishes the artifact for a descriptor.
type BuildFunc func(ctx context.Context, desc *model.Descriptor) (model.ArtifactRef, error)

type RunStore interface {
	InsertRun(ctx context.Context, r *model.Run) error
	SaveReport(ctx context.Context, rep *model.Report) error
}

type ReportArchive interface {
	PutReport(ctx context.Context, rep *model.Report) (string, error)
}

type ImageRemover interface {
	RemoveImage(ctx context.Context, image string) error
}

// SecretSource supplies extra container environment, such as decrypted
// secrets, for a descriptor.
type SecretSource interface {
	Env(ctx context.Context, desc *model.Descriptor) ([]model.EnvVar, error)
}

// Cleanup is a best-effort step run after every run. Failures are
// recorded on the report as warnings and never change the result.
type Cleanup struct {
	Name string
	Fn   func(ctx context.Context, rep *model.Report) error
}

type Orchestrator struct {
	Scheduler      rollout.Scheduler
	SagaStore      saga.Store
	WS             *hub.Hub
	Runs           RunStore
	Archive        ReportArchive
	Images         ImageRemover
	Secrets        SecretSource
	Metrics        *metrics.Metrics
	Defaults       model.Defaults
	Locker         *Locker
	Cleanups       []Cleanup
	CleanupTimeout time.Duration

	wg       sync.WaitGroup
	initOnce sync.Once
}

type run struct {
	rep  *model.Report
	desc *model.Descriptor
	sg   *saga.Saga
}

// Execute runs build → rollout → cleanup for desc and returns the final
// report. Cleanup runs on every path, on a context detached from ctx's
// cancellation. Execute does not take the service lock; Submit does.
func (o *Orchestrator) Execute(ctx context.Context, build BuildFunc, desc *model.Descriptor) *model.Report {
	r := o.newRun(desc, "")
	o.begin(ctx, r)
	o.run(ctx, r, build)
	return r.rep
}

// Submit starts a run in the background and returns its initial report.
// It fails with ErrServiceBusy if the service already has a run.
func (o *Orchestrator) Submit(ctx context.Context, build BuildFunc, desc *model.Descriptor, triggeredBy string) (model.Report, error) {
	r := o.newRun(desc, triggeredBy)
	cluster, service := r.rep.Cluster, r.rep.Service
	if o.Locker != nil && !o.Locker.TryLock(cluster, service, r.rep.RunID) {
		return model.Report{}, fmt.Errorf("%s/%s: %w", cluster, service, ErrServiceBusy)
	}
	o.begin(ctx, r)
	snapshot := *r.rep
	snapshot.Transitions = nil

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if o.Locker != nil {
			defer o.Locker.Unlock(cluster, service)
		}
		o.run(ctx, r, build)
	}()
	return snapshot, nil
}

// Wait blocks until every submitted run has finished cleanup.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) newRun(desc *model.Descriptor, triggeredBy string) *run {
	d := desc.WithDefaults(o.Defaults)
	o.initOnce.Do(func() {
		if o.SagaStore == nil {
			o.SagaStore = saga.NewMemoryStore()
		}
	})
	runID := uuid.New().String()
	sg := saga.New(o.SagaStore, saga.Scope{RunID: runID, Cluster: d.Cluster, Service: d.Service}, "orchestrator")
	return &run{
		desc: d,
		sg:   sg,
		rep: &model.Report{
			RunID:       runID,
			SagaID:      sg.ID,
			Service:     d.Service,
			Cluster:     d.Cluster,
			Family:      d.Family,
			TriggeredBy: triggeredBy,
			State:       model.RunStart,
			Result:      model.RunStart,
			Transitions: []model.Transition{},
			StartedAt:   time.Now(),
		},
	}
}

func (o *Orchestrator) begin(ctx context.Context, r *run) {
	lctx := context.WithoutCancel(ctx)
	if o.Runs != nil {
		if err := o.Runs.InsertRun(lctx, r.rep.Summary()); err != nil {
			log.Printf("orchestrator: insert run %s: %v", r.rep.RunID, err)
		}
	}
	msg := fmt.Sprintf("deploying %s to %s", r.rep.Service, r.rep.Cluster)
	if r.rep.TriggeredBy != "" {
		msg += " (by " + r.rep.TriggeredBy + ")"
	}
	r.sg.Log(lctx, saga.ActionDeployStart, msg, map[string]string{"triggeredBy": r.rep.TriggeredBy})
	o.WS.Broadcast(hub.Event{Type: hub.EventRunStarted, Service: r.rep.Service, RunID: r.rep.RunID, Payload: map[string]string{
		"runId":  r.rep.RunID,
		"sagaId": r.sg.ID,
	}})
}

func (o *Orchestrator) run(ctx context.Context, r *run, build BuildFunc) {
	defer o.cleanup(ctx, r)

	var artifact model.ArtifactRef
	err := o.step(ctx, r, "build", func() error {
		if v := model.ValidateDescriptor(r.desc); !v.Valid() {
			return &BuildError{Service: r.rep.Service, Err: errors.New(firstError(v))}
		}
		if err := o.addSecrets(ctx, r.desc); err != nil {
			return &BuildError{Service: r.rep.Service, Err: err}
		}
		ref, err := build(model.WithBuildID(ctx, r.rep.RunID), r.desc)
		if err != nil {
			return &BuildError{Service: r.rep.Service, Err: err}
		}
		if !ref.Valid() {
			return &BuildError{Service: r.rep.Service, Err: errors.New("build returned an incomplete artifact reference")}
		}
		artifact = ref
		return nil
	})
	if err != nil {
		r.rep.Error = err.Error()
		o.transition(r, model.RunBuildError)
		return
	}
	r.rep.Artifact = &artifact
	o.transition(r, model.RunBuilt)

	var outcome model.DeploymentOutcome
	o.transition(r, model.RunDeploying)
	err = o.step(ctx, r, "deploy", func() error {
		timeout, _ := r.desc.RolloutTimeout()
		interval, _ := r.desc.PollInterval()
		ctrl := &rollout.Controller{
			Scheduler:    o.Scheduler,
			PollInterval: interval,
			Metrics:      o.Metrics,
			OnPoll:       o.progress(ctx, r),
		}
		spec := r.desc.TaskDefinition(artifact)
		o.recordTaskDefinition(ctx, r, spec)
		out, err := ctrl.Deploy(ctx, spec, r.rep.Cluster, r.rep.Service, timeout)
		outcome = out
		return err
	})
	if outcome.State != "" {
		r.rep.Outcome = &outcome
	}
	if err != nil {
		r.rep.Error = err.Error()
	}
	o.transition(r, resultFor(outcome, err))
}

// recordTaskDefinition keeps the registration document on the trail. An
// invalid spec is left for the controller to reject.
func (o *Orchestrator) recordTaskDefinition(ctx context.Context, r *run, spec model.TaskDefinitionSpec) {
	doc, err := model.RenderTaskDefinition(spec)
	if err != nil {
		return
	}
	r.sg.Log(context.WithoutCancel(ctx), saga.ActionTaskDefinition, "task definition "+spec.Family+" rendered", map[string]string{
		"step":     "deploy",
		"family":   spec.Family,
		"image":    spec.Image.Image(),
		"document": string(doc),
	})
}

// addSecrets appends secret environment entries after the descriptor's own.
// A secret may not shadow a declared variable.
func (o *Orchestrator) addSecrets(ctx context.Context, desc *model.Descriptor) error {
	if o.Secrets == nil {
		return nil
	}
	env, err := o.Secrets.Env(ctx, desc)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	declared := make(map[string]bool, len(desc.Env))
	for _, e := range desc.Env {
		declared[e.Name] = true
	}
	for _, e := range env {
		if declared[e.Name] {
			return fmt.Errorf("secret %s shadows a declared environment variable", e.Name)
		}
	}
	desc.Env = append(desc.Env, env...)
	return nil
}

// step wraps fn with saga step events and hub broadcasts. A panic in fn is
// turned into an error so cleanup still records a result.
func (o *Orchestrator) step(ctx context.Context, r *run, name string, fn func() error) (err error) {
	lctx := context.WithoutCancel(ctx)
	r.sg.StepStarted(lctx, name)
	o.broadcastStep(r, name, "running")

	start := time.Now()
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("orchestrator: %s step panicked: %v", name, p)
				err = fmt.Errorf("%s panicked: %v", name, p)
			}
		}()
		err = fn()
	}()
	r.sg.StepFinished(lctx, name, time.Since(start), err)

	if err != nil {
		o.broadcastStep(r, name, "failed")
		return err
	}
	o.broadcastStep(r, name, "complete")
	return nil
}

func (o *Orchestrator) broadcastStep(r *run, name, status string) {
	o.WS.Broadcast(hub.Event{Type: hub.EventRunStep, Service: r.rep.Service, RunID: r.rep.RunID, Payload: map[string]string{
		"runId":  r.rep.RunID,
		"sagaId": r.sg.ID,
		"step":   name,
		"status": status,
	}})
}

// progress logs rollout polls to the saga, only when the observation
// changes.
func (o *Orchestrator) progress(ctx context.Context, r *run) func(rollout.Poll) {
	lctx := context.WithoutCancel(ctx)
	var prev string
	return func(p rollout.Poll) {
		key := string(p.State)
		msg := fmt.Sprintf("rollout %s", p.State)
		if p.Err != nil {
			cause := p.Err
			if inner := errors.Unwrap(p.Err); inner != nil {
				cause = inner
			}
			key = "error:" + cause.Error()
			msg = p.Err.Error()
		}
		if key == prev {
			return
		}
		prev = key

		meta := map[string]string{
			"step": "deploy",
			"poll": strconv.Itoa(p.N),
		}
		if p.State != "" {
			meta["rolloutState"] = string(p.State)
		}
		r.sg.Log(lctx, saga.ActionRolloutPoll, msg, meta)
		o.WS.Broadcast(hub.Event{Type: hub.EventRunProgress, Service: r.rep.Service, RunID: r.rep.RunID, Payload: map[string]string{
			"runId":   r.rep.RunID,
			"sagaId":  r.sg.ID,
			"message": msg,
			"poll":    strconv.Itoa(p.N),
		}})
	}
}

func (o *Orchestrator) transition(r *run, to model.RunState) {
	from := r.rep.State
	if !from.CanTransition(to) {
		log.Printf("orchestrator: run %s: refusing transition %s → %s", r.rep.RunID, from, to)
		return
	}
	r.rep.State = to
	r.rep.Transitions = append(r.rep.Transitions, model.Transition{From: from, To: to, At: time.Now()})
	if to != model.RunCleanedUp {
		r.rep.Result = to
	}
}

func (o *Orchestrator) cleanup(ctx context.Context, r *run) {
	timeout := o.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	rep := r.rep
	rep.Category = model.CategoryFor(rep.Result)
	if rep.Result == model.RunSucceeded {
		r.sg.Log(cctx, saga.ActionDeployComplete, fmt.Sprintf("deploy complete: %s → %s", rep.Service, rep.Artifact.Image()), nil)
	} else {
		r.sg.Log(cctx, saga.ActionDeployFailed, fmt.Sprintf("deploy %s: %s", rep.Result, rep.Error), map[string]string{
			"category": string(rep.Category),
		})
	}

	for _, c := range o.preCleanups() {
		o.runCleanup(cctx, r, c)
	}

	o.transition(r, model.RunCleanedUp)
	now := time.Now()
	rep.FinishedAt = &now

	for _, c := range o.postCleanups() {
		o.runCleanup(cctx, r, c)
	}

	o.Metrics.RunFinished(string(rep.Category))
	log.Printf("orchestrator: run %s for %s finished: %s (%s)", rep.RunID, rep.Service, rep.Result, rep.Category)

	evt := hub.EventRunCompleted
	if rep.Result != model.RunSucceeded {
		evt = hub.EventRunFailed
	}
	o.WS.Broadcast(hub.Event{Type: evt, Service: rep.Service, RunID: rep.RunID, Payload: rep.Summary()})
}

func (o *Orchestrator) runCleanup(ctx context.Context, r *run, c Cleanup) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return c.Fn(ctx, r.rep)
	}()
	if err == nil {
		return
	}
	msg := c.Name + ": " + err.Error()
	r.rep.CleanupErrors = append(r.rep.CleanupErrors, msg)
	log.Printf("orchestrator: cleanup %s for run %s: %v", c.Name, r.rep.RunID, err)
	r.sg.Log(ctx, saga.ActionCleanupWarning, msg, map[string]string{
		"step":     c.Name,
		"severity": "warning",
	})
}

// preCleanups run before the run is marked CLEANED_UP.
func (o *Orchestrator) preCleanups() []Cleanup {
	var steps []Cleanup
	if o.Images != nil {
		steps = append(steps, Cleanup{Name: "remove-image", Fn: func(ctx context.Context, rep *model.Report) error {
			if rep.Artifact == nil {
				return nil
			}
			return o.Images.RemoveImage(ctx, rep.Artifact.Image())
		}})
	}
	return append(steps, o.Cleanups...)
}

// postCleanups persist the final report.
func (o *Orchestrator) postCleanups() []Cleanup {
	var steps []Cleanup
	if o.Archive != nil {
		steps = append(steps, Cleanup{Name: "archive-report", Fn: func(ctx context.Context, rep *model.Report) error {
			_, err := o.Archive.PutReport(ctx, rep)
			return err
		}})
	}
	if o.Runs != nil {
		steps = append(steps, Cleanup{Name: "save-run", Fn: func(ctx context.Context, rep *model.Report) error {
			return o.Runs.SaveReport(ctx, rep)
		}})
	}
	return steps
}

func resultFor(out model.DeploymentOutcome, err error) model.RunState {
	var regErr *rollout.RegistrationError
	var updErr *rollout.UpdateError
	if errors.As(err, &regErr) || errors.As(err, &updErr) {
		return model.RunRejected
	}
	switch out.State {
	case model.OutcomeCompleted:
		if err == nil {
			return model.RunSucceeded
		}
	case model.OutcomeTimedOut:
		return model.RunTimedOut
	}
	return model.RunFailed
}

func firstError(v *model.ValidationResult) string {
	for _, f := range v.Findings {
		if f.Severity == model.SeverityError {
			return fmt.Sprintf("invalid descriptor: %s: %s", f.Field, f.Message)
		}
	}
	return "invalid descriptor"
}
