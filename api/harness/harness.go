package harness

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"shipyard/api/metrics"
)

const (
	DefaultProbeInterval = 1 * time.Second
	DefaultReadyTimeout  = 30 * time.Second
	DefaultStopTimeout   = 30 * time.Second
)

// Process is a running dependency. Stop must be safe to call more than once.
type Process interface {
	Endpoint() *url.URL
	Stop(ctx context.Context) error
}

// StartFunc acquires the dependency. A non-nil Process returned alongside
// an error is still stopped.
type StartFunc func(ctx context.Context) (Process, error)

// Prober reports nil once the dependency at endpoint is ready.
type Prober interface {
	Probe(ctx context.Context, endpoint *url.URL) error
}

// EndpointOptional is implemented by probers that do not read the
// endpoint, so a process without one can still be probed.
type EndpointOptional interface {
	EndpointOptional() bool
}

func needsEndpoint(p Prober) bool {
	eo, ok := p.(EndpointOptional)
	return !ok || !eo.EndpointOptional()
}

type ProberFunc func(ctx context.Context, endpoint *url.URL) error

func (f ProberFunc) Probe(ctx context.Context, endpoint *url.URL) error { return f(ctx, endpoint) }

// Workload runs against a ready dependency. Results travel back through
// the closure; the returned error is passed through unchanged.
type Workload func(ctx context.Context, endpoint *url.URL) error

type Harness struct {
	ProbeInterval time.Duration
	StopTimeout   time.Duration
	Metrics       *metrics.Metrics
}

// session is the live dependency for one Run. It never leaves Run.
type session struct {
	proc     Process
	endpoint *url.URL
	ready    bool
}

// Run starts a dependency, waits for it to pass probe within readyTimeout,
// then runs workload against it. The process is stopped exactly once on
// every exit path, including panics, before Run returns. Stop failures are
// logged and never replace the result.
func (h *Harness) Run(ctx context.Context, start StartFunc, probe Prober, readyTimeout time.Duration, workload Workload) error {
	proc, err := start(ctx)
	if proc != nil {
		defer h.stop(ctx, proc)
	}
	if err != nil {
		return &Error{Kind: KindStart, Err: err}
	}
	if proc == nil {
		return &Error{Kind: KindStart, Err: fmt.Errorf("start returned no process")}
	}

	s := &session{proc: proc, endpoint: proc.Endpoint()}
	if s.endpoint == nil && needsEndpoint(probe) {
		return &Error{Kind: KindStart, Err: fmt.Errorf("process has no endpoint")}
	}

	if err := h.waitReady(ctx, s, probe, readyTimeout); err != nil {
		return err
	}
	return workload(ctx, s.endpoint)
}

func (h *Harness) stop(ctx context.Context, proc Process) {
	timeout := h.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := proc.Stop(stopCtx); err != nil {
		log.Printf("harness: stop dependency: %v", err)
	}
}

// waitReady probes immediately and then once per interval. Individual
// probe failures are swallowed; only the deadline surfaces. The deadline
// is hard: a probe still running when it expires is abandoned, and a
// success reported after it counts as not ready.
func (h *Harness) waitReady(ctx context.Context, s *session, probe Prober, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	interval := h.ProbeInterval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	var lastErr error
	check := func() bool {
		attempts++
		pctx, pcancel := context.WithTimeout(rctx, interval)
		defer pcancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- fmt.Errorf("probe panicked: %v", p)
				}
			}()
			done <- probe.Probe(pctx, s.endpoint)
		}()
		select {
		case err := <-done:
			lastErr = err
		case <-rctx.Done():
			if lastErr == nil {
				lastErr = fmt.Errorf("probe still running at deadline")
			}
			return false
		}
		return lastErr == nil && rctx.Err() == nil
	}
	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("probe passed after deadline")
		}
		return &Error{
			Kind:     KindNotReady,
			Endpoint: s.endpoint.Redacted(),
			Attempts: attempts,
			Timeout:  timeout,
			Err:      lastErr,
		}
	}

	if check() {
		s.ready = true
	}
	for !s.ready {
		if rctx.Err() != nil {
			return expired()
		}
		select {
		case <-rctx.Done():
			return expired()
		case <-ticker.C:
			if rctx.Err() != nil {
				return expired()
			}
			if check() {
				s.ready = true
			}
		}
	}

	elapsed := time.Since(start)
	h.Metrics.HarnessReady(elapsed)
	log.Printf("harness: %s ready after %d probes (%s)", s.endpoint.Redacted(), attempts, elapsed.Round(time.Millisecond))
	return nil
}
