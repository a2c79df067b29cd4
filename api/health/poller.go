package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"shipyard/api/hub"
)

const (
	StatusUp      = "up"
	StatusDown    = "down"
	StatusUnknown = "unknown"
)

// Check probes one dependency. A nil Fn marks the dependency as not
// configured.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Result struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Poller periodically checks the dependencies shipyard needs to run a
// deployment and keeps the latest result per dependency.
type Poller struct {
	Checks   []Check
	WS       *hub.Hub
	Interval time.Duration
	Timeout  time.Duration

	mu      sync.RWMutex
	results map[string]Result
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval == 0 {
		p.Interval = 30 * time.Second
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	// Run once immediately on start
	p.PollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll runs every check concurrently and waits for them.
func (p *Poller) PollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range p.Checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			p.record(p.checkOne(ctx, c))
		}(c)
	}
	wg.Wait()
}

func (p *Poller) checkOne(ctx context.Context, c Check) Result {
	res := Result{Name: c.Name, CheckedAt: time.Now()}
	if c.Fn == nil {
		res.Status = StatusUnknown
		res.Details = "not configured"
		return res
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.Fn(cctx); err != nil {
		res.Status = StatusDown
		res.Details = err.Error()
		return res
	}
	res.Status = StatusUp
	return res
}

func (p *Poller) record(res Result) {
	p.mu.Lock()
	if p.results == nil {
		p.results = make(map[string]Result)
	}
	prev, seen := p.results[res.Name]
	p.results[res.Name] = res
	p.mu.Unlock()

	if seen && prev.Status == res.Status {
		return
	}
	if res.Status == StatusDown {
		log.Printf("health: %s down: %s", res.Name, res.Details)
	} else if seen {
		log.Printf("health: %s %s", res.Name, res.Status)
	}
	p.WS.Broadcast(hub.Event{Type: hub.EventHealthChanged, Payload: res})
}

// Snapshot returns the latest results sorted by name and whether every
// configured dependency is up.
func (p *Poller) Snapshot() ([]Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Result, 0, len(p.results))
	healthy := true
	for _, r := range p.results {
		out = append(out, r)
		if r.Status == StatusDown {
			healthy = false
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, healthy
}
