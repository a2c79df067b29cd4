package orchestrator

import "sync"

// Locker serializes runs per (cluster, service).
type Locker struct {
	mu   sync.Mutex
	held map[string]string // key → run ID
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]string)}
}

func lockKey(cluster, service string) string {
	return cluster + "/" + service
}

// TryLock claims the pair for runID and reports whether it succeeded.
func (l *Locker) TryLock(cluster, service, runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := lockKey(cluster, service)
	if _, busy := l.held[k]; busy {
		return false
	}
	if l.held == nil {
		l.held = make(map[string]string)
	}
	l.held[k] = runID
	return true
}

func (l *Locker) Unlock(cluster, service string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockKey(cluster, service))
}

// Holder returns the run currently holding the pair.
func (l *Locker) Holder(cluster, service string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[lockKey(cluster, service)]
	return id, ok
}
