package saga

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore keeps events in process. Used by the CLI's in-process runs
// and when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	seen   map[string]bool // sagaID/seq
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

// Append ignores an event whose (saga, seq) pair is already stored, the
// same as the Postgres store.
func (m *MemoryStore) Append(_ context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seqKey(evt.SagaID, evt.Seq)
	if evt.Seq > 0 && m.seen[key] {
		return nil
	}
	m.seen[key] = true

	e := *evt
	if evt.Metadata != nil {
		e.Metadata = make(map[string]string, len(evt.Metadata))
		for k, v := range evt.Metadata {
			e.Metadata[k] = v
		}
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) ListBySaga(_ context.Context, sagaID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Query returns matching events newest first.
func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	limit := f.limit()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.match(m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func seqKey(sagaID string, seq int) string {
	return sagaID + "/" + strconv.Itoa(seq)
}
