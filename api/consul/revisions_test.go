package consul

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	consulapi "github.com/hashicorp/consul/api"
)

type fakeKV struct {
	mu    sync.Mutex
	data  map[string][]byte
	races int // CAS calls to fail before succeeding
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Keys(prefix, sep string, q *consulapi.QueryOptions) ([]string, *consulapi.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, &consulapi.QueryMeta{}, nil
}

func (f *fakeKV) Get(key string, q *consulapi.QueryOptions) (*consulapi.KVPair, *consulapi.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, &consulapi.QueryMeta{}, nil
	}
	return &consulapi.KVPair{Key: key, Value: v}, &consulapi.QueryMeta{}, nil
}

func (f *fakeKV) CAS(p *consulapi.KVPair, q *consulapi.WriteOptions) (bool, *consulapi.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.races > 0 {
		f.races--
		// another writer claimed the slot first
		f.data[p.Key] = []byte("other")
		return false, &consulapi.WriteMeta{}, nil
	}
	if _, exists := f.data[p.Key]; exists && p.ModifyIndex == 0 {
		return false, &consulapi.WriteMeta{}, nil
	}
	f.data[p.Key] = p.Value
	return true, &consulapi.WriteMeta{}, nil
}

func TestRevisionStoreAppendIsSequential(t *testing.T) {
	s := NewRevisionStore(newFakeKV(), "")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := s.Append(ctx, "billing", []byte{byte(want)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if n != want {
			t.Errorf("revision = %d, want %d", n, want)
		}
	}

	doc, err := s.Get(ctx, "billing", 2)
	if err != nil || len(doc) != 1 || doc[0] != 2 {
		t.Errorf("Get(2) = %v, %v", doc, err)
	}
	if n, _ := s.Latest(ctx, "ledger"); n != 0 {
		t.Errorf("Latest of empty family = %d", n)
	}
}

func TestRevisionStoreRetriesOnRace(t *testing.T) {
	kv := newFakeKV()
	kv.races = 2
	s := NewRevisionStore(kv, "custom/prefix/")

	n, err := s.Append(context.Background(), "billing", []byte("doc"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 3 {
		t.Errorf("revision = %d, want 3 after two lost races", n)
	}
	if _, ok := kv.data["custom/prefix/billing/3"]; !ok {
		t.Errorf("keys = %v", kv.data)
	}
}

func TestRevisionStoreGivesUp(t *testing.T) {
	kv := newFakeKV()
	kv.races = 100
	s := NewRevisionStore(kv, "")
	if _, err := s.Append(context.Background(), "billing", nil); err == nil {
		t.Error("expected error after repeated races")
	}
}

func TestRevisionStoreGetMissing(t *testing.T) {
	s := NewRevisionStore(newFakeKV(), "")
	_, err := s.Get(context.Background(), "billing", 9)
	if !errors.Is(err, ErrRevisionNotFound) {
		t.Errorf("err = %v, want ErrRevisionNotFound", err)
	}
}

func TestAggregateChecks(t *testing.T) {
	tests := []struct {
		statuses []string
		want     string
	}{
		{nil, "passing"},
		{[]string{"passing", "warning"}, "warning"},
		{[]string{"warning", "critical", "passing"}, "critical"},
	}
	for _, tt := range tests {
		var checks consulapi.HealthChecks
		for _, s := range tt.statuses {
			checks = append(checks, &consulapi.HealthCheck{Status: s})
		}
		if got := aggregateChecks(checks); got != tt.want {
			t.Errorf("aggregateChecks(%v) = %s, want %s", tt.statuses, got, tt.want)
		}
	}
}
