package consul

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

const DefaultRevisionPrefix = "shipyard/taskdefs"

var ErrRevisionNotFound = errors.New("revision not found")

// kvAPI is the subset of *consulapi.KV the revision store needs.
type kvAPI interface {
	Keys(prefix, separator string, q *consulapi.QueryOptions) ([]string, *consulapi.QueryMeta, error)
	Get(key string, q *consulapi.QueryOptions) (*consulapi.KVPair, *consulapi.QueryMeta, error)
	CAS(p *consulapi.KVPair, q *consulapi.WriteOptions) (bool, *consulapi.WriteMeta, error)
}

// RevisionStore keeps append-only numbered revisions per family under
// <prefix>/<family>/<n>. A revision is written with a create-only CAS so
// concurrent registrations never overwrite each other.
type RevisionStore struct {
	kv         kvAPI
	prefix     string
	maxRetries int
}

func NewRevisionStore(kv kvAPI, prefix string) *RevisionStore {
	if prefix == "" {
		prefix = DefaultRevisionPrefix
	}
	return &RevisionStore{kv: kv, prefix: strings.TrimSuffix(prefix, "/"), maxRetries: 5}
}

func (s *RevisionStore) key(family string, n int) string {
	return fmt.Sprintf("%s/%s/%d", s.prefix, family, n)
}

// Latest returns the highest revision number for family, or 0.
func (s *RevisionStore) Latest(ctx context.Context, family string) (int, error) {
	keys, _, err := s.kv.Keys(s.prefix+"/"+family+"/", "/", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("list revisions of %s: %w", family, err)
	}
	latest := 0
	for _, k := range keys {
		n, err := strconv.Atoi(path.Base(k))
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}

// Append stores doc as the next revision of family and returns its number.
func (s *RevisionStore) Append(ctx context.Context, family string, doc []byte) (int, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		latest, err := s.Latest(ctx, family)
		if err != nil {
			return 0, err
		}
		next := latest + 1
		// ModifyIndex 0 makes CAS create-only
		ok, _, err := s.kv.CAS(&consulapi.KVPair{Key: s.key(family, next), Value: doc}, (&consulapi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("write revision %s:%d: %w", family, next, err)
		}
		if ok {
			return next, nil
		}
	}
	return 0, fmt.Errorf("write revision of %s: lost %d races", family, s.maxRetries)
}

func (s *RevisionStore) Get(ctx context.Context, family string, n int) ([]byte, error) {
	pair, _, err := s.kv.Get(s.key(family, n), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read revision %s:%d: %w", family, n, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%s:%d: %w", family, n, ErrRevisionNotFound)
	}
	return pair.Value, nil
}
