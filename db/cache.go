package db

import (
	"bytes"
	"context"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Backend is the record store a CachedStore reads through to.
type Backend interface {
	CreateRecord(ctx context.Context, rec NewRecord) (int64, error)
	GetRecord(ctx context.Context, id int64) (*Record, error)
	UpdateRecord(ctx context.Context, id int64, state []byte, nTrained int) error
	ListRecords(ctx context.Context) ([]Record, error)
}

// CachedStore keeps recently used full records in an LRU so repeated
// predictions do not reload the state blob from disk. Concurrent misses for
// the same id share one load.
type CachedStore struct {
	backend Backend
	cache   *lru.Cache[int64, Record]
	loads   singleflight.Group
	// gen advances on every write; a load that raced a write is not cached.
	gen atomic.Uint64
}

// NewCachedStore wraps backend with a cache of at most size records.
func NewCachedStore(backend Backend, size int) (*CachedStore, error) {
	cache, err := lru.New[int64, Record](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

func (s *CachedStore) CreateRecord(ctx context.Context, rec NewRecord) (int64, error) {
	return s.backend.CreateRecord(ctx, rec)
}

func (s *CachedStore) GetRecord(ctx context.Context, id int64) (*Record, error) {
	if r, ok := s.cache.Get(id); ok {
		return cloneRecord(r), nil
	}

	gen := s.gen.Load()
	v, err, _ := s.loads.Do(loadKey(id), func() (any, error) {
		start := s.gen.Load()
		r, err := s.backend.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.gen.Load() == start {
			s.cache.Add(id, *cloneRecord(*r))
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	// A write landed while the shared load was in flight, so its result may
	// predate the write. Read the backend directly instead.
	if s.gen.Load() != gen {
		return s.backend.GetRecord(ctx, id)
	}
	return cloneRecord(*v.(*Record)), nil
}

// UpdateRecord writes through and evicts id. In-flight loads for id are
// forgotten so readers arriving after the write never join a load that
// started before it.
func (s *CachedStore) UpdateRecord(ctx context.Context, id int64, state []byte, nTrained int) error {
	s.gen.Add(1)
	s.cache.Remove(id)
	err := s.backend.UpdateRecord(ctx, id, state, nTrained)
	s.gen.Add(1)
	s.cache.Remove(id)
	s.loads.Forget(loadKey(id))
	return err
}

func (s *CachedStore) ListRecords(ctx context.Context) ([]Record, error) {
	return s.backend.ListRecords(ctx)
}

// Len reports the number of cached records.
func (s *CachedStore) Len() int {
	return s.cache.Len()
}

func loadKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func cloneRecord(r Record) *Record {
	r.State = bytes.Clone(r.State)
	return &r
}
