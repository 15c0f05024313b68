package db

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	mu      sync.Mutex
	records map[int64]Record
	gets    int
	nextID  int64
}

func newCountingBackend() *countingBackend {
	return &countingBackend{records: make(map[int64]Record)}
}

func (b *countingBackend) CreateRecord(_ context.Context, rec NewRecord) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.records[b.nextID] = Record{ID: b.nextID, ModelType: rec.ModelType, Params: rec.Params, FeatureDim: rec.FeatureDim, NClasses: rec.NClasses, State: rec.State}
	return b.nextID, nil
}

func (b *countingBackend) GetRecord(_ context.Context, id int64) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	r, ok := b.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (b *countingBackend) UpdateRecord(_ context.Context, id int64, state []byte, nTrained int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	r.State, r.NTrained = state, nTrained
	b.records[id] = r
	return nil
}

func (b *countingBackend) ListRecords(context.Context) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	return out, nil
}

// stallingBackend holds the first GetRecord after it has read its result, so
// the load stays in flight with a snapshot taken before any later write.
type stallingBackend struct {
	*countingBackend
	stalled atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *stallingBackend) GetRecord(ctx context.Context, id int64) (*Record, error) {
	rec, err := b.countingBackend.GetRecord(ctx, id)
	if b.stalled.CompareAndSwap(false, true) {
		close(b.entered)
		<-b.release
	}
	return rec, err
}

func TestCachedStoreReadAfterWriteSkipsStaleLoad(t *testing.T) {
	ctx := context.Background()
	backend := &stallingBackend{
		countingBackend: newCountingBackend(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	store, err := NewCachedStore(backend, 8)
	require.NoError(t, err)

	id, err := backend.CreateRecord(ctx, NewRecord{ModelType: "SGDClassifier", Params: "{}", FeatureDim: 2, NClasses: 2, State: []byte("s0")})
	require.NoError(t, err)

	slow := make(chan *Record, 1)
	go func() {
		rec, err := store.GetRecord(ctx, id)
		assert.NoError(t, err)
		slow <- rec
	}()
	<-backend.entered

	require.NoError(t, store.UpdateRecord(ctx, id, []byte("s1"), 1))

	fresh := make(chan *Record, 1)
	go func() {
		rec, err := store.GetRecord(ctx, id)
		assert.NoError(t, err)
		fresh <- rec
	}()
	select {
	case rec := <-fresh:
		assert.Equal(t, 1, rec.NTrained)
		assert.Equal(t, []byte("s1"), rec.State)
	case <-time.After(5 * time.Second):
		close(backend.release)
		t.Fatal("read issued after the update waited on a load that started before it")
	}

	close(backend.release)
	rec := <-slow
	assert.Equal(t, 1, rec.NTrained, "a load that raced the write is re-read")

	rec, err = store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.NTrained)
	assert.Equal(t, []byte("s1"), rec.State)
}

func TestCachedStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	store, err := NewCachedStore(backend, 2)
	require.NoError(t, err)

	id, err := store.CreateRecord(ctx, NewRecord{ModelType: "SGDClassifier", Params: "{}", FeatureDim: 2, NClasses: 2, State: []byte("s0")})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("s0"), rec.State)
	}
	assert.Equal(t, 1, backend.gets)
	assert.Equal(t, 1, store.Len())

	// Callers get copies; mutating one must not leak into the cache.
	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	rec.State[0] = 'X'
	rec, err = store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("s0"), rec.State)
}

func TestCachedStoreUpdateInvalidates(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	store, err := NewCachedStore(backend, 8)
	require.NoError(t, err)

	id, err := store.CreateRecord(ctx, NewRecord{ModelType: "SGDClassifier", Params: "{}", FeatureDim: 2, NClasses: 2, State: []byte("s0")})
	require.NoError(t, err)
	_, err = store.GetRecord(ctx, id)
	require.NoError(t, err)

	require.NoError(t, store.UpdateRecord(ctx, id, []byte("s1"), 1))
	assert.Equal(t, 0, store.Len())

	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("s1"), rec.State)
	assert.Equal(t, 1, rec.NTrained)
	assert.Equal(t, 2, backend.gets)
}

func TestCachedStoreMissesAreNotCached(t *testing.T) {
	ctx := context.Background()
	store, err := NewCachedStore(newCountingBackend(), 8)
	require.NoError(t, err)

	_, err = store.GetRecord(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())
	assert.ErrorIs(t, store.UpdateRecord(ctx, 42, nil, 1), ErrNotFound)
}
