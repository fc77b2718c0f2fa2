package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	data map[string]Vector
	gets int
	puts int
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string]Vector{}} }

func (f *fakeStore) Get(ctx context.Context, hash string) (Vector, bool, error) {
	f.gets++
	v, ok := f.data[hash]
	return v, ok, nil
}

func (f *fakeStore) Put(ctx context.Context, hash string, v Vector) error {
	f.puts++
	f.data[hash] = v
	return nil
}

func TestEmbedIsDeterministic(t *testing.T) {
	svc := New(10, nil)
	v1, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestEmbedLRUEviction(t *testing.T) {
	svc := New(2, nil)
	ctx := context.Background()
	_, _ = svc.Embed(ctx, "a")
	_, _ = svc.Embed(ctx, "b")
	assert.Equal(t, 2, svc.Len())
	_, _ = svc.Embed(ctx, "c")
	assert.Equal(t, 2, svc.Len(), "capacity must stay bounded")
}

func TestEmbedConsultsStoreOnMiss(t *testing.T) {
	store := newFakeStore()
	svc := New(10, store)
	ctx := context.Background()

	_, err := svc.Embed(ctx, "persisted text")
	require.NoError(t, err)
	assert.Equal(t, 1, store.puts)

	// Fresh service, empty LRU, should hit the store instead of
	// recomputing (gets should be recorded, puts should not grow).
	svc2 := New(10, store)
	v, err := svc2.Embed(ctx, "persisted text")
	require.NoError(t, err)
	assert.NotEmpty(t, v)
	assert.GreaterOrEqual(t, store.gets, 1)
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := Vector{1, 2, 3}
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarityOrthogonalIsZero(t *testing.T) {
	a := Vector{1, 0}
	b := Vector{0, 1}
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
}

func TestCosineSimilarityMismatchedLengthIsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(Vector{1, 2}, Vector{1}))
}
