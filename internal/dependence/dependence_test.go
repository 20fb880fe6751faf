package dependence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/memstore"
	"github.com/roach88/denorm/internal/projection"
)

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Set(ctx, "places/p1", ir.IRObject{
		"name":               ir.IRString("A"),
		"dependencies":       ir.StringArray("regions/r1"),
		"propagationBatchID": ir.IRString("b0"),
	}, true))
	require.NoError(t, s.Set(ctx, "places/p2", ir.IRObject{"name": ir.IRString("B")}, true))
	return s
}

func TestResolveOne(t *testing.T) {
	d := New(seeded(t))

	v, err := d.ResolveOne(context.Background(), "places", "p1", nil)
	require.NoError(t, err)

	assert.Equal(t, ir.IRObject{"id": ir.IRString("p1"), "name": ir.IRString("A")}, v)
	assert.Equal(t, []string{"places/p1"}, d.Dependencies())
}

func TestResolveOneEmptyID(t *testing.T) {
	d := New(seeded(t))

	v, err := d.ResolveOne(context.Background(), "places", "", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, v)
	assert.Empty(t, d.Dependencies())
}

func TestResolveOneMissingIsRecorded(t *testing.T) {
	d := New(seeded(t))

	v, err := d.ResolveOne(context.Background(), "places", "gone", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, v)
	assert.Equal(t, []string{"places/gone"}, d.Dependencies())
}

func TestResolveOneProjection(t *testing.T) {
	d := New(seeded(t))

	v, err := d.ResolveOne(context.Background(), "places", "p1", projection.MustCompile("$.name"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"id": ir.IRString("p1"), "name": ir.IRString("A")}, v)
}

func TestResolveOneInvalidCollection(t *testing.T) {
	d := New(seeded(t))

	_, err := d.ResolveOne(context.Background(), "places/p1", "x", nil)
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)
}

func TestResolveManyFiltersMissingKeepsOrder(t *testing.T) {
	d := New(seeded(t))

	arr, err := d.ResolveMany(context.Background(), "places", []string{"p2", "gone", "p1", ""}, nil)
	require.NoError(t, err)

	require.Len(t, arr, 2)
	assert.Equal(t, ir.IRString("p2"), arr[0].(ir.IRObject)["id"])
	assert.Equal(t, ir.IRString("p1"), arr[1].(ir.IRObject)["id"])
	assert.Equal(t, []string{"places/p2", "places/gone", "places/p1"}, d.Dependencies())
}

func TestResolveManyEmpty(t *testing.T) {
	d := New(seeded(t))

	arr, err := d.ResolveMany(context.Background(), "places", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{}, arr)
	assert.Empty(t, d.Dependencies())
}

func TestDependenciesDedupConcurrent(t *testing.T) {
	d := New(seeded(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.ResolveOne(ctx, "places", "p1", nil)
			_, _ = d.ResolveMany(ctx, "places", []string{"p1", "p2"}, nil)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"places/p1", "places/p2"}, d.Dependencies())
}

type failingReader struct{ err error }

func (f failingReader) Get(context.Context, string) (docstore.Snapshot, error) {
	return docstore.Snapshot{}, f.err
}

func (f failingReader) GetAll(context.Context, []string) ([]docstore.Snapshot, error) {
	return nil, f.err
}

func TestReadErrorsPropagateWithoutRecording(t *testing.T) {
	boom := errors.New("boom")
	d := New(failingReader{err: boom})

	_, err := d.ResolveOne(context.Background(), "places", "p1", nil)
	assert.ErrorIs(t, err, boom)
	_, err = d.ResolveMany(context.Background(), "places", []string{"p1"}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, d.Dependencies())
}
