package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/memstore"
)

func TestFaultStoreFailsMatchingWrites(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fs := NewFaultStore(memstore.New())
	fs.Fail(OpWrite, "companies/{id}", boom, 0)

	assert.ErrorIs(t, fs.Set(ctx, "companies/c1", ir.IRObject{"x": ir.IRInt(1)}, true), boom)
	assert.NoError(t, fs.Set(ctx, "places/p1", ir.IRObject{"x": ir.IRInt(1)}, true))
	assert.Equal(t, 1, fs.Hits("companies/c1"))

	err := fs.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Set("companies/c2", ir.IRObject{}, true)
	})
	assert.ErrorIs(t, err, boom)

	snap, err := fs.Get(ctx, "companies/c2")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestFaultStoreLimitedTimes(t *testing.T) {
	ctx := context.Background()
	fs := NewFaultStore(memstore.New())
	fs.Fail(OpRead, "places/p1", docstore.Unavailable(errors.New("busy")), 2)

	for i := 0; i < 2; i++ {
		_, err := fs.Get(ctx, "places/p1")
		assert.True(t, docstore.IsUnavailable(err))
	}
	_, err := fs.Get(ctx, "places/p1")
	assert.NoError(t, err)
}

func TestFaultStoreQueryAndClear(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fs := NewFaultStore(memstore.New())
	fs.Fail(OpQuery, "companies", boom, 0)

	_, err := fs.Query(ctx, "companies", "dependencies", ir.IRString("places/p1"))
	assert.ErrorIs(t, err, boom)

	fs.Clear()
	_, err = fs.Query(ctx, "companies", "dependencies", ir.IRString("places/p1"))
	assert.NoError(t, err)
}
