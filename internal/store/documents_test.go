package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
)

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	data := ir.IRObject{
		"name":    ir.IRString("Paris"),
		"rating":  ir.IRFloat(4.5),
		"visits":  ir.IRInt(12),
		"open":    ir.IRBool(true),
		"owner":   ir.IRRef("users/u1"),
		"opened":  ir.NewIRTime(at),
		"tags":    ir.StringArray("a", "b"),
		"address": ir.IRObject{"city": ir.IRString("Paris"), "zip": ir.IRNull{}},
	}
	require.NoError(t, s.Set(ctx, "places/p1", data, true))

	snap, err := s.Get(ctx, "places/p1")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, "p1", snap.ID())
	assert.Equal(t, ir.IRString("Paris"), snap.Data["name"])
	assert.Equal(t, ir.IRFloat(4.5), snap.Data["rating"])
	assert.Equal(t, ir.IRInt(12), snap.Data["visits"])
	assert.Equal(t, ir.IRBool(true), snap.Data["open"])
	assert.Equal(t, ir.IRRef("users/u1"), snap.Data["owner"])
	assert.Equal(t, ir.NewIRTimestamp(at), snap.Data["opened"], "times come back store-native")
	assert.Equal(t, ir.StringArray("a", "b"), snap.Data["tags"])
	assert.Equal(t, ir.IRObject{"city": ir.IRString("Paris"), "zip": ir.IRNull{}}, snap.Data["address"])
	assert.False(t, snap.CreateTime.IsZero())
}

func TestGetMissing(t *testing.T) {
	snap, err := createTestStore(t).Get(context.Background(), "places/none")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, "places/none", snap.Path)
}

func TestGetAllPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.Set(ctx, "places/p1", ir.IRObject{"n": ir.IRInt(1)}, true))
	require.NoError(t, s.Set(ctx, "places/p3", ir.IRObject{"n": ir.IRInt(3)}, true))

	snaps, err := s.GetAll(ctx, []string{"places/p3", "places/p2", "places/p1"})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, ir.IRInt(3), snaps[0].Data["n"])
	assert.False(t, snaps[1].Exists)
	assert.Equal(t, "places/p2", snaps[1].Path)
	assert.Equal(t, ir.IRInt(1), snaps[2].Data["n"])
}

func TestSetMergeAndOverwrite(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.Set(ctx, "companies/c1", ir.IRObject{"name": ir.IRString("acme"), "size": ir.IRInt(3)}, true))
	first, err := s.Get(ctx, "companies/c1")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "companies/c1", ir.IRObject{"size": ir.IRInt(4)}, true))
	merged, err := s.Get(ctx, "companies/c1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"name": ir.IRString("acme"), "size": ir.IRInt(4)}, merged.Data)
	assert.Equal(t, first.CreateTime, merged.CreateTime)
	assert.True(t, merged.UpdateTime.After(first.UpdateTime))

	require.NoError(t, s.Set(ctx, "companies/c1", ir.IRObject{"size": ir.IRInt(5)}, false))
	replaced, err := s.Get(ctx, "companies/c1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"size": ir.IRInt(5)}, replaced.Data)
}

func TestUpdateRequiresExistingDocument(t *testing.T) {
	err := createTestStore(t).Update(context.Background(), "companies/c1", ir.IRObject{"x": ir.IRInt(1)})
	assert.True(t, docstore.IsNotFound(err))
}

func TestQueryArrayContains(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.Set(ctx, "companies/c2", ir.IRObject{"dependencies": ir.StringArray("places/p1", "places/p2")}, true))
	require.NoError(t, s.Set(ctx, "companies/c1", ir.IRObject{"dependencies": ir.StringArray("places/p1")}, true))
	require.NoError(t, s.Set(ctx, "companies/c3", ir.IRObject{"dependencies": ir.StringArray("places/p2")}, true))
	require.NoError(t, s.Set(ctx, "other/o1", ir.IRObject{"dependencies": ir.StringArray("places/p1")}, true))

	got, err := s.Query(ctx, "companies", "dependencies", ir.IRString("places/p1"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "companies/c1", got[0].Path)
	assert.Equal(t, "companies/c2", got[1].Path)

	require.NoError(t, s.Set(ctx, "companies/c1", ir.IRObject{"dependencies": ir.IRArray{}}, true))
	require.NoError(t, s.Delete(ctx, "companies/c2"))

	got, err = s.Query(ctx, "companies", "dependencies", ir.IRString("places/p1"))
	require.NoError(t, err)
	assert.Empty(t, got, "rewrites and deletes drop index rows")
}

func TestQueryTemplatedCollection(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.Set(ctx, "shops/s1/locales/ja", ir.IRObject{"dependencies": ir.StringArray("owners/o1")}, true))
	require.NoError(t, s.Set(ctx, "shops/s2/locales/en", ir.IRObject{"dependencies": ir.StringArray("owners/o1")}, true))
	require.NoError(t, s.Set(ctx, "shops/s2/staff/en", ir.IRObject{"dependencies": ir.StringArray("owners/o1")}, true))

	got, err := s.Query(ctx, "shops/{shopID}/locales", "dependencies", ir.IRString("owners/o1"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "shops/s1/locales/ja", got[0].Path)
	assert.Equal(t, "shops/s2/locales/en", got[1].Path)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		require.NoError(t, tx.Set("companies/c1", ir.IRObject{"x": ir.IRInt(1)}, true))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := s.Get(ctx, "companies/c1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestWatchReceivesCommittedChanges(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	var changes []docstore.Change
	cancel := s.Watch(func(c docstore.Change) { changes = append(changes, c) })
	defer cancel()

	require.NoError(t, s.Set(ctx, "places/p1", ir.IRObject{"name": ir.IRString("A")}, true))
	require.NoError(t, s.Set(ctx, "places/p1", ir.IRObject{"name": ir.IRString("A")}, true))
	require.NoError(t, s.Update(ctx, "places/p1", ir.IRObject{"name": ir.IRString("B")}))
	require.NoError(t, s.Delete(ctx, "places/p1"))

	require.Len(t, changes, 3)
	assert.Equal(t, docstore.ChangeCreate, changes[0].Kind())
	assert.Equal(t, docstore.ChangeUpdate, changes[1].Kind())
	assert.Equal(t, ir.IRString("B"), changes[1].After.Data["name"])
	assert.Equal(t, docstore.ChangeDelete, changes[2].Kind())
	assert.Equal(t, ir.IRString("B"), changes[2].Before.Data["name"])
}

func TestMapErrorBusyIsUnavailable(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.True(t, docstore.IsUnavailable(mapError(busy)))

	locked := sqlite3.Error{Code: sqlite3.ErrLocked}
	assert.True(t, docstore.IsUnavailable(mapError(locked)))

	other := sqlite3.Error{Code: sqlite3.ErrConstraint}
	assert.False(t, docstore.IsUnavailable(mapError(other)))
	assert.NoError(t, mapError(nil))
}

func TestBodyEncodingNullsAndRefs(t *testing.T) {
	_, err := marshalBody(ir.IRObject{"x": nil})
	require.NoError(t, err, "nil values encode as BSON null")

	obj, err := unmarshalBody(mustMarshal(t, ir.IRObject{"ref": ir.IRRef("a/b"), "x": nil}))
	require.NoError(t, err)
	assert.Equal(t, ir.IRRef("a/b"), obj["ref"])
	assert.Equal(t, ir.IRNull{}, obj["x"])
}

func mustMarshal(t *testing.T, obj ir.IRObject) []byte {
	t.Helper()
	b, err := marshalBody(obj)
	require.NoError(t, err)
	return b
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	for _, p := range []string{"places/p2", "places/p1", "companies/c1", "places/p1/locales/ja"} {
		require.NoError(t, s.Set(ctx, p, ir.IRObject{"n": ir.IRInt(1)}, false))
	}

	places, err := s.List(ctx, "places")
	require.NoError(t, err)
	require.Len(t, places, 2)
	assert.Equal(t, "places/p1", places[0].Path)
	assert.Equal(t, ir.IRInt(1), places[0].Data["n"])
	assert.Equal(t, "places/p2", places[1].Path)

	locales, err := s.List(ctx, "places/{placeID}/locales")
	require.NoError(t, err)
	require.Len(t, locales, 1)
	assert.Equal(t, "places/p1/locales/ja", locales[0].Path)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
