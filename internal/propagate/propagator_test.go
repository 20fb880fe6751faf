package propagate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/memstore"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/testutil"
	"github.com/roach88/denorm/internal/writer"
)

var companies = join.Query{
	Name: "companies",
	From: "companyDrafts/{companyID}",
	To:   "companies/{companyID}",
	References: []join.Reference{
		{SourceField: "placeID", TargetField: "place", Collection: "places"},
		{SourceField: "branchIDs", TargetField: "branches", Collection: "places"},
	},
}

type fixture struct {
	store *memstore.Store
	ids   *testutil.SequenceBatchIDs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store: memstore.New(memstore.WithClock(testutil.NewClock(time.Time{}, time.Second).Now)),
		ids:   testutil.NewSequenceBatchIDs("w"),
	}
}

func (f *fixture) propagator(t *testing.T, queries []join.Query, trigger string, store docstore.Store, opts ...Option) *Propagator {
	t.Helper()
	targets, err := BuildTargets(queries)
	require.NoError(t, err)
	require.Contains(t, targets, trigger)
	if store == nil {
		store = f.store
	}
	opts = append([]Option{
		WithBatchIDs(f.ids.Generate),
		WithWriter(&writer.Writer{Concurrency: 4, MaxAttempts: 2, Backoff: time.Millisecond}),
	}, opts...)
	return New(trigger, targets[trigger], store, opts...)
}

func (f *fixture) put(t *testing.T, path string, data ir.IRObject) docstore.Change {
	t.Helper()
	ctx := context.Background()
	before, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, path, data, false))
	after, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	return docstore.Change{Path: path, Before: before, After: after}
}

func (f *fixture) remove(t *testing.T, path string) docstore.Change {
	t.Helper()
	ctx := context.Background()
	before, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, path))
	return docstore.Change{Path: path, Before: before, After: docstore.Missing(path)}
}

func (f *fixture) get(t *testing.T, path string) ir.IRObject {
	t.Helper()
	snap, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	require.True(t, snap.Exists, "%s should exist", path)
	return snap.Data
}

func placeRecord(id, name string) ir.IRObject {
	return ir.IRObject{"id": ir.IRString(id), "name": ir.IRString(name)}
}

func TestBuildTargetsDeduplicates(t *testing.T) {
	clone := companies
	clone.Name = "companiesAgain"
	other := join.Query{
		Name:       "placesView",
		From:       "drafts/{id}",
		To:         "views/{id}",
		References: []join.Reference{{SourceField: "placeID", TargetField: "place", Collection: "places"}},
	}

	targets, err := BuildTargets([]join.Query{companies, clone, other})
	require.NoError(t, err)

	assert.Equal(t, []string{"places/{documentID}"}, Triggers(targets))
	got := targets["places/{documentID}"]
	require.Len(t, got, 3)
	assert.Equal(t, "place", got[0].Field)
	assert.Equal(t, "branches", got[1].Field)
	assert.Equal(t, "views/{id}", got[2].To)
	assert.Equal(t, "companies", got[0].Query, "first occurrence wins")
}

func TestBuildTargetsRejectsBadProjection(t *testing.T) {
	q := companies
	q.References = []join.Reference{{SourceField: "placeID", TargetField: "place", Collection: "places", Fields: []string{"$.tags[0]"}}}

	_, err := BuildTargets([]join.Query{q})
	assert.Error(t, err)
}

func TestDependentCollections(t *testing.T) {
	grouped := Target{To: "shops/{shopID}/localized/{locale}", Group: &join.Group{Parameter: "locale", Values: []string{"ja", "en"}}}
	byLocale := Target{To: "localized/{locale}/shops/{shopID}", Group: &join.Group{Parameter: "locale", Values: []string{"ja", "en"}}}
	plain := Target{To: "companies/{companyID}"}

	assert.Equal(t, []string{"companies"}, plain.dependentCollections(pathtmpl.Params{"documentID": "p1"}))
	assert.Equal(t, []string{"shops/{shopID}/localized"}, grouped.dependentCollections(pathtmpl.Params{}))
	assert.Equal(t, []string{"localized/ja/shops", "localized/en/shops"}, byLocale.dependentCollections(pathtmpl.Params{}))
	assert.Equal(t, []string{"localized/en/shops"}, byLocale.dependentCollections(pathtmpl.Params{"locale": "en"}))
	assert.Empty(t, byLocale.dependentCollections(pathtmpl.Params{"locale": "fr"}))
}

func TestUpdateReachesAllAndOnlyDependents(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A")})
	for _, id := range []string{"c1", "c2"} {
		f.put(t, "companies/"+id, ir.IRObject{
			"placeID":      ir.IRString("p1"),
			"place":        placeRecord("p1", "A"),
			"other":        ir.IRString(id),
			"dependencies": ir.StringArray("places/p1"),
		})
	}
	f.put(t, "companies/c3", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "A"),
		"dependencies": ir.StringArray("places/p9"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil)

	change := f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("B")})
	require.NoError(t, p.Handle(context.Background(), change, nil))

	for _, id := range []string{"c1", "c2"} {
		doc := f.get(t, "companies/"+id)
		assert.Equal(t, placeRecord("p1", "B"), doc["place"])
		assert.Equal(t, ir.IRString(id), doc["other"], "unrelated fields untouched")
		assert.Equal(t, ir.IRString("w-1"), doc["propagationBatchID"])
		assert.NotContains(t, doc, "branches", "list target does not touch scalar references")
	}
	assert.Equal(t, placeRecord("p1", "A"), f.get(t, "companies/c3")["place"])
}

func TestNoOpUpdateWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A"), "updatedAt": ir.NewIRTime(testutil.DefaultEpoch)})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "A"),
		"dependencies": ir.StringArray("places/p1"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil)

	var writes int
	cancel := f.store.Watch(func(c docstore.Change) {
		if c.Path != "places/p1" {
			writes++
		}
	})
	defer cancel()

	change := f.put(t, "places/p1", ir.IRObject{
		"name":               ir.IRString("A"),
		"updatedAt":          ir.NewIRTime(testutil.DefaultEpoch.Add(time.Hour)),
		"propagationBatchID": ir.IRString("elsewhere"),
	})
	require.NoError(t, p.Handle(context.Background(), change, nil))

	assert.Zero(t, writes)
	assert.Zero(t, f.ids.Issued())
}

func TestUnchangedRecordIsNotRewritten(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A"), "note": ir.IRString("x")})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        ir.IRObject{"id": ir.IRString("p1"), "name": ir.IRString("A")},
		"dependencies": ir.StringArray("places/p1"),
	})
	q := companies
	q.References = []join.Reference{{SourceField: "placeID", TargetField: "place", Collection: "places", Fields: []string{"$.name"}}}
	p := f.propagator(t, []join.Query{q}, "places/{documentID}", nil)

	before := f.get(t, "companies/c1")
	change := f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A"), "note": ir.IRString("y")})
	require.NoError(t, p.Handle(context.Background(), change, nil))

	assert.Equal(t, before, f.get(t, "companies/c1"), "projected record did not change")
}

func TestArrayIdentityMatching(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("one")})
	f.put(t, "companies/c1", ir.IRObject{
		"branchIDs": ir.StringArray("p0", "p1", "p2"),
		"branches": ir.IRArray{
			placeRecord("p0", "zero"),
			placeRecord("p1", "one"),
			placeRecord("p2", "two"),
		},
		"dependencies": ir.StringArray("places/p0", "places/p1", "places/p2"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil)

	change := f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("uno")})
	require.NoError(t, p.Handle(context.Background(), change, nil))

	doc := f.get(t, "companies/c1")
	assert.Equal(t, ir.IRArray{
		placeRecord("p0", "zero"),
		placeRecord("p1", "uno"),
		placeRecord("p2", "two"),
	}, doc["branches"])
	assert.NotContains(t, doc, "place")
}

func TestCreateFillsMissingReferences(t *testing.T) {
	f := newFixture(t)
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        ir.IRNull{},
		"branchIDs":    ir.StringArray("p0", "p1", "p2"),
		"branches":     ir.IRArray{placeRecord("p0", "zero"), placeRecord("p2", "two")},
		"dependencies": ir.StringArray("places/p0", "places/p1", "places/p2"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil)

	change := f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("one")})
	require.Equal(t, docstore.ChangeCreate, change.Kind())
	require.NoError(t, p.Handle(context.Background(), change, nil))

	doc := f.get(t, "companies/c1")
	assert.Equal(t, placeRecord("p1", "one"), doc["place"])
	assert.Equal(t, ir.IRArray{
		placeRecord("p0", "zero"),
		placeRecord("p1", "one"),
		placeRecord("p2", "two"),
	}, doc["branches"])
}

func TestDeletePropagation(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("one")})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "one"),
		"branchIDs":    ir.StringArray("p0", "p1"),
		"branches":     ir.IRArray{placeRecord("p0", "zero"), placeRecord("p1", "one")},
		"dependencies": ir.StringArray("places/p0", "places/p1"),
	})
	f.put(t, "companies/c2", ir.IRObject{
		"branchIDs":    ir.StringArray("p1"),
		"branches":     ir.IRArray{placeRecord("p1", "one")},
		"dependencies": ir.StringArray("places/p1"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil)

	require.NoError(t, p.Handle(context.Background(), f.remove(t, "places/p1"), nil))

	c1 := f.get(t, "companies/c1")
	assert.Equal(t, ir.IRNull{}, c1["place"])
	assert.Equal(t, ir.IRArray{placeRecord("p0", "zero")}, c1["branches"])
	assert.Equal(t, ir.StringArray("places/p0"), c1["dependencies"])

	c2 := f.get(t, "companies/c2")
	assert.Equal(t, ir.IRArray{}, c2["branches"])
	assert.Equal(t, ir.IRArray{}, c2["dependencies"])
	assert.NotContains(t, c2, "place")
}

func TestDeleteWithSourcePruning(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("one")})
	f.put(t, "companyDrafts/c1", ir.IRObject{
		"placeID":   ir.IRString("p1"),
		"branchIDs": ir.StringArray("p0", "p1"),
	})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "one"),
		"branchIDs":    ir.StringArray("p0", "p1"),
		"branches":     ir.IRArray{placeRecord("p1", "one")},
		"dependencies": ir.StringArray("places/p1"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil, WithSourcePruning(true))

	require.NoError(t, p.Handle(context.Background(), f.remove(t, "places/p1"), nil))

	draft := f.get(t, "companyDrafts/c1")
	assert.Equal(t, ir.IRNull{}, draft["placeID"])
	assert.Equal(t, ir.StringArray("p0"), draft["branchIDs"])
}

func TestBatchIDInheritance(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A"), "propagationBatchID": ir.IRString("old")})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "A"),
		"dependencies": ir.StringArray("places/p1"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil)

	patched := f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("B"), "propagationBatchID": ir.IRString("upstream")})
	require.NoError(t, p.Handle(context.Background(), patched, nil))
	assert.Equal(t, ir.IRString("upstream"), f.get(t, "companies/c1")["propagationBatchID"])
	assert.Zero(t, f.ids.Issued())

	edited := f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("C"), "propagationBatchID": ir.IRString("upstream")})
	require.NoError(t, p.Handle(context.Background(), edited, nil))
	assert.Equal(t, ir.IRString("w-1"), f.get(t, "companies/c1")["propagationBatchID"], "a stale id is not inherited")
}

func TestMaxDependentsQuota(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A")})
	for _, id := range []string{"c1", "c2", "c3"} {
		f.put(t, "companies/"+id, ir.IRObject{
			"placeID":      ir.IRString("p1"),
			"place":        placeRecord("p1", "A"),
			"dependencies": ir.StringArray("places/p1"),
		})
	}
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil, WithMaxDependents(2))

	err := p.Handle(context.Background(), f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("B")}), nil)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	patched := 0
	for _, id := range []string{"c1", "c2", "c3"} {
		if f.get(t, "companies/"+id)["place"].(ir.IRObject)["name"] == ir.IRString("B") {
			patched++
		}
	}
	assert.Equal(t, 2, patched)
}

func TestDependentFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A")})
	for _, id := range []string{"c1", "c2", "c3"} {
		f.put(t, "companies/"+id, ir.IRObject{
			"placeID":      ir.IRString("p1"),
			"place":        placeRecord("p1", "A"),
			"dependencies": ir.StringArray("places/p1"),
		})
	}
	boom := errors.New("permission denied")
	faulty := testutil.NewFaultStore(f.store)
	faulty.Fail(testutil.OpWrite, "companies/c2", boom, 0)
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", faulty)

	err := p.Handle(context.Background(), f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("B")}), nil)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, placeRecord("p1", "B"), f.get(t, "companies/c1")["place"])
	assert.Equal(t, placeRecord("p1", "A"), f.get(t, "companies/c2")["place"])
	assert.Equal(t, placeRecord("p1", "B"), f.get(t, "companies/c3")["place"])
}

func TestGroupedDependents(t *testing.T) {
	f := newFixture(t)
	q := join.Query{
		Name:       "localized",
		From:       "shops/{shopID}",
		To:         "shops/{shopID}/localized/{locale}",
		References: []join.Reference{{SourceField: "ownerID", TargetField: "owner", Collection: "owners/{locale}/people"}},
		Group:      &join.Group{Parameter: "locale", Values: []string{"ja", "en"}},
	}
	f.put(t, "owners/ja/people/o1", ir.IRObject{"name": ir.IRString("Taro")})
	for _, loc := range []string{"ja", "en"} {
		f.put(t, "shops/s1/localized/"+loc, ir.IRObject{
			"ownerID":      ir.IRString("o1"),
			"owner":        ir.IRObject{"id": ir.IRString("o1"), "name": ir.IRString("?")},
			"dependencies": ir.StringArray("owners/" + loc + "/people/o1"),
		})
	}
	p := f.propagator(t, []join.Query{q}, "owners/{locale}/people/{documentID}", nil)

	change := f.put(t, "owners/ja/people/o1", ir.IRObject{"name": ir.IRString("Hanako")})
	require.NoError(t, p.Handle(context.Background(), change, nil))

	assert.Equal(t, ir.IRString("Hanako"), f.get(t, "shops/s1/localized/ja")["owner"].(ir.IRObject)["name"])
	assert.Equal(t, ir.IRString("?"), f.get(t, "shops/s1/localized/en")["owner"].(ir.IRObject)["name"])
}

func TestShouldRunGate(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A")})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "A"),
		"dependencies": ir.StringArray("places/p1"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil,
		WithShouldRun(func(_, after docstore.Snapshot) bool { return after.Data["frozen"] == nil }))

	require.NoError(t, p.Handle(context.Background(), f.put(t, "places/p1", ir.IRObject{
		"name":   ir.IRString("B"),
		"frozen": ir.IRBool(true),
	}), nil))
	assert.Equal(t, placeRecord("p1", "A"), f.get(t, "companies/c1")["place"])
}

func TestShouldRunGateOnDelete(t *testing.T) {
	f := newFixture(t)
	f.put(t, "places/p1", ir.IRObject{"name": ir.IRString("A"), "frozen": ir.IRBool(true)})
	f.put(t, "companies/c1", ir.IRObject{
		"placeID":      ir.IRString("p1"),
		"place":        placeRecord("p1", "A"),
		"dependencies": ir.StringArray("places/p1"),
	})
	p := f.propagator(t, []join.Query{companies}, "places/{documentID}", nil,
		WithShouldRun(func(before, _ docstore.Snapshot) bool { return before.Data["frozen"] == nil }))

	require.NoError(t, p.Handle(context.Background(), f.remove(t, "places/p1"), nil))
	company := f.get(t, "companies/c1")
	assert.Equal(t, placeRecord("p1", "A"), company["place"])
	assert.Equal(t, ir.StringArray("places/p1"), company["dependencies"])
}

// TestPlacesCompaniesScenario runs join and propagation together: a company
// embeds its place, the place is renamed, then deleted.
func TestPlacesCompaniesScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := join.Query{
		Name:       "companies",
		From:       "companies/{companyID}",
		To:         "companies/{companyID}",
		References: []join.Reference{{SourceField: "placeID", TargetField: "place", Collection: "places"}},
	}
	resolver, err := join.NewResolver(q, f.store, join.WithBatchIDs(f.ids.Generate))
	require.NoError(t, err)
	p := f.propagator(t, []join.Query{q}, "places/{documentID}", nil)

	var queue []docstore.Change
	cancel := f.store.Watch(func(c docstore.Change) { queue = append(queue, c) })
	defer cancel()
	drain := func() {
		for i := 0; i < 20 && len(queue) > 0; i++ {
			c := queue[0]
			queue = queue[1:]
			require.NoError(t, resolver.Handle(ctx, c, nil))
			require.NoError(t, p.Handle(ctx, c, nil))
		}
		require.Empty(t, queue, "changes settle")
	}

	require.NoError(t, f.store.Set(ctx, "places/place1", ir.IRObject{"name": ir.IRString("A")}, false))
	require.NoError(t, f.store.Set(ctx, "companies/company1", ir.IRObject{
		"placeID": ir.IRString("place1"),
		"size":    ir.IRInt(10),
	}, false))
	drain()

	company := f.get(t, "companies/company1")
	assert.Equal(t, ir.IRObject{"name": ir.IRString("A"), "id": ir.IRString("place1")}, company["place"])
	assert.Equal(t, ir.StringArray("places/place1"), company["dependencies"])

	require.NoError(t, f.store.Update(ctx, "places/place1", ir.IRObject{"name": ir.IRString("B")}))
	drain()

	company = f.get(t, "companies/company1")
	assert.Equal(t, ir.IRString("B"), company["place"].(ir.IRObject)["name"])
	assert.Equal(t, ir.IRInt(10), company["size"])

	require.NoError(t, f.store.Delete(ctx, "places/place1"))
	drain()

	company = f.get(t, "companies/company1")
	assert.Equal(t, ir.IRNull{}, company["place"])
	// The company still names place1, so the join keeps depending on it and
	// a recreated place1 is embedded again.
	assert.Equal(t, ir.StringArray("places/place1"), company["dependencies"])

	require.NoError(t, f.store.Set(ctx, "places/place1", ir.IRObject{"name": ir.IRString("C")}, false))
	drain()
	assert.Equal(t, ir.IRString("C"), f.get(t, "companies/company1")["place"].(ir.IRObject)["name"])
}
