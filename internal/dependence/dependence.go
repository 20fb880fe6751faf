// Package dependence resolves foreign references for one join run and
// records every foreign document path that was read.
package dependence

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/projection"
)

// Dependence accumulates the dependency set of a single resolution.
// It is safe for concurrent use.
type Dependence struct {
	store docstore.Reader

	mu    sync.Mutex
	seen  map[string]struct{}
	paths []string
}

// New returns an empty accumulator reading from store.
func New(store docstore.Reader) *Dependence {
	return &Dependence{
		store: store,
		seen:  make(map[string]struct{}),
	}
}

// ResolveOne reads collection/id and returns its projected, cleaned record.
//
// An empty id yields IRNull without a read and without a dependency. A
// missing document yields IRNull but is still recorded.
func (d *Dependence) ResolveOne(ctx context.Context, collection, id string, project projection.Func) (ir.IRValue, error) {
	if id == "" {
		return ir.IRNull{}, nil
	}
	path := pathtmpl.Join(collection, id)
	if err := docstore.CheckDocumentPath(path); err != nil {
		return nil, err
	}

	snap, err := d.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	d.record(path)

	if !snap.Exists {
		return ir.IRNull{}, nil
	}
	return clean(project, snap), nil
}

// ResolveMany reads every collection/id in one batch and returns the
// records of the documents that exist, in id order. Every attempted path
// is recorded, including missing ones.
func (d *Dependence) ResolveMany(ctx context.Context, collection string, ids []string, project projection.Func) (ir.IRArray, error) {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		path := pathtmpl.Join(collection, id)
		if err := docstore.CheckDocumentPath(path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return ir.IRArray{}, nil
	}

	snaps, err := d.store.GetAll(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", collection, err)
	}
	d.record(paths...)

	out := make(ir.IRArray, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists {
			continue
		}
		out = append(out, clean(project, snap))
	}
	return out, nil
}

// Dependencies returns the recorded paths in first-seen order.
func (d *Dependence) Dependencies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.paths))
	copy(out, d.paths)
	return out
}

func (d *Dependence) record(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range paths {
		if _, ok := d.seen[p]; ok {
			continue
		}
		d.seen[p] = struct{}{}
		d.paths = append(d.paths, p)
	}
}

func clean(project projection.Func, snap docstore.Snapshot) ir.IRObject {
	if project == nil {
		project = projection.Full
	}
	rec := normalize.Clean(project(snap))
	if _, ok := rec[normalize.KeyID]; !ok {
		rec[normalize.KeyID] = ir.IRString(snap.ID())
	}
	return rec
}
