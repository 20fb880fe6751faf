package testutil

import (
	"context"
	"sync"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
)

// Op selects which store operations a fault applies to.
type Op int

const (
	OpRead Op = 1 << iota
	OpWrite
	OpQuery
)

type fault struct {
	ops       Op
	pattern   string
	err       error
	remaining int // <0 means forever
}

// FaultStore wraps a docstore.Store and fails selected operations.
//
// Faults match document paths (or query collections) against a path
// template, so "companies/{id}" fails every company document.
// Writes made inside RunTransaction are checked too; a failing write
// aborts that transaction only.
type FaultStore struct {
	docstore.Store

	mu     sync.Mutex
	faults []*fault
	hits   map[string]int
}

// NewFaultStore wraps inner with no faults installed.
func NewFaultStore(inner docstore.Store) *FaultStore {
	return &FaultStore{Store: inner, hits: make(map[string]int)}
}

// Fail installs a fault. times <= 0 fails forever.
func (f *FaultStore) Fail(ops Op, pattern string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := times
	if times <= 0 {
		remaining = -1
	}
	f.faults = append(f.faults, &fault{ops: ops, pattern: pattern, err: err, remaining: remaining})
}

// Clear removes every installed fault.
func (f *FaultStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// Hits returns how many times a fault fired for path.
func (f *FaultStore) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *FaultStore) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ft := range f.faults {
		if ft.ops&op == 0 || ft.remaining == 0 {
			continue
		}
		if !pathtmpl.Matches(path, ft.pattern) {
			continue
		}
		if ft.remaining > 0 {
			ft.remaining--
		}
		f.hits[path]++
		return ft.err
	}
	return nil
}

func (f *FaultStore) Get(ctx context.Context, path string) (docstore.Snapshot, error) {
	if err := f.check(OpRead, path); err != nil {
		return docstore.Snapshot{}, err
	}
	return f.Store.Get(ctx, path)
}

func (f *FaultStore) GetAll(ctx context.Context, paths []string) ([]docstore.Snapshot, error) {
	for _, p := range paths {
		if err := f.check(OpRead, p); err != nil {
			return nil, err
		}
	}
	return f.Store.GetAll(ctx, paths)
}

func (f *FaultStore) Query(ctx context.Context, collection, field string, value ir.IRValue) ([]docstore.Snapshot, error) {
	if err := f.check(OpQuery, collection); err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, collection, field, value)
}

func (f *FaultStore) Set(ctx context.Context, path string, data ir.IRObject, merge bool) error {
	if err := f.check(OpWrite, path); err != nil {
		return err
	}
	return f.Store.Set(ctx, path, data, merge)
}

func (f *FaultStore) Update(ctx context.Context, path string, fields ir.IRObject) error {
	if err := f.check(OpWrite, path); err != nil {
		return err
	}
	return f.Store.Update(ctx, path, fields)
}

func (f *FaultStore) Delete(ctx context.Context, path string) error {
	if err := f.check(OpWrite, path); err != nil {
		return err
	}
	return f.Store.Delete(ctx, path)
}

func (f *FaultStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return f.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return fn(ctx, &faultTx{Tx: tx, f: f})
	})
}

type faultTx struct {
	docstore.Tx
	f *FaultStore
}

func (t *faultTx) Get(path string) (docstore.Snapshot, error) {
	if err := t.f.check(OpRead, path); err != nil {
		return docstore.Snapshot{}, err
	}
	return t.Tx.Get(path)
}

func (t *faultTx) Set(path string, data ir.IRObject, merge bool) error {
	if err := t.f.check(OpWrite, path); err != nil {
		return err
	}
	return t.Tx.Set(path, data, merge)
}

func (t *faultTx) Update(path string, fields ir.IRObject) error {
	if err := t.f.check(OpWrite, path); err != nil {
		return err
	}
	return t.Tx.Update(path, fields)
}

func (t *faultTx) Delete(path string) error {
	if err := t.f.check(OpWrite, path); err != nil {
		return err
	}
	return t.Tx.Delete(path)
}
