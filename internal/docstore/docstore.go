// Package docstore defines the document store capability consumed by the
// join and propagation engine.
//
// A store holds IRObject documents addressed by paths that alternate
// collection and id segments ("places/p1/locales/ja"). Implementations live
// in internal/store (SQLite) and internal/memstore (in-memory).
//
// Stores never interpret document content beyond two things: top-level
// array fields are indexed for membership queries, and IRTime values are
// converted to the store-native IRTimestamp form on write.
package docstore

import (
	"context"
	"time"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
)

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	Path       string
	Data       ir.IRObject
	Exists     bool
	CreateTime time.Time
	UpdateTime time.Time
}

// ID returns the document id (last path segment).
func (s Snapshot) ID() string {
	return pathtmpl.ID(s.Path)
}

// Missing returns the snapshot of an absent document.
func Missing(path string) Snapshot {
	return Snapshot{Path: pathtmpl.Clean(path)}
}

// ChangeKind classifies a change event.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is delivered to watchers after a committed write.
type Change struct {
	Path   string
	Before Snapshot
	After  Snapshot
}

// Kind derives the change kind from the before/after existence states.
func (c Change) Kind() ChangeKind {
	switch {
	case !c.Before.Exists && c.After.Exists:
		return ChangeCreate
	case c.Before.Exists && c.After.Exists:
		return ChangeUpdate
	case c.Before.Exists && !c.After.Exists:
		return ChangeDelete
	default:
		return 0
	}
}

// Reader is the read-only subset of Store used during resolution.
type Reader interface {
	// Get returns the document at path. A missing document is not an error:
	// the snapshot has Exists == false.
	Get(ctx context.Context, path string) (Snapshot, error)

	// GetAll reads several documents, in the order of paths.
	GetAll(ctx context.Context, paths []string) ([]Snapshot, error)
}

// Store is the full document store capability.
type Store interface {
	Reader

	// Query returns the documents directly under collection whose array
	// field contains value. collection may be a template: placeholders
	// match any segment.
	Query(ctx context.Context, collection, field string, value ir.IRValue) ([]Snapshot, error)

	// Set writes data at path. With merge, top-level fields in data replace
	// the stored ones and all other stored fields are kept.
	Set(ctx context.Context, path string, data ir.IRObject, merge bool) error

	// Update replaces the given top-level fields of an existing document.
	// It fails with ErrNotFound when the document does not exist.
	Update(ctx context.Context, path string, fields ir.IRObject) error

	// Delete removes the document at path. Deleting a missing document is
	// a no-op.
	Delete(ctx context.Context, path string) error

	// RunTransaction runs fn atomically. Changes made through tx become
	// visible, and are delivered to watchers, only after fn returns nil.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Watch registers fn for every committed change. The returned function
	// unregisters it.
	Watch(fn func(Change)) (cancel func())

	Close() error
}

// Lister is implemented by stores that can enumerate their documents.
type Lister interface {
	// List returns the documents directly under collection, ordered by
	// path. collection may be a template; "" lists every document.
	List(ctx context.Context, collection string) ([]Snapshot, error)
}

// Tx is the document view inside RunTransaction.
type Tx interface {
	Get(path string) (Snapshot, error)
	Set(path string, data ir.IRObject, merge bool) error
	Update(path string, fields ir.IRObject) error
	Delete(path string) error
}
