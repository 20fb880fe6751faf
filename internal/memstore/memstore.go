// Package memstore is an in-memory docstore.Store.
//
// Documents live in a map keyed by path. Membership queries over array
// fields are served by an inverted index: each (field, element) pair owns a
// roaring bitmap of internal document ids. Transactions are serialized by a
// store-wide lock, which trivially gives per-document atomicity.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
)

type document struct {
	data    ir.IRObject
	created time.Time
	updated time.Time
	members map[string][]string // field -> member keys, for unindexing
}

// Store is an in-memory document store. The zero value is not usable; call New.
type Store struct {
	// txMu serializes transactions and change delivery.
	txMu sync.Mutex

	mu   sync.RWMutex
	docs map[string]*document

	// Inverted index: field + "\x00" + member key -> bitmap of doc int ids.
	members   map[string]*roaring.Bitmap
	docIntID  map[string]uint32
	intToDoc  []string
	nextIntID uint32

	now func() time.Time

	watchMu   sync.Mutex
	watchers  map[int]func(docstore.Change)
	nextWatch int
}

var (
	_ docstore.Store  = (*Store)(nil)
	_ docstore.Lister = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for create/update times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:     make(map[string]*document),
		members:  make(map[string]*roaring.Bitmap),
		docIntID: make(map[string]uint32),
		now:      time.Now,
		watchers: make(map[int]func(docstore.Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the document at path.
func (s *Store) Get(ctx context.Context, path string) (docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, err
	}
	if err := docstore.CheckDocumentPath(path); err != nil {
		return docstore.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(pathtmpl.Clean(path)), nil
}

// GetAll returns the documents at paths in order.
func (s *Store) GetAll(ctx context.Context, paths []string) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := docstore.CheckDocumentPath(p); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]docstore.Snapshot, len(paths))
	for i, p := range paths {
		out[i] = s.snapshotLocked(pathtmpl.Clean(p))
	}
	return out, nil
}

// Query returns documents under collection whose array field contains value,
// ordered by path.
func (s *Store) Query(ctx context.Context, collection, field string, value ir.IRValue) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := docstore.MemberKey(value)
	if !ok {
		return nil, fmt.Errorf("query %s.%s: unsupported membership value %T", collection, field, value)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bm, exists := s.members[indexKey(field, key)]
	if !exists {
		return nil, nil
	}
	var paths []string
	it := bm.Iterator()
	for it.HasNext() {
		path := s.intToDoc[it.Next()]
		if path != "" && pathtmpl.Matches(pathtmpl.Parent(path), collection) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	out := make([]docstore.Snapshot, len(paths))
	for i, p := range paths {
		out[i] = s.snapshotLocked(p)
	}
	return out, nil
}

// Set writes data at path.
func (s *Store) Set(ctx context.Context, path string, data ir.IRObject, merge bool) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Set(path, data, merge)
	})
}

// Update replaces fields on an existing document.
func (s *Store) Update(ctx context.Context, path string, fields ir.IRObject) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Update(path, fields)
	})
}

// Delete removes the document at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Delete(path)
	})
}

// RunTransaction runs fn with exclusive access to the store and commits the
// buffered writes when fn returns nil. Watchers are notified before the
// transaction lock is released, so change order matches commit order.
// Watchers must not write to the store synchronously.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{s: s, pending: make(map[string]*pendingWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	changes := s.commit(tx)
	s.notify(changes)
	return nil
}

// Watch registers fn for committed changes.
func (s *Store) Watch(fn func(docstore.Change)) func() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

// Close releases nothing; it exists to satisfy docstore.Store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Paths returns all document paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for p := range s.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// List returns the documents under collection ordered by path.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	collection = pathtmpl.Clean(collection)
	var out []docstore.Snapshot
	for _, path := range s.Paths() {
		if collection != "" && !pathtmpl.Matches(pathtmpl.Parent(path), collection) {
			continue
		}
		s.mu.RLock()
		snap := s.snapshotLocked(path)
		s.mu.RUnlock()
		if snap.Exists {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *Store) notify(changes []docstore.Change) {
	if len(changes) == 0 {
		return
	}
	s.watchMu.Lock()
	fns := make([]func(docstore.Change), 0, len(s.watchers))
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	s.watchMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// snapshotLocked must be called with s.mu held.
func (s *Store) snapshotLocked(path string) docstore.Snapshot {
	doc, ok := s.docs[path]
	if !ok {
		return docstore.Missing(path)
	}
	return docstore.Snapshot{
		Path:       path,
		Data:       ir.Clone(doc.data).(ir.IRObject),
		Exists:     true,
		CreateTime: doc.created,
		UpdateTime: doc.updated,
	}
}

// commit applies buffered writes in the order they were first made.
func (s *Store) commit(tx *memTx) []docstore.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var changes []docstore.Change
	for _, path := range tx.order {
		w := tx.pending[path]
		before := s.snapshotLocked(path)

		if w.deleted {
			if !before.Exists {
				continue
			}
			s.unindexLocked(path)
			delete(s.docs, path)
		} else {
			if before.Exists && docstore.EqualData(before.Data, w.data) {
				continue
			}
			created := now
			if before.Exists {
				created = before.CreateTime
				s.unindexLocked(path)
			}
			doc := &document{data: w.data, created: created, updated: now}
			s.docs[path] = doc
			s.indexLocked(path, doc)
		}

		changes = append(changes, docstore.Change{
			Path:   path,
			Before: before,
			After:  s.snapshotLocked(path),
		})
	}
	return changes
}

func (s *Store) indexLocked(path string, doc *document) {
	doc.members = docstore.MemberKeys(doc.data)
	if len(doc.members) == 0 {
		return
	}
	intID, ok := s.docIntID[path]
	if !ok {
		intID = s.nextIntID
		s.nextIntID++
		s.docIntID[path] = intID
		for uint32(len(s.intToDoc)) <= intID {
			s.intToDoc = append(s.intToDoc, "")
		}
		s.intToDoc[intID] = path
	}
	for field, keys := range doc.members {
		for _, key := range keys {
			bm, exists := s.members[indexKey(field, key)]
			if !exists {
				bm = roaring.New()
				s.members[indexKey(field, key)] = bm
			}
			bm.Add(intID)
		}
	}
}

func (s *Store) unindexLocked(path string) {
	doc, ok := s.docs[path]
	if !ok {
		return
	}
	intID, ok := s.docIntID[path]
	if !ok {
		return
	}
	for field, keys := range doc.members {
		for _, key := range keys {
			k := indexKey(field, key)
			if bm, exists := s.members[k]; exists {
				bm.Remove(intID)
				if bm.IsEmpty() {
					delete(s.members, k)
				}
			}
		}
	}
}

func indexKey(field, member string) string {
	return field + "\x00" + member
}

type pendingWrite struct {
	data    ir.IRObject
	deleted bool
}

// memTx buffers writes over the committed state.
type memTx struct {
	s       *Store
	pending map[string]*pendingWrite
	order   []string
}

func (tx *memTx) Get(path string) (docstore.Snapshot, error) {
	if err := docstore.CheckDocumentPath(path); err != nil {
		return docstore.Snapshot{}, err
	}
	path = pathtmpl.Clean(path)
	if w, ok := tx.pending[path]; ok {
		if w.deleted {
			return docstore.Missing(path), nil
		}
		return docstore.Snapshot{Path: path, Data: ir.Clone(w.data).(ir.IRObject), Exists: true}, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.snapshotLocked(path), nil
}

func (tx *memTx) Set(path string, data ir.IRObject, merge bool) error {
	current, err := tx.Get(path)
	if err != nil {
		return err
	}
	next := docstore.ToNative(data)
	if merge && current.Exists {
		next = docstore.Merge(current.Data, next)
	}
	tx.put(pathtmpl.Clean(path), &pendingWrite{data: next})
	return nil
}

func (tx *memTx) Update(path string, fields ir.IRObject) error {
	current, err := tx.Get(path)
	if err != nil {
		return err
	}
	if !current.Exists {
		return fmt.Errorf("update %s: %w", current.Path, docstore.ErrNotFound)
	}
	tx.put(current.Path, &pendingWrite{data: docstore.Merge(current.Data, docstore.ToNative(fields))})
	return nil
}

func (tx *memTx) Delete(path string) error {
	if err := docstore.CheckDocumentPath(path); err != nil {
		return err
	}
	tx.put(pathtmpl.Clean(path), &pendingWrite{deleted: true})
	return nil
}

func (tx *memTx) put(path string, w *pendingWrite) {
	if _, ok := tx.pending[path]; !ok {
		tx.order = append(tx.order, path)
	}
	tx.pending[path] = w
}
