package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
)

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

// RunTransaction runs fn inside a SQLite transaction. Writes that leave a
// document unchanged are skipped and produce no change event. Watchers are
// notified after commit, in commit order.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	tx := &storeTx{ctx: ctx, tx: sqlTx, now: s.now(), before: make(map[string]docstore.Snapshot)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	changes := make([]docstore.Change, 0, len(tx.order))
	for _, path := range tx.order {
		after, err := readDocument(ctx, sqlTx, path)
		if err != nil {
			return fmt.Errorf("read back %s: %w", path, err)
		}
		before := tx.before[path]
		if before.Exists == after.Exists && (!after.Exists || docstore.EqualData(before.Data, after.Data)) {
			continue
		}
		changes = append(changes, docstore.Change{Path: path, Before: before, After: after})
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}

	s.notify(changes)
	return nil
}

// storeTx implements docstore.Tx over a *sql.Tx.
type storeTx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time

	// before holds the pre-transaction snapshot of every touched path.
	before map[string]docstore.Snapshot
	order  []string
}

func (t *storeTx) Get(path string) (docstore.Snapshot, error) {
	if err := docstore.CheckDocumentPath(path); err != nil {
		return docstore.Snapshot{}, err
	}
	snap, err := readDocument(t.ctx, t.tx, pathtmpl.Clean(path))
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("get %s: %w", path, err)
	}
	return snap, nil
}

func (t *storeTx) Set(path string, data ir.IRObject, merge bool) error {
	current, err := t.Get(path)
	if err != nil {
		return err
	}
	next := docstore.ToNative(data)
	if merge && current.Exists {
		next = docstore.Merge(current.Data, next)
	}
	return t.write(current, next)
}

func (t *storeTx) Update(path string, fields ir.IRObject) error {
	current, err := t.Get(path)
	if err != nil {
		return err
	}
	if !current.Exists {
		return fmt.Errorf("update %s: %w", current.Path, docstore.ErrNotFound)
	}
	return t.write(current, docstore.Merge(current.Data, docstore.ToNative(fields)))
}

func (t *storeTx) Delete(path string) error {
	current, err := t.Get(path)
	if err != nil {
		return err
	}
	if !current.Exists {
		return nil
	}
	t.touch(current)
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM documents WHERE path = ?`, current.Path); err != nil {
		return fmt.Errorf("delete %s: %w", current.Path, mapError(err))
	}
	return nil
}

// write stores data at current.Path unless it equals what is stored.
func (t *storeTx) write(current docstore.Snapshot, data ir.IRObject) error {
	if current.Exists && docstore.EqualData(current.Data, data) {
		return nil
	}
	body, err := marshalBody(data)
	if err != nil {
		return fmt.Errorf("write %s: %w", current.Path, err)
	}
	t.touch(current)

	now := t.now.UnixNano()
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (path, collection, doc_id, body, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, update_time = excluded.update_time
	`,
		current.Path,
		pathtmpl.Parent(current.Path),
		pathtmpl.ID(current.Path),
		body,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", current.Path, mapError(err))
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM array_members WHERE path = ?`, current.Path); err != nil {
		return fmt.Errorf("unindex %s: %w", current.Path, mapError(err))
	}
	for field, members := range docstore.MemberKeys(data) {
		for _, member := range members {
			_, err := t.tx.ExecContext(t.ctx, `
				INSERT INTO array_members (path, field, member) VALUES (?, ?, ?)
			`, current.Path, field, member)
			if err != nil {
				return fmt.Errorf("index %s.%s: %w", current.Path, field, mapError(err))
			}
		}
	}
	return nil
}

// touch records the first-seen state of a path for change delivery.
func (t *storeTx) touch(current docstore.Snapshot) {
	if _, ok := t.before[current.Path]; ok {
		return
	}
	t.before[current.Path] = current
	t.order = append(t.order, current.Path)
}
