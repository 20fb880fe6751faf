package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/queryir"
	"github.com/roach88/denorm/internal/querysql"
)

var compiler = querysql.NewSQLCompiler()

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Get returns the document at path.
func (s *Store) Get(ctx context.Context, path string) (docstore.Snapshot, error) {
	if err := docstore.CheckDocumentPath(path); err != nil {
		return docstore.Snapshot{}, err
	}
	snap, err := readDocument(ctx, s.db, pathtmpl.Clean(path))
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("get %s: %w", path, err)
	}
	return snap, nil
}

// GetAll reads the documents at paths with a single query and returns them
// in the order of paths.
func (s *Store) GetAll(ctx context.Context, paths []string) ([]docstore.Snapshot, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	clean := make([]string, len(paths))
	for i, p := range paths {
		if err := docstore.CheckDocumentPath(p); err != nil {
			return nil, err
		}
		clean[i] = pathtmpl.Clean(p)
	}

	found, err := s.selectDocuments(ctx, queryir.Select{Filter: &queryir.PathIn{Paths: clean}})
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}

	byPath := make(map[string]docstore.Snapshot, len(found))
	for _, snap := range found {
		byPath[snap.Path] = snap
	}
	out := make([]docstore.Snapshot, len(clean))
	for i, path := range clean {
		if snap, ok := byPath[path]; ok {
			out[i] = snap
		} else {
			out[i] = docstore.Missing(path)
		}
	}
	return out, nil
}

// Query returns documents under collection whose array field contains value,
// ordered by path. A templated collection matches any concrete instance.
func (s *Store) Query(ctx context.Context, collection, field string, value ir.IRValue) ([]docstore.Snapshot, error) {
	if _, ok := docstore.MemberKey(value); !ok {
		return nil, fmt.Errorf("query %s.%s: unsupported membership value %T", collection, field, value)
	}

	collection = pathtmpl.Clean(collection)
	snaps, err := s.selectDocuments(ctx, queryir.Select{
		Filter: queryir.Where(
			&queryir.Contains{Field: field, Value: value},
			collectionFilter(collection),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", collection, field, err)
	}
	return matchTemplate(snaps, collection), nil
}

// List returns the documents under collection ordered by path. A
// templated collection is filtered after the scan.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	collection = pathtmpl.Clean(collection)
	snaps, err := s.selectDocuments(ctx, queryir.Select{Filter: collectionFilter(collection)})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return matchTemplate(snaps, collection), nil
}

// selectDocuments compiles q and scans the rows it returns.
func (s *Store) selectDocuments(ctx context.Context, q queryir.Select) ([]docstore.Snapshot, error) {
	query, args, err := compiler.Compile(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return scanDocuments(rows)
}

// collectionFilter pushes a concrete collection down to SQL. Templated
// and empty collections scan everything and are narrowed by matchTemplate.
func collectionFilter(collection string) queryir.Predicate {
	if collection == "" || !pathtmpl.IsConcrete(collection) {
		return nil
	}
	return &queryir.Equals{Column: queryir.ColumnCollection, Value: ir.IRString(collection)}
}

func matchTemplate(snaps []docstore.Snapshot, collection string) []docstore.Snapshot {
	if collection == "" || pathtmpl.IsConcrete(collection) {
		return snaps
	}
	out := snaps[:0]
	for _, snap := range snaps {
		if pathtmpl.Matches(pathtmpl.Parent(snap.Path), collection) {
			out = append(out, snap)
		}
	}
	return out
}

func readDocument(ctx context.Context, q queryer, path string) (docstore.Snapshot, error) {
	var (
		body             []byte
		created, updated int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT body, create_time, update_time FROM documents WHERE path = ?
	`, path).Scan(&body, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Missing(path), nil
	}
	if err != nil {
		return docstore.Snapshot{}, mapError(err)
	}
	data, err := unmarshalBody(body)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return docstore.Snapshot{
		Path:       path,
		Data:       data,
		Exists:     true,
		CreateTime: time.Unix(0, created).UTC(),
		UpdateTime: time.Unix(0, updated).UTC(),
	}, nil
}

func scanDocuments(rows *sql.Rows) ([]docstore.Snapshot, error) {
	defer rows.Close()

	var out []docstore.Snapshot
	for rows.Next() {
		var (
			path             string
			body             []byte
			created, updated int64
		)
		if err := rows.Scan(&path, &body, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		data, err := unmarshalBody(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, docstore.Snapshot{
			Path:       path,
			Data:       data,
			Exists:     true,
			CreateTime: time.Unix(0, created).UTC(),
			UpdateTime: time.Unix(0, updated).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}
