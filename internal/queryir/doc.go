// Package queryir describes document reads as a small filter tree.
//
// Store backends compile a Select into their native query language. The
// SQLite store compiles through querysql; callers never write SQL by hand.
//
// The tree only covers what the document model can answer from indexed
// columns: equality on the path, collection, and document id columns,
// membership in a top-level array field, and path sets. Conjunction is
// the only combinator.
package queryir
