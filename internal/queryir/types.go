package queryir

import "github.com/roach88/denorm/internal/ir"

// Query is a read over the document table.
//
// Sealed: only types in this package implement it, so compilers can
// switch exhaustively.
type Query interface {
	queryNode()
}

// Predicate is a filter condition inside a Select.
type Predicate interface {
	predicateNode()
}

// Document columns a predicate may reference.
const (
	ColumnPath       = "path"
	ColumnCollection = "collection"
	ColumnDocID      = "doc_id"
)

// Select reads documents matching Filter, ordered by path.
//
//	Select{Filter: &And{Predicates: []Predicate{
//	  &Equals{Column: ColumnCollection, Value: ir.IRString("places")},
//	  &Contains{Field: "tagIDs", Value: ir.IRString("t1")},
//	}}}
//
// A nil Filter reads every document. Limit of zero means no limit.
type Select struct {
	Filter Predicate
	Limit  int
}

func (Select) queryNode() {}

// Equals matches a document column against a literal.
type Equals struct {
	Column string
	Value  ir.IRValue
}

func (Equals) predicateNode() {}

// Contains matches documents whose top-level array Field holds Value.
// Value must be a scalar that the membership index can key.
type Contains struct {
	Field string
	Value ir.IRValue
}

func (Contains) predicateNode() {}

// PathIn matches documents whose path is one of Paths.
type PathIn struct {
	Paths []string
}

func (PathIn) predicateNode() {}

// And matches when every predicate matches. Empty is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where joins preds into a single predicate, dropping nils. It returns
// nil when nothing is left and the lone predicate when only one is.
func Where(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &And{Predicates: kept}
	}
}
