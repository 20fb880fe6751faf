// Package propagate patches materialized documents when a document they
// embedded changes or disappears.
package propagate

import (
	"fmt"
	"slices"

	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/projection"
)

// DocumentIDParam is the placeholder bound to the changed document's id in
// every trigger template.
const DocumentIDParam = join.ReservedParam

// Target is one place a foreign collection is embedded: the Field of
// documents at To, filled from the ids in DocumentIDField of documents at
// From.
type Target struct {
	Query           string
	From            string
	To              string
	Field           string
	DocumentIDField string
	Collection      string
	Group           *join.Group
	Projector       projection.Func
}

type targetKey struct {
	field, from, to, documentIDField, collection string
}

func (t Target) key() targetKey {
	return targetKey{t.Field, t.From, t.To, t.DocumentIDField, t.Collection}
}

// TriggerTemplate returns the document template watched for a foreign
// collection.
func TriggerTemplate(collection string) string {
	return pathtmpl.Join(collection, "{"+DocumentIDParam+"}")
}

// BuildTargets derives the propagation targets of queries, grouped by
// trigger template. Targets are deduplicated by field, from, to, document
// id field and collection; the first occurrence wins.
func BuildTargets(queries []join.Query) (map[string][]Target, error) {
	out := make(map[string][]Target)
	seen := make(map[targetKey]bool)

	for _, q := range queries {
		for i, ref := range q.References {
			proj, err := projection.Compile(ref.Fields)
			if err != nil {
				return nil, fmt.Errorf("query %q: references[%d]: %w", q.Name, i, err)
			}
			t := Target{
				Query:           q.Name,
				From:            q.From,
				To:              q.To,
				Field:           ref.TargetField,
				DocumentIDField: ref.SourceField,
				Collection:      ref.Collection,
				Group:           q.Group,
				Projector:       proj,
			}
			if seen[t.key()] {
				continue
			}
			seen[t.key()] = true
			trigger := TriggerTemplate(ref.Collection)
			out[trigger] = append(out[trigger], t)
		}
	}
	return out, nil
}

// Triggers returns the trigger templates of targets in sorted order.
func Triggers(targets map[string][]Target) []string {
	out := make([]string, 0, len(targets))
	for k := range targets {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// dependentCollections returns the collections holding dependents of t for
// a change bound to params. Placeholders not bound by the change stay in
// the result and are matched by the store as templates.
func (t Target) dependentCollections(params pathtmpl.Params) []string {
	parent := pathtmpl.Parent(t.To)
	if t.Group == nil {
		return []string{pathtmpl.Resolve(parent, params)}
	}

	if bound, ok := params[t.Group.Parameter]; ok {
		if !slices.Contains(t.Group.Values, bound) {
			return nil
		}
		return []string{pathtmpl.Resolve(parent, params)}
	}

	out := make([]string, 0, len(t.Group.Values))
	seen := make(map[string]bool, len(t.Group.Values))
	for _, v := range t.Group.Values {
		c := pathtmpl.Resolve(parent, params.With(t.Group.Parameter, v))
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
