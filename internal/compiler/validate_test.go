package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/denorm/internal/join"
)

var validQuery = join.Query{
	Name: "localizedShops",
	From: "shops/{shopID}",
	To:   "localizedShops/{locale}/shops/{shopID}",
	References: []join.Reference{
		{SourceField: "ownerID", TargetField: "owner", Collection: "owners/{locale}/people", Fields: []string{"$.name"}},
	},
	Group: &join.Group{Parameter: "locale", Values: []string{"ja", "en"}},
}

func codes(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidateValidQuery(t *testing.T) {
	assert.Empty(t, Validate(validQuery))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(q *join.Query)
		want   string
	}{
		{"empty name", func(q *join.Query) { q.Name = " " }, ErrQueryNameEmpty},
		{"from is a collection", func(q *join.Query) { q.From = "shops" }, ErrFromNotDocument},
		{"to is a collection", func(q *join.Query) { q.To = "localizedShops" }, ErrToNotDocument},
		{"unbound to placeholder", func(q *join.Query) { q.To = "x/{missing}" }, ErrUnboundPlaceholder},
		{"incomplete reference", func(q *join.Query) { q.References[0].SourceField = "" }, ErrReferenceIncomplete},
		{"reserved target", func(q *join.Query) { q.References[0].TargetField = "dependencies" }, ErrReservedTargetField},
		{"target overwrites source", func(q *join.Query) { q.References[0].TargetField = "ownerID" }, ErrTargetOverwritesSource},
		{"document as collection", func(q *join.Query) { q.References[0].Collection = "owners/ja" }, ErrNotCollection},
		{"unbound collection placeholder", func(q *join.Query) { q.References[0].Collection = "owners/{region}/people" }, ErrUnboundPlaceholder},
		{"bad projection", func(q *join.Query) { q.References[0].Fields = []string{"$.name["} }, ErrInvalidProjection},
		{"empty group parameter", func(q *join.Query) { q.Group.Parameter = "" }, ErrGroupParameterEmpty},
		{"empty group values", func(q *join.Query) { q.Group.Values = nil }, ErrGroupValuesEmpty},
		{"duplicate group value", func(q *join.Query) { q.Group.Values = []string{"ja", "ja"} }, ErrGroupValuesEmpty},
		{"group shadows from", func(q *join.Query) { q.Group.Parameter = "shopID" }, ErrGroupShadowsFrom},
		{"reserved placeholder in from", func(q *join.Query) {
			q.From = "shops/{documentID}"
			q.To = "localizedShops/{locale}/shops/{documentID}"
		}, ErrReservedParam},
		{"reserved group parameter", func(q *join.Query) { q.Group.Parameter = "documentID" }, ErrReservedParam},
		{"reserved collection placeholder", func(q *join.Query) { q.References[0].Collection = "owners/{documentID}/people" }, ErrReservedParam},
		{"duplicate target", func(q *join.Query) {
			q.References = append(q.References, join.Reference{SourceField: "coOwnerID", TargetField: "owner", Collection: "owners/{locale}/people"})
		}, ErrDuplicateTargetField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuery
			q.References = append([]join.Reference(nil), validQuery.References...)
			g := *validQuery.Group
			q.Group = &g
			tt.mutate(&q)

			assert.Contains(t, codes(Validate(q)), tt.want)
		})
	}
}

func TestValidateAllDuplicateNames(t *testing.T) {
	errs := ValidateAll([]join.Query{validQuery, validQuery})
	assert.Equal(t, []string{ErrDuplicateQuery}, codes(errs))
	assert.Equal(t, `[E205] localizedShops.name: duplicate query name: "localizedShops"`, errs[0].Error())
}
