package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/memstore"
)

var companies = join.Query{
	Name: "companies",
	From: "companyDrafts/{companyID}",
	To:   "companies/{companyID}",
	References: []join.Reference{
		{SourceField: "placeID", TargetField: "place", Collection: "places"},
		{SourceField: "branchIDs", TargetField: "branches", Collection: "places"},
	},
}

func TestTriggerNames(t *testing.T) {
	tests := []struct {
		name      string
		templates []string
		want      []string
	}{
		{
			name:      "unique names kept",
			templates: []string{"places/{id}", "shops/{id}/menus/{menuID}"},
			want:      []string{"places-on", "shops-menus-on"},
		},
		{
			name:      "duplicated names compressed",
			templates: []string{"places/{id}", "shops/{s}/places/{p}", "restaurants/{r}", "restaurants/{r}/menus/{m}"},
			want:      []string{"place-on", "shops-place-on", "resta-on", "resta-menus-on"},
		},
		{
			name:      "short names unchanged",
			templates: []string{"a/{x}", "a/{x}/items/{y}"},
			want:      []string{"a-on", "a-items-on"},
		},
		{
			name:      "colliding templates numbered",
			templates: []string{"places/{a}", "places/{b}"},
			want:      []string{"place-on", "place-on-2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, triggerNames(tt.templates))
		})
	}
}

func TestResolveBuildsBothFamilies(t *testing.T) {
	store := memstore.New()

	triggers, err := Resolve(store, []join.Query{companies}, Handlers{})
	require.NoError(t, err)
	require.Len(t, triggers, 2)

	assert.Equal(t, "j-companyDrafts-on", triggers[0].Name)
	assert.Equal(t, KindJoin, triggers[0].Kind)
	assert.Equal(t, "companyDrafts/{companyID}", triggers[0].Template)
	assert.Equal(t, []string{"companies"}, triggers[0].Queries)

	assert.Equal(t, "p-places-on", triggers[1].Name)
	assert.Equal(t, KindPropagate, triggers[1].Kind)
	assert.Equal(t, "places/{documentID}", triggers[1].Template)
	assert.Equal(t, []string{"companies"}, triggers[1].Queries)
}

func TestJoinRejectsInvalidQuery(t *testing.T) {
	bad := companies
	bad.From = ""

	_, err := Join(memstore.New(), []join.Query{bad}, nil, nil)
	assert.Error(t, err)

	_, err = Resolve(memstore.New(), []join.Query{bad}, Handlers{})
	assert.ErrorContains(t, err, "join triggers")
}

func TestPropagateRejectsBadProjection(t *testing.T) {
	bad := companies
	bad.References = []join.Reference{{SourceField: "placeID", TargetField: "place", Collection: "places", Fields: []string{"$.tags[0]"}}}

	_, err := Propagate(memstore.New(), []join.Query{bad}, nil, nil)
	assert.Error(t, err)
}
