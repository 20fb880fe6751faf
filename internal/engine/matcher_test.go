package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/pathtmpl"
)

func TestMatchTriggers(t *testing.T) {
	triggers := []Trigger{
		{Name: "j-places-on", Template: "places/{placeID}"},
		{Name: "p-places-on", Template: "places/{documentID}"},
		{Name: "p-owners-on", Template: "owners/{locale}/people/{documentID}"},
	}

	routes := matchTriggers(triggers, "places/p1")
	require.Len(t, routes, 2)
	assert.Equal(t, "j-places-on", routes[0].trigger.Name)
	assert.Equal(t, pathtmpl.Params{"placeID": "p1"}, routes[0].params)
	assert.Equal(t, "p-places-on", routes[1].trigger.Name)
	assert.Equal(t, pathtmpl.Params{"documentID": "p1"}, routes[1].params)

	routes = matchTriggers(triggers, "/owners/ja/people/o1/")
	require.Len(t, routes, 1)
	assert.Equal(t, pathtmpl.Params{"locale": "ja", "documentID": "o1"}, routes[0].params)

	assert.Empty(t, matchTriggers(triggers, "places/p1/locales/ja"))
	assert.Empty(t, matchTriggers(triggers, "companies/c1"))
}
