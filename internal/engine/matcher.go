package engine

import (
	"github.com/roach88/denorm/internal/pathtmpl"
)

// route is one trigger selected for a change, with the bindings recovered
// from the changed path.
type route struct {
	trigger Trigger
	params  pathtmpl.Params
}

// matchTriggers returns the triggers whose template matches path, in
// registration order.
//
// A join trigger and a propagation trigger may both match the same path:
// a document can be the source of one query and a referenced document of
// another. Each gets its own route.
func matchTriggers(triggers []Trigger, path string) []route {
	var out []route
	for _, t := range triggers {
		if !pathtmpl.Matches(path, t.Template) {
			continue
		}
		out = append(out, route{trigger: t, params: pathtmpl.Match(path, t.Template)})
	}
	return out
}
