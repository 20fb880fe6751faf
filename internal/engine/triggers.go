package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/propagate"
	"github.com/roach88/denorm/internal/writer"
)

// TriggerKind distinguishes the two trigger families.
type TriggerKind string

const (
	KindJoin      TriggerKind = "join"
	KindPropagate TriggerKind = "propagate"
)

// Handler processes one change. params are the bindings of the trigger
// template recovered from the changed path.
type Handler func(ctx context.Context, change docstore.Change, params pathtmpl.Params) error

// Trigger binds a document template to a handler.
type Trigger struct {
	// Name is the deployable function name, e.g. "places-on".
	Name     string
	Kind     TriggerKind
	Template string

	// Queries lists the join queries the trigger serves.
	Queries []string

	Handle Handler
}

type triggerConfig struct {
	batchIDs      BatchIDGenerator
	writer        *writer.Writer
	maxDependents int
	pruneSources  bool
	now           func() time.Time
	logger        *slog.Logger
}

// TriggerOption configures the triggers built by Join, Propagate and
// Resolve.
type TriggerOption func(*triggerConfig)

// WithBatchIDGenerator sets the source of propagationBatchIDs.
// Default: UUIDv7Generator.
func WithBatchIDGenerator(g BatchIDGenerator) TriggerOption {
	return func(c *triggerConfig) { c.batchIDs = g }
}

// WithWriter sets the writer shared by all triggers.
func WithWriter(w *writer.Writer) TriggerOption {
	return func(c *triggerConfig) { c.writer = w }
}

// WithMaxDependents bounds the dependents a single change may patch.
func WithMaxDependents(n int) TriggerOption {
	return func(c *triggerConfig) { c.maxDependents = n }
}

// WithSourcePruning makes delete propagation also clear the deleted id
// from the join source documents.
func WithSourcePruning(on bool) TriggerOption {
	return func(c *triggerConfig) { c.pruneSources = on }
}

// WithTriggerClock sets the fallback clock for join timestamps.
func WithTriggerClock(now func() time.Time) TriggerOption {
	return func(c *triggerConfig) { c.now = now }
}

// WithTriggerLogger sets the logger used by trigger handlers.
func WithTriggerLogger(l *slog.Logger) TriggerOption {
	return func(c *triggerConfig) { c.logger = l }
}

func newTriggerConfig(opts []TriggerOption) *triggerConfig {
	c := &triggerConfig{
		batchIDs:      UUIDv7Generator{},
		writer:        writer.New(),
		maxDependents: propagate.DefaultMaxDependents,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.writer.Logger == nil {
		c.writer.Logger = c.logger
	}
	return c
}

// Join builds one trigger per query, watching the query's From template.
// nil shouldRun and dataHandler fall back to always running and embedding
// the full document plus its id.
func Join(store docstore.Store, queries []join.Query, shouldRun join.ShouldRun, dataHandler join.DataHandler, opts ...TriggerOption) ([]Trigger, error) {
	cfg := newTriggerConfig(opts)

	templates := make([]string, len(queries))
	for i, q := range queries {
		templates[i] = q.From
	}
	names := triggerNames(templates)

	out := make([]Trigger, 0, len(queries))
	for i, q := range queries {
		r, err := join.NewResolver(q, store,
			join.WithShouldRun(shouldRun),
			join.WithDataHandler(dataHandler),
			join.WithBatchIDs(cfg.batchIDs.Generate),
			join.WithWriter(cfg.writer),
			join.WithClock(cfg.now),
			join.WithLogger(cfg.logger),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, Trigger{
			Name:     names[i],
			Kind:     KindJoin,
			Template: q.From,
			Queries:  []string{q.Name},
			Handle:   r.Handle,
		})
	}
	return out, nil
}

// Propagate builds one trigger per foreign collection referenced by any
// query, after deduplicating the propagation targets.
func Propagate(store docstore.Store, queries []join.Query, shouldRun propagate.ShouldRun, dataHandler propagate.DataHandler, opts ...TriggerOption) ([]Trigger, error) {
	cfg := newTriggerConfig(opts)

	targets, err := propagate.BuildTargets(queries)
	if err != nil {
		return nil, err
	}
	templates := propagate.Triggers(targets)
	names := triggerNames(templates)

	out := make([]Trigger, 0, len(templates))
	for i, tmpl := range templates {
		p := propagate.New(tmpl, targets[tmpl], store,
			propagate.WithShouldRun(shouldRun),
			propagate.WithDataHandler(dataHandler),
			propagate.WithBatchIDs(cfg.batchIDs.Generate),
			propagate.WithWriter(cfg.writer),
			propagate.WithMaxDependents(cfg.maxDependents),
			propagate.WithSourcePruning(cfg.pruneSources),
			propagate.WithLogger(cfg.logger),
		)
		out = append(out, Trigger{
			Name:     names[i],
			Kind:     KindPropagate,
			Template: tmpl,
			Queries:  queryNames(targets[tmpl]),
			Handle:   p.Handle,
		})
	}
	return out, nil
}

// Handlers groups the user hooks of Resolve. Zero fields use the defaults.
type Handlers struct {
	JoinShouldRun        join.ShouldRun
	JoinDataHandler      join.DataHandler
	PropagateShouldRun   propagate.ShouldRun
	PropagateDataHandler propagate.DataHandler
}

// Resolve builds the join and the propagation triggers of queries. Names
// are prefixed "j-" and "p-" so the two families never collide.
func Resolve(store docstore.Store, queries []join.Query, h Handlers, opts ...TriggerOption) ([]Trigger, error) {
	joins, err := Join(store, queries, h.JoinShouldRun, h.JoinDataHandler, opts...)
	if err != nil {
		return nil, fmt.Errorf("join triggers: %w", err)
	}
	props, err := Propagate(store, queries, h.PropagateShouldRun, h.PropagateDataHandler, opts...)
	if err != nil {
		return nil, fmt.Errorf("propagate triggers: %w", err)
	}

	out := make([]Trigger, 0, len(joins)+len(props))
	for _, t := range joins {
		t.Name = "j-" + t.Name
		out = append(out, t)
	}
	for _, t := range props {
		t.Name = "p-" + t.Name
		out = append(out, t)
	}
	return out, nil
}

// triggerNames derives a function name per template from its collection
// segments. A collection name that occurs more than once across all
// templates is shortened to its first five characters; every name ends in
// "on". Templates that still collide get a numeric suffix.
func triggerNames(templates []string) []string {
	counts := make(map[string]int)
	for _, tmpl := range templates {
		for _, seg := range pathtmpl.CollectionSegments(tmpl) {
			counts[seg]++
		}
	}

	out := make([]string, len(templates))
	used := make(map[string]int)
	for i, tmpl := range templates {
		segs := pathtmpl.CollectionSegments(tmpl)
		parts := make([]string, 0, len(segs)+1)
		for _, seg := range segs {
			parts = append(parts, compress(seg, counts[seg] > 1))
		}
		parts = append(parts, "on")
		name := strings.Join(parts, "-")

		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		out[i] = name
	}
	return out
}

func compress(name string, duplicated bool) string {
	if !duplicated || len(name) <= 5 {
		return name
	}
	return name[:5]
}

func queryNames(targets []propagate.Target) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range targets {
		if seen[t.Query] {
			continue
		}
		seen[t.Query] = true
		out = append(out, t.Query)
	}
	return out
}
