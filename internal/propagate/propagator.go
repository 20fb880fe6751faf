package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/projection"
	"github.com/roach88/denorm/internal/writer"
)

// DefaultMaxDependents bounds how many documents one change may patch.
const DefaultMaxDependents = 10000

// ErrQuotaExceeded is returned when a change has more dependents than the
// propagator may patch. The first MaxDependents are still patched.
var ErrQuotaExceeded = errors.New("dependent quota exceeded")

// ShouldRun gates an update before any query or write.
type ShouldRun func(before, after docstore.Snapshot) bool

// DataHandler builds the record embedded for the changed document.
type DataHandler func(t Target, source docstore.Snapshot) ir.IRObject

// AlwaysRun is the default ShouldRun.
func AlwaysRun(_, _ docstore.Snapshot) bool { return true }

// Propagator patches the dependents of one trigger template.
type Propagator struct {
	trigger       string
	targets       []Target
	store         docstore.Store
	shouldRun     ShouldRun
	handler       DataHandler
	batchID       func() string
	writer        *writer.Writer
	maxDependents int
	pruneSources  bool
	logger        *slog.Logger
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithShouldRun sets the update gate. nil keeps AlwaysRun.
func WithShouldRun(fn ShouldRun) Option {
	return func(p *Propagator) {
		if fn != nil {
			p.shouldRun = fn
		}
	}
}

// WithDataHandler overrides the embedded record shape for every target,
// taking precedence over each target's projector.
func WithDataHandler(fn DataHandler) Option {
	return func(p *Propagator) { p.handler = fn }
}

// WithBatchIDs sets the source of fresh propagationBatchIDs.
func WithBatchIDs(next func() string) Option {
	return func(p *Propagator) { p.batchID = next }
}

// WithWriter sets the writer used to apply dependent patches.
func WithWriter(w *writer.Writer) Option {
	return func(p *Propagator) { p.writer = w }
}

// WithMaxDependents bounds the dependents patched per change.
func WithMaxDependents(n int) Option {
	return func(p *Propagator) { p.maxDependents = n }
}

// WithSourcePruning also removes a deleted document's id from the join
// source documents that referenced it.
func WithSourcePruning(on bool) Option {
	return func(p *Propagator) { p.pruneSources = on }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Propagator) { p.logger = l }
}

// New returns a propagator for changes matching trigger.
func New(trigger string, targets []Target, store docstore.Store, opts ...Option) *Propagator {
	p := &Propagator{
		trigger:       trigger,
		targets:       slices.Clone(targets),
		store:         store,
		shouldRun:     AlwaysRun,
		batchID:       func() string { return uuid.Must(uuid.NewV7()).String() },
		writer:        writer.New(),
		maxDependents: DefaultMaxDependents,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trigger returns the watched document template.
func (p *Propagator) Trigger() string {
	return p.trigger
}

// Targets returns a copy of the propagator's targets.
func (p *Propagator) Targets() []Target {
	return slices.Clone(p.targets)
}

// Handle processes one change to a watched document. params are the
// bindings recovered from the path; nil means match against the trigger.
func (p *Propagator) Handle(ctx context.Context, change docstore.Change, params pathtmpl.Params) error {
	if !pathtmpl.Matches(change.Path, p.trigger) {
		return nil
	}
	if params == nil {
		params = pathtmpl.Match(change.Path, p.trigger)
	}

	switch change.Kind() {
	case docstore.ChangeCreate, docstore.ChangeUpdate:
		return p.handleUpdate(ctx, change, params)
	case docstore.ChangeDelete:
		return p.handleDelete(ctx, change, params)
	default:
		return nil
	}
}

// wave is the set of dependents one change touches, per target.
type wave struct {
	sourcePath string
	sourceID   string
	batchID    string
	dependents []dependent
	truncated  int
}

type dependent struct {
	target Target
	path   string
}

func (p *Propagator) collect(ctx context.Context, change docstore.Change, params pathtmpl.Params, batchID string) (*wave, error) {
	w := &wave{
		sourcePath: change.Path,
		sourceID:   pathtmpl.ID(change.Path),
		batchID:    batchID,
	}

	var errs []error
	type seenKey struct {
		target targetKey
		path   string
	}
	seen := make(map[seenKey]bool)
	for _, t := range p.targets {
		for _, coll := range t.dependentCollections(params) {
			snaps, err := p.store.Query(ctx, coll, normalize.KeyDependencies, ir.IRString(change.Path))
			if err != nil {
				p.logger.Error("dependents query failed",
					"source_path", change.Path,
					"collection", coll,
					"field", t.Field,
					"error", err)
				errs = append(errs, fmt.Errorf("query %s: %w", coll, err))
				continue
			}
			for _, s := range snaps {
				if !pathtmpl.Matches(s.Path, t.To) {
					continue
				}
				k := seenKey{target: t.key(), path: s.Path}
				if seen[k] {
					continue
				}
				seen[k] = true
				if len(w.dependents) >= p.maxDependents {
					w.truncated++
					continue
				}
				w.dependents = append(w.dependents, dependent{target: t, path: s.Path})
			}
		}
	}

	if w.truncated > 0 {
		p.logger.Warn("dependent quota exceeded",
			"source_path", change.Path,
			"batch_id", batchID,
			"max_dependents", p.maxDependents,
			"dropped", w.truncated)
		errs = append(errs, fmt.Errorf("%w: %s has more than %d dependents", ErrQuotaExceeded, change.Path, p.maxDependents))
	}
	return w, errors.Join(errs...)
}

func (p *Propagator) handleUpdate(ctx context.Context, change docstore.Change, params pathtmpl.Params) error {
	if !p.shouldRun(change.Before, change.After) {
		return nil
	}
	if change.Before.Exists && !normalize.IsChanged(change.Before.Data, change.After.Data) {
		p.logger.Debug("no effective change", "source_path", change.Path)
		return nil
	}

	batchID := inheritedBatchID(change)
	if batchID == "" {
		batchID = p.batchID()
	}

	w, collectErr := p.collect(ctx, change, params, batchID)
	ops := make([]writer.Op, 0, len(w.dependents))
	for _, d := range w.dependents {
		d := d
		record := p.record(d.target, change.After)
		ops = append(ops, writer.Op{
			Path: d.path,
			Run: func(ctx context.Context) error {
				return p.patch(ctx, d, w, record)
			},
		})
	}
	return p.finish(ctx, "update", w, ops, collectErr)
}

func (p *Propagator) handleDelete(ctx context.Context, change docstore.Change, params pathtmpl.Params) error {
	if !p.shouldRun(change.Before, change.After) {
		return nil
	}
	w, collectErr := p.collect(ctx, change, params, p.batchID())
	ops := make([]writer.Op, 0, len(w.dependents))
	for _, d := range w.dependents {
		d := d
		ops = append(ops, writer.Op{
			Path: d.path,
			Run: func(ctx context.Context) error {
				return p.unlink(ctx, d, w)
			},
		})
	}
	return p.finish(ctx, "delete", w, ops, collectErr)
}

func (p *Propagator) finish(ctx context.Context, kind string, w *wave, ops []writer.Op, collectErr error) error {
	sum := p.writer.Apply(ctx, ops)
	p.logger.Debug("propagation handled",
		"trigger", p.trigger,
		"source_path", w.sourcePath,
		"change", kind,
		"batch_id", w.batchID,
		"dependents", len(ops),
		"applied", sum.Applied,
		"skipped", sum.Skipped,
		"failed", sum.Failed)
	return errors.Join(collectErr, sum.Err())
}

// inheritedBatchID returns the batch id a change was written under, empty
// when the write did not set a new one.
func inheritedBatchID(change docstore.Change) string {
	after := change.After.Data.String(normalize.KeyBatchID)
	if after == change.Before.Data.String(normalize.KeyBatchID) {
		return ""
	}
	return after
}

// record builds the normalized embedded form of source for t. The record
// always carries the source id.
func (p *Propagator) record(t Target, source docstore.Snapshot) ir.IRObject {
	var rec ir.IRObject
	switch {
	case p.handler != nil:
		rec = p.handler(t, source)
	case t.Projector != nil:
		rec = t.Projector(source)
	default:
		rec = projection.Full(source)
	}
	rec = normalize.Normalize(rec)
	if _, ok := rec[normalize.KeyID]; !ok {
		rec[normalize.KeyID] = ir.IRString(source.ID())
	}
	return rec
}

// patch replaces the embedded copy of the source on one dependent.
//
// The dependent's own copy of the reference field (joins carry the source
// document's fields) decides whether this target embeds the source at all.
func (p *Propagator) patch(ctx context.Context, d dependent, w *wave, record ir.IRObject) error {
	return p.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(d.path)
		if err != nil {
			return err
		}
		if !snap.Exists || !dependsOn(snap.Data, w.sourcePath) {
			return writer.ErrSkipped
		}
		ids, referenced := referencedIDs(snap.Data[d.target.DocumentIDField], w.sourceID)
		if !referenced {
			return writer.ErrSkipped
		}

		var next ir.IRValue
		switch cur := snap.Data[d.target.Field].(type) {
		case ir.IRArray:
			idx := indexByID(cur, w.sourceID)
			if idx >= 0 && !normalize.IsChanged(cur[idx], record) {
				return writer.ErrSkipped
			}
			next = upsertByID(cur, idx, w.sourceID, record, ids)
		default:
			if ids != nil {
				// A list reference whose field is not a list was not
				// written by a join; leave it alone.
				return writer.ErrSkipped
			}
			if !normalize.IsChanged(cur, record) {
				return writer.ErrSkipped
			}
			next = record
		}

		p.logger.Debug("propagation patch",
			"source_path", w.sourcePath,
			"target_path", d.path,
			"field", d.target.Field,
			"batch_id", w.batchID)
		return tx.Update(d.path, ir.IRObject{
			d.target.Field:       next,
			normalize.KeyBatchID: ir.IRString(w.batchID),
		})
	})
}

// unlink removes the deleted source from one dependent and, with source
// pruning, from the join source that referenced it.
func (p *Propagator) unlink(ctx context.Context, d dependent, w *wave) error {
	params := pathtmpl.Match(d.path, d.target.To)
	joinSource := pathtmpl.Resolve(d.target.From, params)

	return p.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(d.path)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return writer.ErrSkipped
		}

		update := ir.IRObject{}
		if ids, referenced := referencedIDs(snap.Data[d.target.DocumentIDField], w.sourceID); referenced {
			switch cur := snap.Data[d.target.Field].(type) {
			case ir.IRArray:
				if pruned := removeByID(cur, w.sourceID); len(pruned) != len(cur) {
					update[d.target.Field] = pruned
				}
			case ir.IRNull:
				// already cleared
			default:
				if ids == nil {
					update[d.target.Field] = ir.IRNull{}
				}
			}
		}
		if dependsOn(snap.Data, w.sourcePath) {
			update[normalize.KeyDependencies] = removeString(snap.Data[normalize.KeyDependencies], w.sourcePath)
		}
		if len(update) == 0 {
			return writer.ErrSkipped
		}
		update[normalize.KeyBatchID] = ir.IRString(w.batchID)

		p.logger.Debug("propagation unlink",
			"source_path", w.sourcePath,
			"target_path", d.path,
			"join_source_path", joinSource,
			"field", d.target.Field,
			"batch_id", w.batchID)
		if err := tx.Update(d.path, update); err != nil {
			return err
		}

		if !p.pruneSources || !pathtmpl.IsConcrete(joinSource) || joinSource == d.path {
			return nil
		}
		return pruneSource(tx, joinSource, d.target.DocumentIDField, w.sourceID)
	})
}

// pruneSource clears id from the reference field of a join source.
func pruneSource(tx docstore.Tx, path, field, id string) error {
	src, err := tx.Get(path)
	if err != nil {
		return err
	}
	if !src.Exists {
		return nil
	}
	switch cur := src.Data[field].(type) {
	case ir.IRString:
		if string(cur) != id {
			return nil
		}
		return tx.Update(path, ir.IRObject{field: ir.IRNull{}})
	case ir.IRArray:
		pruned := removeString(cur, id)
		if len(pruned) == len(cur) {
			return nil
		}
		return tx.Update(path, ir.IRObject{field: pruned})
	default:
		return nil
	}
}

func dependsOn(data ir.IRObject, path string) bool {
	deps, ok := data[normalize.KeyDependencies].(ir.IRArray)
	if !ok {
		return false
	}
	return slices.Contains(deps, ir.IRValue(ir.IRString(path)))
}

// referencedIDs reports whether ref names id. For list references the
// full id list is returned as well.
func referencedIDs(ref ir.IRValue, id string) ([]string, bool) {
	switch v := ref.(type) {
	case ir.IRString:
		return nil, string(v) == id
	case ir.IRArray:
		ids := make([]string, 0, len(v))
		found := false
		for _, e := range v {
			s, ok := e.(ir.IRString)
			if !ok {
				return nil, false
			}
			ids = append(ids, string(s))
			found = found || string(s) == id
		}
		return ids, found
	default:
		return nil, false
	}
}

// upsertByID replaces arr[idx] with record, or inserts record where its id
// falls in the reference order when idx is negative.
func upsertByID(arr ir.IRArray, idx int, id string, record ir.IRObject, order []string) ir.IRArray {
	out := slices.Clone(arr)
	if idx >= 0 {
		out[idx] = record
		return out
	}

	rank := make(map[string]int, len(order))
	for i, o := range order {
		if _, dup := rank[o]; !dup {
			rank[o] = i
		}
	}
	own := rank[id]
	pos := 0
	for pos < len(out) {
		obj, ok := out[pos].(ir.IRObject)
		if !ok {
			pos++
			continue
		}
		r, known := rank[obj.String("id")]
		if known && r > own {
			break
		}
		pos++
	}
	return slices.Insert(out, pos, ir.IRValue(record))
}

func indexByID(arr ir.IRArray, id string) int {
	return slices.IndexFunc(arr, func(v ir.IRValue) bool {
		obj, ok := v.(ir.IRObject)
		return ok && obj.String("id") == id
	})
}

func removeByID(arr ir.IRArray, id string) ir.IRArray {
	out := make(ir.IRArray, 0, len(arr))
	for _, v := range arr {
		if obj, ok := v.(ir.IRObject); ok && obj.String("id") == id {
			continue
		}
		out = append(out, v)
	}
	return out
}

func removeString(v ir.IRValue, s string) ir.IRArray {
	arr, _ := v.(ir.IRArray)
	out := make(ir.IRArray, 0, len(arr))
	for _, e := range arr {
		if e == ir.IRValue(ir.IRString(s)) {
			continue
		}
		out = append(out, e)
	}
	return out
}
