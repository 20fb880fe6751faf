package join

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/denorm/internal/dependence"
	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/projection"
	"github.com/roach88/denorm/internal/writer"
)

// Resolver keeps the targets of one Query in step with its sources.
type Resolver struct {
	query      Query
	store      docstore.Store
	shouldRun  ShouldRun
	handler    DataHandler
	projectors []projection.Func
	batchID    func() string
	writer     *writer.Writer
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithShouldRun sets the branch gate. nil keeps AlwaysRun.
func WithShouldRun(fn ShouldRun) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.shouldRun = fn
		}
	}
}

// WithDataHandler overrides the embedded record shape for every reference,
// taking precedence over Reference.Fields.
func WithDataHandler(fn DataHandler) Option {
	return func(r *Resolver) { r.handler = fn }
}

// WithBatchIDs sets the propagationBatchID source.
func WithBatchIDs(next func() string) Option {
	return func(r *Resolver) { r.batchID = next }
}

// WithWriter sets the writer used to apply branch writes.
func WithWriter(w *writer.Writer) Option {
	return func(r *Resolver) { r.writer = w }
}

// WithClock sets the fallback time used when a source snapshot carries no
// update time.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver validates q and returns a resolver writing through store.
func NewResolver(q Query, store docstore.Store, opts ...Option) (*Resolver, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	r := &Resolver{
		query:     q,
		store:     store,
		shouldRun: AlwaysRun,
		batchID:   newBatchID,
		writer:    writer.New(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.projectors = make([]projection.Func, len(q.References))
	for i, ref := range q.References {
		fn, err := projection.Compile(ref.Fields)
		if err != nil {
			return nil, fmt.Errorf("query %q: references[%d]: %w", q.Name, i, err)
		}
		r.projectors[i] = fn
	}
	return r, nil
}

// Query returns the query this resolver serves.
func (r *Resolver) Query() Query {
	return r.query
}

// Handle processes one change to a source document. params are the
// bindings recovered from the source path; nil means match against From.
//
// Every branch is attempted. Failures are logged and joined into the
// returned error.
func (r *Resolver) Handle(ctx context.Context, change docstore.Change, params pathtmpl.Params) error {
	if !pathtmpl.Matches(change.Path, r.query.From) {
		return nil
	}
	if params == nil {
		params = pathtmpl.Match(change.Path, r.query.From)
	}

	kind := change.Kind()
	if kind == 0 {
		return nil
	}
	branches := r.query.branches(change.Path, params)
	ops := make([]writer.Op, 0, len(branches))
	for _, b := range branches {
		b := b
		op := writer.Op{Path: b.rc.TargetPath}
		switch kind {
		case docstore.ChangeDelete:
			op.Run = func(ctx context.Context) error { return r.remove(ctx, change.Before, b) }
		default:
			op.Run = func(ctx context.Context) error { return r.upsert(ctx, change.After, b) }
		}
		ops = append(ops, op)
	}

	sum := r.writer.Apply(ctx, ops)
	r.logger.Debug("join handled",
		"query", r.query.Name,
		"source_path", change.Path,
		"change", kind.String(),
		"applied", sum.Applied,
		"skipped", sum.Skipped,
		"failed", sum.Failed)
	if err := sum.Err(); err != nil {
		return fmt.Errorf("join %s: %w", r.query.Name, err)
	}
	return nil
}

func (r *Resolver) upsert(ctx context.Context, source docstore.Snapshot, b branch) error {
	target := b.rc.TargetPath
	if err := docstore.CheckDocumentPath(target); err != nil || !pathtmpl.IsConcrete(target) {
		return fmt.Errorf("%w: unresolved target %q", docstore.ErrInvalidPath, target)
	}
	if !r.shouldRun(b.rc, source) {
		return writer.ErrSkipped
	}

	resolved, deps, err := r.resolveReferences(ctx, source, b)
	if err != nil {
		return err
	}

	doc := source.Data.Copy()
	if doc == nil {
		doc = ir.IRObject{}
	}
	maps.Copy(doc, resolved)
	doc = normalize.Normalize(doc)

	at := source.UpdateTime
	if at.IsZero() {
		at = r.now()
	}

	return r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		existing, err := tx.Get(target)
		if err != nil {
			return err
		}
		if existing.Exists && !r.differs(existing.Data, doc, deps) {
			return writer.ErrSkipped
		}

		out := doc.Copy()
		if _, stamped := existing.Data[normalize.KeyCreatedAt]; existing.Exists && stamped {
			delete(out, normalize.KeyCreatedAt)
		} else {
			out[normalize.KeyCreatedAt] = ir.NewIRTime(at)
		}
		batchID := r.batchID()
		out[normalize.KeyUpdatedAt] = ir.NewIRTime(at)
		out[normalize.KeyDependencies] = ir.StringArray(deps...)
		out[normalize.KeyBatchID] = ir.IRString(batchID)

		r.logger.Debug("join write",
			"query", r.query.Name,
			"source_path", b.rc.SourcePath,
			"target_path", target,
			"batch_id", batchID,
			"dependencies", len(deps))
		return tx.Set(target, out, true)
	})
}

// differs reports whether writing doc with deps would change existing.
// Only the keys the merge write touches are compared.
func (r *Resolver) differs(existing, doc ir.IRObject, deps []string) bool {
	current := make(ir.IRObject, len(doc))
	for k := range doc {
		if v, ok := existing[k]; ok {
			current[k] = v
		}
	}
	if normalize.IsChanged(current, doc) {
		return true
	}
	have, ok := stringList(existing[normalize.KeyDependencies])
	return !ok || !slices.Equal(have, deps)
}

func (r *Resolver) remove(ctx context.Context, source docstore.Snapshot, b branch) error {
	target := b.rc.TargetPath
	if !pathtmpl.IsConcrete(target) {
		return fmt.Errorf("%w: unresolved target %q", docstore.ErrInvalidPath, target)
	}
	if !r.shouldRun(b.rc, source) {
		return writer.ErrSkipped
	}

	return r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		existing, err := tx.Get(target)
		if err != nil {
			return err
		}
		if !existing.Exists {
			return writer.ErrSkipped
		}
		r.logger.Debug("join delete",
			"query", r.query.Name,
			"source_path", b.rc.SourcePath,
			"target_path", target)
		return tx.Delete(target)
	})
}

// resolveReferences resolves every reference of source concurrently and
// returns the target fields and the sorted dependency set.
func (r *Resolver) resolveReferences(ctx context.Context, source docstore.Snapshot, b branch) (ir.IRObject, []string, error) {
	dep := dependence.New(r.store)
	values := make([]ir.IRValue, len(r.query.References))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range r.query.References {
		i, ref := i, ref
		collection := pathtmpl.Resolve(ref.Collection, b.params)
		project := r.projectorFor(i, b.rc)

		g.Go(func() error {
			one, many, kind := classify(source.Data[ref.SourceField])
			var (
				v   ir.IRValue
				err error
			)
			switch kind {
			case refOne:
				v, err = dep.ResolveOne(gctx, collection, one, project)
			case refMany:
				v, err = dep.ResolveMany(gctx, collection, many, project)
			default:
				v = ir.IRNull{}
			}
			if err != nil {
				return fmt.Errorf("reference %s: %w", ref.SourceField, err)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make(ir.IRObject, len(values))
	for i, ref := range r.query.References {
		out[ref.TargetField] = values[i]
	}
	deps := dep.Dependencies()
	slices.Sort(deps)
	return out, deps, nil
}

func (r *Resolver) projectorFor(i int, rc ResolveContext) projection.Func {
	if r.handler != nil {
		return func(snap docstore.Snapshot) ir.IRObject { return r.handler(rc, snap) }
	}
	return r.projectors[i]
}

func newBatchID() string {
	return uuid.Must(uuid.NewV7()).String()
}
