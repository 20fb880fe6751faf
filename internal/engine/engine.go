package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
)

// DefaultMaxSteps is the default number of changes one propagation batch
// may cause before the engine drops the rest of the cascade.
const DefaultMaxSteps = 1000

// Engine feeds committed store changes to triggers.
//
// Thread-safety model:
//   - the store's watch callback enqueues from any goroutine
//   - Run must be called from exactly one goroutine
//   - every matched (change, trigger) pair is handled in its own goroutine
//   - Settle may be called from any goroutine while Run is active
type Engine struct {
	store    docstore.Store
	triggers []Trigger
	queue    *changeQueue
	quota    *QuotaEnforcer
	logger   *slog.Logger
	onError  func(error)

	// pending counts queued changes plus running handlers. idle is closed
	// whenever pending drops to zero and replaced when work arrives.
	mu      sync.Mutex
	pending int
	idle    chan struct{}

	handlers    sync.WaitGroup
	cancelWatch func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps sets the per-batch cascade quota. 0 disables it.
//
// Default: 1000 steps (DefaultMaxSteps).
func WithMaxSteps(maxSteps int) Option {
	return func(e *Engine) {
		e.quota = NewQuotaEnforcer(maxSteps)
	}
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithErrorHandler registers fn for every trigger failure, after it has
// been logged. fn receives a *PropagationError and may be called
// concurrently.
func WithErrorHandler(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// New creates an Engine over store and starts watching it. Changes
// committed from now on are queued until Run handles them.
//
// The triggers slice is copied; registration order is the dispatch order.
func New(store docstore.Store, triggers []Trigger, opts ...Option) *Engine {
	idle := make(chan struct{})
	close(idle)

	e := &Engine{
		store:    store,
		triggers: slices.Clone(triggers),
		queue:    newChangeQueue(),
		quota:    NewQuotaEnforcer(DefaultMaxSteps),
		logger:   slog.Default(),
		idle:     idle,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cancelWatch = store.Watch(e.enqueue)
	return e
}

// Triggers returns the registered triggers.
func (e *Engine) Triggers() []Trigger {
	return slices.Clone(e.triggers)
}

// Store returns the watched store.
func (e *Engine) Store() docstore.Store {
	return e.store
}

// Run dequeues changes and dispatches them until ctx is cancelled or Stop
// is called. It waits for running handlers before returning.
//
// ERROR HANDLING: a failing trigger is logged and reported to the error
// handler; the loop continues with the next change.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "triggers", len(e.triggers))
	defer e.handlers.Wait()

	for {
		if c, ok := e.queue.TryDequeue(); ok {
			e.dispatch(ctx, c)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.Stop()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed by Stop, so this case also
			// fires on shutdown.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop unregisters the watcher and closes the queue, which makes Run
// return once the queue is drained.
func (e *Engine) Stop() {
	e.cancelWatch()
	e.queue.Close()
}

// Settle blocks until no change is queued and no handler is running, or
// ctx is done. Handler writes are queued before the handler returns, so a
// settled engine has finished every cascade. Run must be active.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.pending == 0 {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

func (e *Engine) enqueue(c docstore.Change) {
	e.begin(1)
	if !e.queue.Enqueue(c) {
		e.done()
	}
}

// dispatch starts one goroutine per matching trigger.
func (e *Engine) dispatch(ctx context.Context, c docstore.Change) {
	// The dequeued change itself stops counting once its handlers are
	// accounted for.
	defer e.done()

	routes := matchTriggers(e.triggers, c.Path)
	if len(routes) == 0 {
		return
	}

	batchID := batchIDOf(c)
	if err := e.quota.Check(batchID); err != nil {
		e.report(newPropagationError("", c.Path, batchID, err))
		return
	}

	e.logger.Debug("dispatching change",
		"source_path", c.Path,
		"change", c.Kind().String(),
		"batch_id", batchID,
		"triggers", len(routes),
	)

	e.begin(len(routes))
	for _, r := range routes {
		r := r
		e.handlers.Add(1)
		go func() {
			defer e.handlers.Done()
			defer e.done()
			if err := r.trigger.Handle(ctx, c, r.params); err != nil {
				e.report(newPropagationError(r.trigger.Name, c.Path, batchID, err))
			}
		}()
	}
}

func (e *Engine) begin(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == 0 && n > 0 {
		e.idle = make(chan struct{})
	}
	e.pending += n
}

func (e *Engine) done() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending--
	if e.pending == 0 {
		close(e.idle)
		e.quota.Reset()
	}
}

func (e *Engine) report(err *PropagationError) {
	e.logger.Error("trigger failed",
		"trigger", err.Trigger,
		"source_path", err.Path,
		"batch_id", err.BatchID,
		"code", string(err.Code),
		"error", err.Err,
	)
	if e.onError != nil {
		e.onError(err)
	}
}

// batchIDOf returns the propagationBatchID carried by the change's new
// state, "" when there is none.
func batchIDOf(c docstore.Change) string {
	if !c.After.Exists {
		return ""
	}
	s, _ := c.After.Data[normalize.KeyBatchID].(ir.IRString)
	return string(s)
}
