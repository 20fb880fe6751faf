package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/memstore"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/testutil"
)

// SettleTimeout bounds how long a single step may take to settle.
const SettleTimeout = 10 * time.Second

// Harness is the test execution engine.
// It runs scenarios with a deterministic clock and batch ids.
type Harness struct {
	store    docstore.Store
	engine   *engine.Engine
	clock    *testutil.Clock
	batchIDs *testutil.SequenceBatchIDs
	logger   *slog.Logger

	mu       sync.Mutex
	failures []string
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh store for isolation. queries are
// used in addition to the ones the scenario declares.
//
// Execution flow:
// 1. Compile and validate the queries
// 2. Create a fresh store and write setup documents
// 3. Start the engine with the join and propagation triggers
// 4. Apply each step and wait for the engine to settle
// 5. Snapshot the store and evaluate assertions
func Run(scenario *Scenario, queries ...join.Query) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	all, err := loadQueries(scenario, queries, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}

	clock := testutil.NewClock(testutil.DefaultEpoch, time.Second)
	st, cleanup, err := openStore(scenario.Store, clock)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	h := &Harness{
		store:    st,
		clock:    clock,
		batchIDs: testutil.NewSequenceBatchIDs("batch"),
		logger:   logger,
	}

	ctx := context.Background()

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	triggers, err := engine.Resolve(st, all, engine.Handlers{},
		engine.WithBatchIDGenerator(h.batchIDs),
		engine.WithTriggerClock(clock.Now),
		engine.WithTriggerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build triggers: %w", err)
	}
	h.engine = engine.New(st, triggers,
		engine.WithLogger(logger),
		engine.WithErrorHandler(h.recordFailure),
	)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	h.mu.Lock()
	result.TriggerErrors = append(result.TriggerErrors, h.failures...)
	h.mu.Unlock()

	if err := h.snapshot(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// openStore creates the scenario's store. SQLite stores live in a
// temporary directory removed by cleanup.
func openStore(kind string, clock *testutil.Clock) (docstore.Store, func(), error) {
	switch kind {
	case "", StoreMemory:
		return memstore.New(memstore.WithClock(clock.Now)), func() {}, nil

	case StoreSQLite:
		dir, err := os.MkdirTemp("", "denorm-scenario-*")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		st, err := store.Open(filepath.Join(dir, "scenario.db"), store.WithClock(clock.Now))
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, func() {
			st.Close()
			os.RemoveAll(dir)
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

// executeSetup writes the setup documents. The engine is not running yet,
// so nothing is derived from them until a step touches them.
func (h *Harness) executeSetup(ctx context.Context, setup []Step) error {
	for i, step := range setup {
		data, err := convertArgsToIRObject(step.Data)
		if err != nil {
			return fmt.Errorf("setup step %d: failed to convert data: %w", i, err)
		}
		if err := h.store.Set(ctx, step.Path, data, step.Merge); err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		h.logger.Info("setup document written", "step", i, "path", step.Path)
	}
	return nil
}

// executeSteps applies each step and waits for the resulting cascade.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		op := step.Op
		if op == "" {
			op = OpSet
		}

		if err := h.apply(ctx, op, step); err != nil {
			return fmt.Errorf("step %d (%s %s): %w", i, op, step.Path, err)
		}
		result.AddStepTrace(op, step.Path, int64(i+1))

		settleCtx, cancel := context.WithTimeout(ctx, SettleTimeout)
		err := h.engine.Settle(settleCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("step %d (%s %s): engine did not settle: %w", i, op, step.Path, err)
		}

		h.logger.Info("step settled",
			"step", i,
			"op", op,
			"path", step.Path,
			"batch_ids", h.batchIDs.Issued(),
		)
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, op string, step Step) error {
	switch op {
	case OpDelete:
		return h.store.Delete(ctx, step.Path)
	case OpUpdate, OpSet:
		data, err := convertArgsToIRObject(step.Data)
		if err != nil {
			return fmt.Errorf("failed to convert data: %w", err)
		}
		if op == OpUpdate {
			return h.store.Update(ctx, step.Path, data)
		}
		return h.store.Set(ctx, step.Path, data, step.Merge)
	default:
		return fmt.Errorf("unknown op %q", op)
	}
}

func (h *Harness) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err.Error())
}

// snapshot copies every stored document into result.Documents.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	lister, ok := h.store.(docstore.Lister)
	if !ok {
		return fmt.Errorf("store %T cannot list documents", h.store)
	}
	snaps, err := lister.List(ctx, "")
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		result.Documents[snap.Path] = SnapshotData(snap.Data)
	}
	return nil
}

// convertArgsToIRObject converts a map[string]interface{} to ir.IRObject.
// This handles YAML-parsed values and converts them to proper IRValue types.
func convertArgsToIRObject(args map[string]interface{}) (ir.IRObject, error) {
	if args == nil {
		return ir.IRObject{}, nil
	}

	result := make(ir.IRObject, len(args))
	for key, val := range args {
		irVal, err := convertToIRValue(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		result[key] = irVal
	}
	return result, nil
}

// convertToIRValue converts a YAML-parsed value to an IRValue.
// YAML null becomes IRNull and timestamps become IRTime; tagged objects
// such as {"$ref": "companies/c1"} are recognized.
func convertToIRValue(val interface{}) (ir.IRValue, error) {
	return ir.FromAny(val)
}
