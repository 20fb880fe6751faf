package engine

import (
	"errors"
	"fmt"
	"sync"
)

// QuotaEnforcer counts the changes dispatched per propagationBatchID and
// enforces a maximum.
//
// A propagation wave stamps its batch id on every dependent it patches,
// and those patches are themselves changes that may trigger further waves
// inheriting the id. The count therefore measures the length of one
// cascade. Content comparison stops ordinary cascades; the quota stops a
// cascade that never converges, for example a custom data handler that
// embeds a fresh timestamp on every run.
//
// Counters live in two generations. Once the current generation tracks
// maxBatches batches it becomes the previous one and the old previous is
// dropped, so a batch that saw no change for a whole generation is
// forgotten. A cascade that keeps producing changes is carried forward.
//
// Safe for concurrent use: the engine dispatches changes from many
// goroutines.
type QuotaEnforcer struct {
	maxSteps   int
	maxBatches int

	mu       sync.Mutex
	current  map[string]int
	previous map[string]int
}

// DefaultMaxBatches is the generation size of NewQuotaEnforcer.
const DefaultMaxBatches = 4096

// NewQuotaEnforcer creates an enforcer allowing maxSteps changes per batch.
// maxSteps <= 0 disables enforcement.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return NewBoundedQuotaEnforcer(maxSteps, DefaultMaxBatches)
}

// NewBoundedQuotaEnforcer is NewQuotaEnforcer with an explicit generation
// size. At most 2*maxBatches batches are tracked at once.
func NewBoundedQuotaEnforcer(maxSteps, maxBatches int) *QuotaEnforcer {
	if maxBatches <= 0 {
		maxBatches = DefaultMaxBatches
	}
	return &QuotaEnforcer{
		maxSteps:   maxSteps,
		maxBatches: maxBatches,
		current:    make(map[string]int),
		previous:   make(map[string]int),
	}
}

// Check counts one change of batchID and reports StepsExceededError once
// the batch goes over the limit. Changes without a batch id are never
// counted.
func (q *QuotaEnforcer) Check(batchID string) error {
	if batchID == "" || q.maxSteps <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	steps, ok := q.current[batchID]
	if !ok {
		steps = q.previous[batchID]
		delete(q.previous, batchID)
		if len(q.current) >= q.maxBatches {
			q.previous, q.current = q.current, make(map[string]int)
		}
	}
	steps++
	q.current[batchID] = steps
	if steps > q.maxSteps {
		return &StepsExceededError{BatchID: batchID, Steps: steps, Limit: q.maxSteps}
	}
	return nil
}

// Reset forgets all counters. The engine calls it whenever it goes idle,
// since no cascade can outlive an idle engine.
func (q *QuotaEnforcer) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.current)
	clear(q.previous)
}

// Tracked returns the number of batches holding a counter.
func (q *QuotaEnforcer) Tracked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.current) + len(q.previous)
}

// Current returns the count for batchID.
func (q *QuotaEnforcer) Current(batchID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if steps, ok := q.current[batchID]; ok {
		return steps
	}
	return q.previous[batchID]
}

// MaxSteps returns the limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned when a cascade exceeds the step quota.
// The offending change is dropped; changes of other batches continue.
type StepsExceededError struct {
	BatchID string
	Steps   int
	Limit   int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("batch %s exceeded max steps quota: %d steps > %d limit",
		e.BatchID, e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
// Uses errors.As to handle wrapped errors.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
