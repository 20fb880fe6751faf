package writer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/docstore"
)

func testWriter() *Writer {
	return &Writer{Concurrency: 4, MaxAttempts: 3, Backoff: time.Millisecond}
}

func TestApplyCountsOutcomes(t *testing.T) {
	boom := errors.New("boom")
	ops := []Op{
		{Path: "a/1", Run: func(context.Context) error { return nil }},
		{Path: "a/2", Run: func(context.Context) error { return ErrSkipped }},
		{Path: "a/3", Run: func(context.Context) error { return boom }},
		{Path: "a/4", Run: func(context.Context) error { return nil }},
	}

	sum := testWriter().Apply(context.Background(), ops)

	assert.Equal(t, 2, sum.Applied)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors, 1)
	assert.ErrorIs(t, sum.Err(), boom)
	assert.Contains(t, sum.Errors[0].Error(), "a/3")
}

func TestApplyRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	op := Op{Path: "a/1", Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return docstore.Unavailable(errors.New("busy"))
		}
		return nil
	}}

	sum := testWriter().Apply(context.Background(), []Op{op})

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 2, sum.Retries)
	assert.NoError(t, sum.Err())
}

func TestApplyGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	op := Op{Path: "a/1", Run: func(context.Context) error {
		calls.Add(1)
		return docstore.Unavailable(errors.New("busy"))
	}}

	sum := testWriter().Apply(context.Background(), []Op{op})

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, docstore.IsUnavailable(sum.Err()))
}

func TestApplyDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	op := Op{Path: "a/1", Run: func(context.Context) error {
		calls.Add(1)
		return docstore.ErrConflict
	}}

	sum := testWriter().Apply(context.Background(), []Op{op})

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Retries)
}

func TestApplyFailureDoesNotStopSiblings(t *testing.T) {
	var ran atomic.Int32
	ops := make([]Op, 0, 20)
	for i := 0; i < 20; i++ {
		fail := i%5 == 0
		ops = append(ops, Op{Path: "a/x", Run: func(context.Context) error {
			ran.Add(1)
			if fail {
				return errors.New("permanent")
			}
			return nil
		}})
	}

	sum := testWriter().Apply(context.Background(), ops)

	assert.Equal(t, int32(20), ran.Load())
	assert.Equal(t, 16, sum.Applied)
	assert.Equal(t, 4, sum.Failed)
}

func TestApplyRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	ops := make([]Op, 0, 16)
	for i := 0; i < 16; i++ {
		ops = append(ops, Op{Path: "a/x", Run: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}})
	}

	w := testWriter()
	w.Concurrency = 2
	sum := w.Apply(context.Background(), ops)

	assert.Equal(t, 16, sum.Applied)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestZeroWriterUsesDefaults(t *testing.T) {
	var w Writer
	sum := w.Apply(context.Background(), []Op{{Path: "a/1", Run: func(context.Context) error { return nil }}})
	assert.Equal(t, 1, sum.Applied)
}
