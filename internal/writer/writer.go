// Package writer applies independent document patches with bounded
// concurrency and retries transient store failures.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/denorm/internal/docstore"
)

// ErrSkipped is returned by an Op that found nothing to write.
var ErrSkipped = errors.New("write skipped")

const (
	DefaultConcurrency = 8
	DefaultMaxAttempts = 3
	DefaultBackoff     = 20 * time.Millisecond
)

// Op is one unit of work, typically a single-document transaction.
type Op struct {
	Path string
	Run  func(ctx context.Context) error
}

// Summary counts the outcome of an Apply call.
type Summary struct {
	Applied int
	Skipped int
	Failed  int
	Retries int

	// Errors holds one entry per failed op, wrapped with its path.
	Errors []error
}

// Err joins all op failures, nil when none failed.
func (s Summary) Err() error {
	return errors.Join(s.Errors...)
}

// Writer runs ops concurrently. The zero value is usable.
type Writer struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

// New returns a Writer with default limits.
func New() *Writer {
	return &Writer{
		Concurrency: DefaultConcurrency,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
	}
}

// Apply runs every op and waits for all of them. A failing op never stops
// its siblings; failures are logged and reported in the Summary.
func (w *Writer) Apply(ctx context.Context, ops []Op) Summary {
	var (
		mu  sync.Mutex
		sum Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for _, op := range ops {
		op := op
		g.Go(func() error {
			retries, err := w.run(gctx, op)

			mu.Lock()
			defer mu.Unlock()
			sum.Retries += retries
			switch {
			case err == nil:
				sum.Applied++
			case errors.Is(err, ErrSkipped):
				sum.Skipped++
			default:
				sum.Failed++
				sum.Errors = append(sum.Errors, fmt.Errorf("%s: %w", op.Path, err))
			}
			// Never fail the group: siblings must keep running.
			return nil
		})
	}
	_ = g.Wait()
	return sum
}

func (w *Writer) run(ctx context.Context, op Op) (int, error) {
	attempts := w.maxAttempts()
	logger := w.logger()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op.Run(ctx)
		if err == nil || errors.Is(err, ErrSkipped) {
			return attempt - 1, err
		}
		if !docstore.IsUnavailable(err) {
			logger.Error("write abandoned",
				"target_path", op.Path,
				"attempt", attempt,
				"error", err)
			return attempt - 1, err
		}
		if attempt == attempts {
			break
		}

		logger.Warn("write unavailable, retrying",
			"target_path", op.Path,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		case <-time.After(w.backoff() * time.Duration(attempt)):
		}
	}

	logger.Error("write abandoned after retries",
		"target_path", op.Path,
		"attempts", attempts,
		"error", err)
	return attempts - 1, err
}

func (w *Writer) concurrency() int {
	if w.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return w.Concurrency
}

func (w *Writer) maxAttempts() int {
	if w.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return w.MaxAttempts
}

func (w *Writer) backoff() time.Duration {
	if w.Backoff < 0 {
		return 0
	}
	return w.Backoff
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
