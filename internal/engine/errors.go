package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/propagate"
)

// PropagationError is a trigger failure reported by the engine.
//
// The engine never retries at this level: transient store errors were
// already retried by the writer, so a PropagationError is final for the
// change that caused it.
type PropagationError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Trigger is the name of the trigger that failed.
	Trigger string

	// Path is the changed document path that was being handled.
	Path string

	// BatchID is the propagationBatchID carried by the change, if any.
	BatchID string

	Err error
}

// ErrorCode categorizes propagation errors.
type ErrorCode string

const (
	// ErrCodeUnavailable indicates the store stayed unavailable after retries.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// ErrCodePermanent indicates a failure that retrying cannot fix.
	ErrCodePermanent ErrorCode = "PERMANENT"

	// ErrCodeQuotaExceeded indicates a dependent or cascade quota was hit.
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeInvalidPath indicates a reference resolved to a bad path.
	ErrCodeInvalidPath ErrorCode = "INVALID_PATH"
)

// Error implements the error interface.
func (e *PropagationError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("%s: %s on %s (batch=%s): %v", e.Code, e.Trigger, e.Path, e.BatchID, e.Err)
	}
	return fmt.Sprintf("%s: %s on %s: %v", e.Code, e.Trigger, e.Path, e.Err)
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

// Classify maps a handler error to its code.
func Classify(err error) ErrorCode {
	var se *StepsExceededError
	switch {
	case errors.Is(err, propagate.ErrQuotaExceeded), errors.As(err, &se):
		return ErrCodeQuotaExceeded
	case errors.Is(err, docstore.ErrInvalidPath):
		return ErrCodeInvalidPath
	case docstore.IsUnavailable(err):
		return ErrCodeUnavailable
	default:
		return ErrCodePermanent
	}
}

func newPropagationError(trigger, path, batchID string, err error) *PropagationError {
	return &PropagationError{
		Code:    Classify(err),
		Trigger: trigger,
		Path:    path,
		BatchID: batchID,
		Err:     err,
	}
}

// IsQuotaError reports whether err is a quota failure of either kind.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	var pe *PropagationError
	if errors.As(err, &pe) {
		return pe.Code == ErrCodeQuotaExceeded
	}
	return Classify(err) == ErrCodeQuotaExceeded
}

// IsUnavailableError reports whether err is a PropagationError caused by
// an unavailable store.
func IsUnavailableError(err error) bool {
	var pe *PropagationError
	return errors.As(err, &pe) && pe.Code == ErrCodeUnavailable
}
