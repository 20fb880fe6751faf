package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Update on a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrUnavailable marks transient store failures (lock contention,
	// connection loss). These are the only errors worth retrying.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict is returned when a transaction cannot commit because a
	// document it read changed underneath it.
	ErrConflict = errors.New("transaction conflict")

	// ErrInvalidPath is returned for paths that do not address a document.
	ErrInvalidPath = errors.New("invalid document path")
)

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Unavailable wraps cause so that IsUnavailable reports true.
func Unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

// CheckDocumentPath validates that path addresses a document.
func CheckDocumentPath(path string) error {
	if !isDocumentPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}
