package annotation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a mutation or lookup references an id that
	// does not exist (any more). Callers should refresh their view.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input, such as an interval whose
	// end precedes its start or a missing required field.
	ErrValidation = errors.New("validation failed")

	// ErrStore is returned when the persistence backend fails. No state change
	// is visible when it is returned.
	ErrStore = errors.New("store failure")
)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound for the entity kind and id.
func NotFound(kind, id string) error { return notFound(kind, id) }

// StoreFailure wraps a backend error as ErrStore, keeping the cause.
func StoreFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}
