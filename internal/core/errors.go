package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEntityKind is returned when a kind is not registered.
	ErrUnknownEntityKind = errors.New("unknown entity kind")

	// ErrCircularDependency is matched by every *CircularDependencyError.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrUnsupportedOperation is returned when a strategy is not available
	// for a kind, e.g. create-new-version on an unversioned kind.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrUnknownStrategy is returned by ParseStrategy.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")

	// ErrTransactionExists is returned when an operation id is already active.
	ErrTransactionExists = errors.New("transaction already active")

	// ErrTransactionNotFound is returned when committing an unknown operation.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidSchema wraps registry construction failures.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrInvalidFilter is returned when an export filter names a field that
	// does not exist or does not hold a date.
	ErrInvalidFilter = errors.New("invalid export filter")
)

// CircularDependencyError lists the kinds that could not be ordered.
type CircularDependencyError struct {
	Kinds []EntityKind
}

func (e *CircularDependencyError) Error() string {
	names := make([]string, len(e.Kinds))
	for i, k := range e.Kinds {
		names[i] = string(k)
	}
	return fmt.Sprintf("circular dependency among: %s", strings.Join(names, ", "))
}

// Is lets errors.Is match ErrCircularDependency.
func (e *CircularDependencyError) Is(target error) bool {
	return target == ErrCircularDependency
}
