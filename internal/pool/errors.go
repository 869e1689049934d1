package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("pool is closed")

	// ErrNotFound is returned when an entry id is not in the pool.
	ErrNotFound = errors.New("pool entry not found")
)

// PoolCapacityError is returned by Create when the pool already holds, or is
// creating, Max instances.
type PoolCapacityError struct {
	Max int
}

func (e *PoolCapacityError) Error() string {
	return fmt.Sprintf("pool is at capacity (%d instances)", e.Max)
}
