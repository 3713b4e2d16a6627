package graph

import (
	"errors"
	"fmt"
)

// ErrStepBudgetExceeded is returned when an algorithm runs past its step cap.
var ErrStepBudgetExceeded = errors.New("step budget exceeded")

// Budget caps the work a single query may perform. One step is one node
// expansion or one edge relaxation. A nil Budget, or one with a
// non-positive limit, never runs out.
//
// A Budget belongs to one query and is not safe for concurrent use.
type Budget struct {
	limit int
	used  int
}

// NewBudget returns a budget of limit steps.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Step consumes n steps.
func (b *Budget) Step(n int) error {
	if b == nil {
		return nil
	}
	b.used += n
	if b.limit > 0 && b.used > b.limit {
		return fmt.Errorf("%w: limit %d", ErrStepBudgetExceeded, b.limit)
	}
	return nil
}

// Used returns the steps consumed so far.
func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	return b.used
}

// Limit returns the configured cap (<= 0 means unlimited).
func (b *Budget) Limit() int {
	if b == nil {
		return 0
	}
	return b.limit
}
