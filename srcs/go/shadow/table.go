// Package shadow implements the async double buffer: a shadow copy of
// every gradient tensor (and of the statistics header) so the optimizer
// can keep computing while the previous iteration's reduction is still in
// flight.
package shadow

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/tensor"
)

// Alloc allocates a fresh tensor matching an existing one's shape and
// device, used to build each shadow slot.
type Alloc func(rows, cols int, device tensor.Device) tensor.GradientTensor

// Table holds one shadow tensor per gradient position. Rotation exchanges
// backing storage between each gradient and its shadow through
// GradientTensor.SwapStorageWith; no separate slot-index array is kept.
// Slot i's shadow always corresponds to gradient position i across the
// aggregator's lifetime.
type Table struct {
	shadows []tensor.GradientTensor
}

// NewTable allocates one shadow per entry in gradients, matching its
// shape and device.
func NewTable(gradients []tensor.GradientTensor, alloc Alloc) *Table {
	shadows := make([]tensor.GradientTensor, len(gradients))
	for i, g := range gradients {
		shadows[i] = alloc(g.NumRows(), g.NumCols(), g.DeviceID())
	}
	return &Table{shadows: shadows}
}

func (t *Table) Len() int { return len(t.shadows) }

// Shadows returns the current shadow slots. After Swap, these hold what
// the caller's gradients held immediately before the call.
func (t *Table) Shadows() []tensor.GradientTensor { return t.shadows }

// Zero sets every shadow slot to all-zero, used on reset.
func (t *Table) Zero() {
	for _, s := range t.shadows {
		s.SetValue(0)
	}
}

// Swap exchanges backing storage between each gradient in `gradients` and
// its shadow slot in constant time (spec §4.5 step 1). After Swap,
// gradients[i] holds what shadows[i] held before the call, and vice versa.
func (t *Table) Swap(gradients []tensor.GradientTensor) error {
	if len(gradients) != len(t.shadows) {
		return fmt.Errorf("shadow: gradient count changed since init: table has %d, got %d", len(t.shadows), len(gradients))
	}
	for i, g := range gradients {
		if err := g.SwapStorageWith(t.shadows[i]); err != nil {
			return fmt.Errorf("shadow: swap position %d: %w", i, err)
		}
	}
	return nil
}
