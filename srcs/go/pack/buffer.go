package pack

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/tensor"
)

// Alloc allocates a fresh 1-row GradientTensor of the given width on the
// given device. The aggregator passes in its collaborator's real allocator;
// tests and cmd/kungfu-agg-bench pass tensor.NewDense.
type Alloc func(cols int, device tensor.Device) tensor.GradientTensor

// Buffer owns the shared packed reduction buffer and knows how to scatter
// it back out to the gradients that were folded into it.
type Buffer struct {
	shared    tensor.GradientTensor
	set       *IndexSet
	gradients []tensor.GradientTensor
}

// NewBuffer allocates the shared buffer for set's packed positions. It
// returns (nil, nil) when nothing is packed. If alloc fails, the caller
// is expected to fall back to treating every gradient as standalone (spec
// §4.1 lazy-init fallback) -- NewBuffer itself just reports the error.
func NewBuffer(set *IndexSet, gradients []tensor.GradientTensor, alloc Alloc) (*Buffer, error) {
	if !set.HasPacked() {
		return nil, nil
	}
	device := gradients[set.PackedPositions[0]].DeviceID()
	shared := alloc(set.TotalPackedElements(), device)
	if shared == nil {
		return nil, fmt.Errorf("pack: failed to allocate shared buffer of %d elements", set.TotalPackedElements())
	}
	return &Buffer{shared: shared, set: set, gradients: gradients}, nil
}

// Shared returns the 1 x TotalPackedElements() reduction buffer.
func (b *Buffer) Shared() tensor.GradientTensor { return b.shared }

// Pack copies every packed gradient, reshaped as a 1 x n row, into its
// column slice of the shared buffer.
func (b *Buffer) Pack() error {
	offset := 0
	for _, pos := range b.set.PackedPositions {
		g := b.gradients[pos]
		n := g.NumElements()
		dst := b.shared.ColumnSlice(offset, n)
		if err := dst.AssignValuesOf(g.Reshaped(1, n)); err != nil {
			return fmt.Errorf("pack: packing position %d: %w", pos, err)
		}
		offset += n
	}
	return nil
}

// Unpack reads each column slice back out of the shared buffer and
// assigns it to the corresponding gradient, restoring its original shape.
func (b *Buffer) Unpack() error {
	offset := 0
	for _, pos := range b.set.PackedPositions {
		g := b.gradients[pos]
		n := g.NumElements()
		src := b.shared.ColumnSlice(offset, n)
		if err := g.AssignValuesOf(src.Reshaped(g.NumRows(), g.NumCols())); err != nil {
			return fmt.Errorf("pack: unpacking position %d: %w", pos, err)
		}
		offset += n
	}
	return nil
}
