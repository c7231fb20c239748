package shadow

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/header"
	"github.com/lsds/gradagg/srcs/go/tensor"
)

// DoubleBuffer bundles the shadow gradient table with the shadow header so
// the controller rotates both together every iteration (spec §3: "Shadow
// header ... zeroed between iterations").
type DoubleBuffer struct {
	table  *Table
	header *header.Header
}

func NewDoubleBuffer(gradients []tensor.GradientTensor, numEvalNodes uint32, alloc Alloc) *DoubleBuffer {
	return &DoubleBuffer{
		table:  NewTable(gradients, alloc),
		header: header.New(numEvalNodes),
	}
}

func (d *DoubleBuffer) Zero() {
	d.table.Zero()
	d.header.Reset()
}

// Swap rotates both the gradient shadows and the shadow header, returning
// the tensors and header the background reduction task should now run
// over (what the caller held immediately before the call).
func (d *DoubleBuffer) Swap(gradients []tensor.GradientTensor, hdr *header.Header) ([]tensor.GradientTensor, *header.Header, error) {
	if err := d.table.Swap(gradients); err != nil {
		return nil, nil, err
	}
	if err := hdr.SwapWith(d.header); err != nil {
		return nil, nil, fmt.Errorf("shadow: %w", err)
	}
	return d.table.Shadows(), d.header, nil
}
