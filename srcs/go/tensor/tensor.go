// Package tensor defines the gradient-tensor interface the aggregator
// consumes. The aggregator never allocates a GradientTensor and never owns
// its backing store -- it borrows handles supplied by the optimizer.
package tensor

import "fmt"

// Device identifies where a tensor's elements live. CPU is the sentinel
// for host memory; any other value names a GPU ordinal.
type Device int32

const CPU Device = -1

func (d Device) String() string {
	if d == CPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", int32(d))
}

// Kind mirrors the collaborator's matrix_type. The aggregator only ever
// operates on Dense; a Sparse tensor is a fatal logic error at the caller.
type Kind int32

const (
	DenseKind Kind = iota
	SparseKind
)

// GradientTensor is the subset of the external dense-matrix collaborator
// the aggregator consumes: a rectangular, column-major buffer of float32
// elements pinned to one device.
type GradientTensor interface {
	Data() []float32
	NumElements() int
	NumRows() int
	NumCols() int
	DeviceID() Device
	Kind() Kind

	// ColumnSlice returns a view over count columns starting at offset,
	// sharing the same backing storage.
	ColumnSlice(offset, count int) GradientTensor

	// AssignValuesOf copies other's elements into this tensor's storage.
	// Shapes must have equal element counts.
	AssignValuesOf(other GradientTensor) error

	// Reshaped returns a view over the same storage with different
	// dimensions. rows*cols must equal NumElements().
	Reshaped(rows, cols int) GradientTensor

	SetValue(scalar float32)
	Resize(rows, cols int)

	// SwapStorageWith exchanges backing storage with other in constant
	// time, used by the async double buffer (see package shadow) in place
	// of a raw pointer swap.
	SwapStorageWith(other GradientTensor) error
}
