package tensor

import "fmt"

// Dense is a reference GradientTensor implementation backed by a plain
// []float32. Production callers bring their own matrix type (e.g. a CUDA
// or Metal-backed matrix); Dense exists so tests, the fabric, and
// cmd/kungfu-agg-bench have something concrete to drive the aggregator
// with.
type Dense struct {
	data   []float32
	rows   int
	cols   int
	device Device
}

func NewDense(rows, cols int, device Device) *Dense {
	return &Dense{
		data:   make([]float32, rows*cols),
		rows:   rows,
		cols:   cols,
		device: device,
	}
}

// NewDenseFrom wraps an existing slice without copying.
func NewDenseFrom(data []float32, rows, cols int, device Device) *Dense {
	return &Dense{data: data, rows: rows, cols: cols, device: device}
}

func (t *Dense) Data() []float32   { return t.data }
func (t *Dense) NumElements() int  { return len(t.data) }
func (t *Dense) NumRows() int      { return t.rows }
func (t *Dense) NumCols() int      { return t.cols }
func (t *Dense) DeviceID() Device  { return t.device }
func (t *Dense) Kind() Kind        { return DenseKind }

func (t *Dense) ColumnSlice(offset, count int) GradientTensor {
	lo := offset * t.rows
	hi := lo + count*t.rows
	return &Dense{data: t.data[lo:hi], rows: t.rows, cols: count, device: t.device}
}

func (t *Dense) AssignValuesOf(other GradientTensor) error {
	src := other.Data()
	if len(src) != len(t.data) {
		return fmt.Errorf("tensor: assign_values_of size mismatch: dst=%d src=%d", len(t.data), len(src))
	}
	copy(t.data, src)
	return nil
}

func (t *Dense) Reshaped(rows, cols int) GradientTensor {
	return &Dense{data: t.data, rows: rows, cols: cols, device: t.device}
}

func (t *Dense) SetValue(scalar float32) {
	for i := range t.data {
		t.data[i] = scalar
	}
}

func (t *Dense) Resize(rows, cols int) {
	n := rows * cols
	if n != len(t.data) {
		t.data = make([]float32, n)
	}
	t.rows = rows
	t.cols = cols
}

func (t *Dense) SwapStorageWith(other GradientTensor) error {
	o, ok := other.(*Dense)
	if !ok {
		return fmt.Errorf("tensor: SwapStorageWith requires *Dense, got %T", other)
	}
	t.data, o.data = o.data, t.data
	t.rows, o.rows = o.rows, t.rows
	t.cols, o.cols = o.cols, t.cols
	return nil
}
