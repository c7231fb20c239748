package pack

import (
	"testing"

	"github.com/lsds/gradagg/srcs/go/tensor"
)

func denseAlloc(cols int, device tensor.Device) tensor.GradientTensor {
	return tensor.NewDense(1, cols, device)
}

func TestClassifyAllPacked(t *testing.T) {
	grads := make([]tensor.GradientTensor, 5)
	for i := range grads {
		grads[i] = tensor.NewDense(1, 1000, tensor.CPU) // 4000 bytes each
	}
	set := Classify(grads, 32*1024, false)
	if !set.HasPacked() {
		t.Fatal("expected packing")
	}
	if set.TotalPackedElements() != 5000 {
		t.Errorf("TotalPackedElements = %d, want 5000", set.TotalPackedElements())
	}
	if len(set.PackedPositions) != 5 {
		t.Errorf("PackedPositions = %v", set.PackedPositions)
	}
	if len(set.StandalonePositions) != 1 || !set.StandalonePositions[0].IsNone() {
		t.Errorf("StandalonePositions = %v, want [NONE]", set.StandalonePositions)
	}
}

func TestClassifyDisabledByAsync(t *testing.T) {
	grads := make([]tensor.GradientTensor, 5)
	for i := range grads {
		grads[i] = tensor.NewDense(1, 1000, tensor.CPU)
	}
	set := Classify(grads, 32*1024, true)
	if set.HasPacked() {
		t.Fatal("packing must be disabled when async is enabled")
	}
	if len(set.StandalonePositions) != 5 {
		t.Errorf("StandalonePositions = %v, want 5 entries", set.StandalonePositions)
	}
	for _, p := range set.StandalonePositions {
		if p.IsNone() {
			t.Error("no NONE sentinel expected when nothing is packed")
		}
	}
}

func TestClassifyMixed(t *testing.T) {
	small := tensor.NewDense(1, 10, tensor.CPU)       // 40 bytes
	big := tensor.NewDense(1, 1<<20, tensor.CPU)       // way over threshold
	grads := []tensor.GradientTensor{small, big}
	set := Classify(grads, 1024, false)
	if len(set.PackedPositions) != 1 || set.PackedPositions[0] != 0 {
		t.Errorf("PackedPositions = %v, want [0]", set.PackedPositions)
	}
	found := false
	for _, p := range set.StandalonePositions {
		if p == Position(1) {
			found = true
		}
	}
	if !found {
		t.Errorf("StandalonePositions = %v, want position 1 present", set.StandalonePositions)
	}
}

func TestBufferPackUnpack(t *testing.T) {
	grads := []tensor.GradientTensor{
		tensor.NewDenseFrom([]float32{1, 2}, 1, 2, tensor.CPU),
		tensor.NewDenseFrom([]float32{3, 4, 5}, 1, 3, tensor.CPU),
	}
	set := Classify(grads, 1<<20, false)
	buf, err := NewBuffer(set, grads, denseAlloc)
	if err != nil {
		t.Fatal(err)
	}
	if buf == nil {
		t.Fatal("expected a buffer")
	}
	if err := buf.Pack(); err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 2, 3, 4, 5}
	got := buf.Shared().Data()
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("shared buffer = %v, want %v", got, want)
		}
	}

	// simulate reduction doubling every element, then unpack.
	for i := range got {
		got[i] *= 2
	}
	if err := buf.Unpack(); err != nil {
		t.Fatal(err)
	}
	if grads[0].Data()[0] != 2 || grads[0].Data()[1] != 4 {
		t.Errorf("grads[0] = %v, want [2 4]", grads[0].Data())
	}
	if grads[1].Data()[2] != 10 {
		t.Errorf("grads[1] = %v, want [.. .. 10]", grads[1].Data())
	}
}

func TestNewBufferNoPackedPositions(t *testing.T) {
	grads := []tensor.GradientTensor{tensor.NewDense(1, 10, tensor.CPU)}
	set := Classify(grads, 0, false)
	buf, err := NewBuffer(set, grads, denseAlloc)
	if err != nil {
		t.Fatal(err)
	}
	if buf != nil {
		t.Error("expected nil buffer when nothing is packed")
	}
}

func TestNewBufferAllocFailureReported(t *testing.T) {
	grads := []tensor.GradientTensor{tensor.NewDense(1, 10, tensor.CPU)}
	set := Classify(grads, 1<<20, false)
	failingAlloc := func(cols int, device tensor.Device) tensor.GradientTensor { return nil }
	if _, err := NewBuffer(set, grads, failingAlloc); err == nil {
		t.Fatal("expected error when alloc returns nil")
	}
}
