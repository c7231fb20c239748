package pipeline

import (
	"testing"

	"github.com/lsds/gradagg/srcs/go/tensor"
)

func TestSelect(t *testing.T) {
	cases := []struct {
		ncclSupported, useGDR bool
		device                tensor.Device
		want                  Strategy
	}{
		{true, false, tensor.CPU, NCCLBatched},
		{true, true, tensor.Device(0), NCCLBatched},
		{false, false, tensor.Device(0), StagedPipeline},
		{false, true, tensor.Device(0), DirectGPU},
		{false, false, tensor.CPU, NonBlockingCPU},
		{false, true, tensor.CPU, NonBlockingCPU},
	}
	for _, c := range cases {
		got, err := Select(c.ncclSupported, c.useGDR, c.device)
		if err != nil {
			t.Fatalf("Select(%v,%v,%v) returned error: %v", c.ncclSupported, c.useGDR, c.device, err)
		}
		if got != c.want {
			t.Errorf("Select(%v,%v,%v) = %v, want %v", c.ncclSupported, c.useGDR, c.device, got, c.want)
		}
	}
}
