package pipeline

import (
	"sync"
	"testing"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport/fabric"
)

func runAcrossRanks(t *testing.T, numRanks int, strategy Strategy, ncclSupported, useGDR bool, build func(rank int) []tensor.GradientTensor) [][]tensor.GradientTensor {
	t.Helper()
	cluster := fabric.NewCluster(numRanks, fabric.Options{NCCLSupported: ncclSupported, UseGPUGDR: useGDR})
	results := make([][]tensor.GradientTensor, numRanks)
	var wg sync.WaitGroup
	for r := 0; r < numRanks; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer := cluster.Peer(r, tensor.CPU)
			tensors := build(r)
			if err := Reduce(peer.MPI, peer.NCCL, peer.CUDA, strategy, tensors, nil); err != nil {
				t.Errorf("rank %d: %v", r, err)
				return
			}
			results[r] = tensors
		}()
	}
	wg.Wait()
	return results
}

func TestReduceNCCLBatched(t *testing.T) {
	results := runAcrossRanks(t, 3, NCCLBatched, true, false, func(rank int) []tensor.GradientTensor {
		return []tensor.GradientTensor{
			tensor.NewDenseFrom([]float32{float32(rank + 1), 10}, 1, 2, tensor.CPU),
		}
	})
	for r, tensors := range results {
		got := tensors[0].Data()
		if got[0] != 6 || got[1] != 30 {
			t.Errorf("rank %d: got %v, want [6 30]", r, got)
		}
	}
}

func TestReduceNonBlockingCPU(t *testing.T) {
	results := runAcrossRanks(t, 3, NonBlockingCPU, false, false, func(rank int) []tensor.GradientTensor {
		return []tensor.GradientTensor{
			tensor.NewDenseFrom([]float32{float32(rank + 1)}, 1, 1, tensor.CPU),
			tensor.NewDenseFrom([]float32{float32(2 * (rank + 1))}, 1, 1, tensor.CPU),
		}
	})
	for r, tensors := range results {
		if tensors[0].Data()[0] != 6 {
			t.Errorf("rank %d tensor 0 = %v, want 6", r, tensors[0].Data())
		}
		if tensors[1].Data()[0] != 12 {
			t.Errorf("rank %d tensor 1 = %v, want 12", r, tensors[1].Data())
		}
	}
}

func TestReduceDirectGPU(t *testing.T) {
	results := runAcrossRanks(t, 2, DirectGPU, false, true, func(rank int) []tensor.GradientTensor {
		return []tensor.GradientTensor{
			tensor.NewDenseFrom([]float32{float32(rank + 1)}, 1, 1, tensor.Device(0)),
		}
	})
	for r, tensors := range results {
		if tensors[0].Data()[0] != 3 {
			t.Errorf("rank %d = %v, want 3", r, tensors[0].Data())
		}
	}
}

func TestReduceStagedPipeline(t *testing.T) {
	results := runAcrossRanks(t, 2, StagedPipeline, false, false, func(rank int) []tensor.GradientTensor {
		return []tensor.GradientTensor{
			tensor.NewDenseFrom([]float32{float32(rank + 1), 1}, 1, 2, tensor.Device(0)),
			tensor.NewDenseFrom([]float32{float32(rank + 1), 2}, 1, 2, tensor.Device(0)),
			tensor.NewDenseFrom([]float32{float32(rank + 1), 3}, 1, 2, tensor.Device(0)),
		}
	})
	for r, tensors := range results {
		for i, tn := range tensors {
			if tn.Data()[0] != 3 {
				t.Errorf("rank %d tensor %d = %v, want first element 3", r, i, tn.Data())
			}
		}
	}
}

func TestReduceStagedPipelineSingleTensor(t *testing.T) {
	results := runAcrossRanks(t, 2, StagedPipeline, false, false, func(rank int) []tensor.GradientTensor {
		return []tensor.GradientTensor{
			tensor.NewDenseFrom([]float32{float32(rank + 1)}, 1, 1, tensor.Device(0)),
		}
	})
	for r, tensors := range results {
		if tensors[0].Data()[0] != 3 {
			t.Errorf("rank %d = %v, want 3", r, tensors[0].Data())
		}
	}
}

func TestReduceUnknownStrategy(t *testing.T) {
	cluster := fabric.NewCluster(1, fabric.Options{})
	peer := cluster.Peer(0, tensor.CPU)
	err := Reduce(peer.MPI, peer.NCCL, peer.CUDA, Strategy(99), nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
