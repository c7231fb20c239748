package pipeline

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// Reduce all-reduces every tensor in order according to strategy. tensors
// is already in the order the caller wants pairwise-paired across ranks:
// the packed buffer, if any, comes first as standalone element zero,
// followed by the genuinely standalone gradients in position order.
// Every rank in the cluster must call Reduce with the same strategy and
// the same tensor count, or the underlying transport will deadlock or
// mismatch sizes — which this package reports as a transport error, not
// something it retries.
//
// staging is only consulted by the StagedPipeline branch: one pinned host
// buffer per tensor, sized to that tensor's element count, owned and
// reused across calls by the caller. A nil staging (or one that doesn't
// match tensors in length) falls back to allocating scratch buffers for
// this call only.
func Reduce(mpi transport.MPI, nccl transport.NCCL, cuda transport.CUDA, strategy Strategy, tensors []tensor.GradientTensor, staging [][]float32) error {
	switch strategy {
	case NCCLBatched:
		return reduceNCCL(nccl, tensors)
	case StagedPipeline:
		return reduceStaged(mpi, cuda, tensors, staging)
	case DirectGPU:
		return reduceDirectGPU(mpi, tensors)
	case NonBlockingCPU:
		return reduceNonBlockingCPU(mpi, tensors)
	default:
		return fmt.Errorf("pipeline: Reduce called with unknown strategy %v", strategy)
	}
}

func reduceNCCL(nccl transport.NCCL, tensors []tensor.GradientTensor) error {
	if err := nccl.AllReduceTensors(tensors); err != nil {
		return err
	}
	return nccl.Sync()
}

func reduceDirectGPU(mpi transport.MPI, tensors []tensor.GradientTensor) error {
	for _, t := range tensors {
		if err := mpi.AllReduce(t.Data(), transport.Sum); err != nil {
			return err
		}
	}
	return nil
}

func reduceNonBlockingCPU(mpi transport.MPI, tensors []tensor.GradientTensor) error {
	reqs := make([]transport.Request, len(tensors))
	for i, t := range tensors {
		buf := t.Data()
		req, err := mpi.IAllReduce(buf, buf, transport.Sum)
		if err != nil {
			return err
		}
		reqs[i] = req
	}
	for _, req := range reqs {
		if err := mpi.Wait(req); err != nil {
			return err
		}
	}
	return nil
}

// reduceStaged implements the staged-pipeline branch (spec §4.2): tensor
// i+1's device-to-host copy overlaps tensor i's all-reduce, which overlaps
// tensor i-1's host-to-device copy, so steady-state per-tensor latency is
// max(copy_down, reduce, copy_up) rather than their sum.
func reduceStaged(mpi transport.MPI, cuda transport.CUDA, tensors []tensor.GradientTensor, staging [][]float32) error {
	n := len(tensors)
	if n == 0 {
		return nil
	}

	slots := staging
	if len(slots) != n {
		slots = make([][]float32, n)
		for i, t := range tensors {
			slots[i] = make([]float32, t.NumElements())
		}
	}

	if err := cuda.MemcpyD2H(slots[0], tensors[0]); err != nil {
		return err
	}

	downHandles := make([]transport.CopyHandle, n)
	upHandles := make([]transport.CopyHandle, 0, n)

	for i := 1; i <= n; i++ {
		if i < n {
			h, err := cuda.CopyGPUToCPUAsync(slots[i], tensors[i])
			if err != nil {
				return err
			}
			downHandles[i] = h
		}

		if h := downHandles[i-1]; h != nil {
			if err := cuda.WaitForCopy(h); err != nil {
				return err
			}
			downHandles[i-1] = nil
		}

		if err := mpi.AllReduce(slots[i-1], transport.Sum); err != nil {
			return err
		}

		h, err := cuda.CopyCPUToGPUAsync(tensors[i-1], slots[i-1])
		if err != nil {
			return err
		}
		upHandles = append(upHandles, h)
	}

	for _, h := range upHandles {
		if err := cuda.WaitForCopy(h); err != nil {
			return err
		}
	}
	return nil
}
