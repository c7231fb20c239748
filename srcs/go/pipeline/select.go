// Package pipeline drives the reduction of one iteration's gradients and
// the header rendezvous that runs alongside it. It owns the four-branch
// transport-selection state machine and the staged-copy algorithm for the
// GPU-without-GDR case.
package pipeline

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/tensor"
)

// Strategy names one of the four reduction paths a rank can take for a
// given call. Which one applies is a pure function of three booleans, so
// it is computed once by Select rather than re-derived with scattered
// conditionals inside the pipeline.
type Strategy int32

const (
	NCCLBatched Strategy = iota
	StagedPipeline
	DirectGPU
	NonBlockingCPU
)

func (s Strategy) String() string {
	switch s {
	case NCCLBatched:
		return "nccl-batched"
	case StagedPipeline:
		return "staged-pipeline"
	case DirectGPU:
		return "direct-gpu"
	case NonBlockingCPU:
		return "non-blocking-cpu"
	default:
		return fmt.Sprintf("Strategy(%d)", int32(s))
	}
}

// Select is the single state-machine function for the branch table:
//
//	nccl_supported                                -> NCCLBatched
//	!nccl_supported && !use_gdr && device==GPU    -> StagedPipeline
//	!nccl_supported &&  use_gdr && device==GPU    -> DirectGPU
//	!nccl_supported && device==CPU                -> NonBlockingCPU
//
// The branches are exhaustive over the three inputs; reaching the default
// case means a predicate combination the table does not define, which is
// a programmer error rather than a transport condition.
func Select(ncclSupported, useGDR bool, deviceID tensor.Device) (Strategy, error) {
	switch {
	case ncclSupported:
		return NCCLBatched, nil
	case !ncclSupported && !useGDR && deviceID != tensor.CPU:
		return StagedPipeline, nil
	case !ncclSupported && useGDR && deviceID != tensor.CPU:
		return DirectGPU, nil
	case !ncclSupported && deviceID == tensor.CPU:
		return NonBlockingCPU, nil
	default:
		return 0, fmt.Errorf("pipeline: unreachable branch in transport selector: nccl=%v gdr=%v device=%v", ncclSupported, useGDR, deviceID)
	}
}
