// Package transport declares the MPI, NCCL, and CUDA facades the
// aggregator consumes. These are thin interfaces over external
// collaborators; the aggregator never implements a real collective
// library itself (spec §6: "no wire format is owned by the aggregator").
// See srcs/go/transport/fabric for a deterministic in-process
// implementation used by tests and the bench command.
package transport

import (
	"github.com/lsds/gradagg/srcs/go/tensor"
)

// ReduceOp mirrors the reduction operator passed to a collective. Gradient
// aggregation only ever uses Sum (spec §4.2: "no scaling"); the auxiliary
// Controller.DistributedAllReduce passes through a caller-chosen op.
type ReduceOp int32

const (
	Sum ReduceOp = iota
	Min
	Max
	Prod
)

// Request is an opaque handle to a pending non-blocking MPI operation.
type Request interface{}

// MPI is the facade over a message-passing fabric: rank topology plus
// point-to-point and collective primitives operating on flat byte buffers
// (headers) or float32 slices (gradients).
type MPI interface {
	IsMainNode() bool
	NumNodesInUse() int
	CurrentRank() int
	MainRank() int
	UseGPUGDR() bool

	ISend(buf []byte, dest int, tag int) (Request, error)
	IRecv(buf []byte, source int, tag int) (Request, error)
	Wait(req Request) error
	// WaitAny blocks until any of reqs completes and returns its index.
	WaitAny(reqs []Request) (int, error)

	AllReduce(buf []float32, op ReduceOp) error
	IAllReduce(send, recv []float32, op ReduceOp) (Request, error)
	AllGather(src []float32, dst []float32) error
	IAllGather(src, dst []float32) (Request, error)
	Bcast(buf []byte, root int) error
}

// NCCL is the facade over a GPU collective-communication library.
type NCCL interface {
	IsSupported() bool
	// AllReduceTensors submits a batched all-reduce over every tensor in
	// one collective call (spec §4.2 NCCL branch).
	AllReduceTensors(tensors []tensor.GradientTensor) error
	AllGather(src, dst tensor.GradientTensor) error
	AllReduce(src, dst tensor.GradientTensor, op ReduceOp) error
	Sync() error
}

// CopyHandle is an opaque handle to a pending async CUDA copy.
type CopyHandle interface{}

// Event is an opaque handle to a CUDA stream event.
type Event interface{}

// CUDA is the facade over device memory management and stream
// synchronization.
type CUDA interface {
	SetDevice(id tensor.Device) error

	PinnedAlloc(n int) ([]float32, error)
	PinnedFree(buf []float32)

	MemcpyD2H(dst []float32, src tensor.GradientTensor) error
	MemcpyH2D(dst tensor.GradientTensor, src []float32) error

	CopyGPUToCPUAsync(dst []float32, src tensor.GradientTensor) (CopyHandle, error)
	CopyCPUToGPUAsync(dst tensor.GradientTensor, src []float32) (CopyHandle, error)
	WaitForCopy(h CopyHandle) error

	// RecordComputeEvent records an event on the main compute stream so
	// the reduction goroutine can wait for producing kernels to finish
	// before reading gradients (spec §5).
	RecordComputeEvent() (Event, error)
	SyncEvent(e Event) error
}
