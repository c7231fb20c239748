// Package aggregator implements the per-rank distributed gradient
// aggregator: the entry point a training loop calls once per iteration to
// reduce gradients and statistics across all ranks, synchronously or with
// one iteration of latency hidden behind the next minibatch's compute.
package aggregator

import (
	"sync"

	"github.com/lsds/gradagg/srcs/go/header"
	"github.com/lsds/gradagg/srcs/go/log"
	"github.com/lsds/gradagg/srcs/go/pack"
	"github.com/lsds/gradagg/srcs/go/pipeline"
	"github.com/lsds/gradagg/srcs/go/shadow"
	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// Params are the constructor-time parameters the aggregator is configured
// with once per rank at training start (spec §3 lifecycle; spec §6 "no
// CLI, no environment variables, no persisted state").
type Params struct {
	MPI  transport.MPI
	NCCL transport.NCCL
	CUDA transport.CUDA

	DeviceID           tensor.Device
	Async              bool
	PackThresholdBytes int

	// StatsTraceInterval, if > 0, logs this rank's header, as submitted and
	// before it is aggregated, on every Nth call to Aggregate on a
	// multi-rank cluster. Zero disables tracing.
	StatsTraceInterval int

	PackAlloc   pack.Alloc
	ShadowAlloc shadow.Alloc
}

// Controller is the per-rank aggregator instance. Create one with New per
// rank at training start; it lazily allocates its packed buffer, shadow
// table, and receive-header slots on the first call to Aggregate.
type Controller struct {
	mpi  transport.MPI
	nccl transport.NCCL
	cuda transport.CUDA

	deviceID           tensor.Device
	async              bool
	packThresholdBytes int
	statsTraceInterval int
	packAlloc          pack.Alloc
	shadowAlloc        shadow.Alloc

	mu             sync.Mutex
	initialized    bool
	numGradients   int
	indexSet       *pack.IndexSet
	packedBuffer   *pack.Buffer
	doubleBuffer   *shadow.DoubleBuffer
	recvHeaderBufs [][]byte
	pending        chan error
	iterations     uint64

	strategy       pipeline.Strategy
	stagingBuffers [][]float32

	distBuf1, distBuf2 []float32
}

func New(p Params) *Controller {
	return &Controller{
		mpi:                p.MPI,
		nccl:               p.NCCL,
		cuda:               p.CUDA,
		deviceID:           p.DeviceID,
		async:              p.Async,
		packThresholdBytes: p.PackThresholdBytes,
		statsTraceInterval: p.StatsTraceInterval,
		packAlloc:          p.PackAlloc,
		shadowAlloc:        p.ShadowAlloc,
	}
}

// Aggregate reduces gradients (elementwise sum) across every rank and
// folds header into the cluster-wide aggregated statistics. It returns
// true iff any rank processed a nonzero number of samples; in async mode
// this means a reduction task was dispatched, not that it has completed.
//
// On the sync path, gradients and header hold the final reduced values
// when Aggregate returns. On the async path they are swapped with the
// shadow table and hold whatever the previous iteration's reduction
// produced (or zero, on the very first dispatch).
func (c *Controller) Aggregate(gradients []tensor.GradientTensor, hdr *header.Header, resetState bool) (bool, error) {
	for i, g := range gradients {
		if g.Kind() != tensor.DenseKind {
			return false, logicErrorf("sparse gradient tensor submitted at position %d", i)
		}
	}

	if c.mpi.NumNodesInUse() == 1 {
		return hdr.NumSamples != 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if resetState && c.pending != nil {
		return false, logicErrorf("reset_state requested while a prior async task is still pending")
	}

	if !c.initialized || resetState {
		if err := c.lazyInit(gradients, hdr); err != nil {
			return false, err
		}
	}
	if resetState && c.doubleBuffer != nil {
		c.doubleBuffer.Zero()
	}

	c.iterations++
	if c.statsTraceInterval > 0 && c.iterations%uint64(c.statsTraceInterval) == 0 {
		log.Infof("aggregator: iteration %d samples=%d criterion=%f", c.iterations, hdr.NumSamples, hdr.Criterion)
	}

	if !c.async {
		if err := c.runPipeline(gradients, hdr); err != nil {
			return false, err
		}
		return hdr.NumSamples != 0, nil
	}

	return c.aggregateAsync(gradients, hdr, resetState)
}

// lazyInit classifies gradients, allocates the shared packed buffer (with
// fallback to all-standalone if allocation fails), the shadow table in
// async mode, the main rank's receive-header slots, and — if the transport
// selector lands on the staged-pipeline branch — the pinned host staging
// buffers that branch copies through on every iteration. The staging
// buffers are sized and allocated once here, through the CUDA facade, and
// reused for the lifetime of the controller rather than allocated fresh
// per call (ground truth: m_intermediateCPUBuffers, allocated once and
// reused via GPUDataTransferer).
func (c *Controller) lazyInit(gradients []tensor.GradientTensor, hdr *header.Header) error {
	c.numGradients = len(gradients)
	c.indexSet = pack.Classify(gradients, c.packThresholdBytes, c.async)

	buf, err := pack.NewBuffer(c.indexSet, gradients, c.packAlloc)
	if err != nil {
		log.Warnf("aggregator: packed buffer allocation failed, falling back to standalone: %v", err)
		c.indexSet = pack.Classify(gradients, c.packThresholdBytes, true)
		c.packedBuffer = nil
	} else {
		c.packedBuffer = buf
	}

	if c.async {
		c.doubleBuffer = shadow.NewDoubleBuffer(gradients, hdr.NumEvalNodes(), c.shadowAlloc)
	}

	if c.mpi.IsMainNode() {
		c.recvHeaderBufs = pipeline.NewRecvHeaderBuffers(c.mpi.NumNodesInUse(), hdr.NumEvalNodes())
	}

	strategy, err := pipeline.Select(c.nccl.IsSupported(), c.mpi.UseGPUGDR(), c.deviceID)
	if err != nil {
		return logicErrorf("%v", err)
	}
	c.strategy = strategy

	for _, b := range c.stagingBuffers {
		c.cuda.PinnedFree(b)
	}
	c.stagingBuffers = nil
	if strategy == pipeline.StagedPipeline {
		tensors := c.orderedTensors(gradients)
		bufs := make([][]float32, len(tensors))
		for i, t := range tensors {
			b, err := c.cuda.PinnedAlloc(t.NumElements())
			if err != nil {
				return wrapTransportErr(err)
			}
			bufs[i] = b
		}
		c.stagingBuffers = bufs
	}

	c.initialized = true
	return nil
}

// orderedTensors returns the tensors to hand to pipeline.Reduce, in the
// order that pairs correctly across ranks: the packed buffer (if any) as
// standalone element zero, followed by the genuinely standalone gradients
// in position order (spec §3: "NONE prepended ... packed buffer is
// reduced as standalone element zero").
func (c *Controller) orderedTensors(gradients []tensor.GradientTensor) []tensor.GradientTensor {
	out := make([]tensor.GradientTensor, 0, len(c.indexSet.StandalonePositions))
	if c.packedBuffer != nil {
		out = append(out, c.packedBuffer.Shared())
	}
	for _, pos := range c.indexSet.StandalonePositions {
		if pos.IsNone() {
			continue
		}
		out = append(out, gradients[pos])
	}
	return out
}

// runPipeline packs, reduces, and unpacks gradients while the header
// rendezvous runs concurrently, so header arrival overlaps with gradient
// reduction (spec §4.2 "concurrent header rendezvous"). If this rank
// processed zero samples this iteration, its own gradients are zeroed
// before they enter the reduction, so they contribute nothing to the sum
// while still participating in it (ground truth zeros in place rather
// than skipping the call: SimpleDistGradAggregator.h's AggregateGradientsImpl).
func (c *Controller) runPipeline(gradients []tensor.GradientTensor, hdr *header.Header) error {
	if hdr.NumSamples == 0 {
		zeroGradients(gradients)
	}

	if c.packedBuffer != nil {
		if err := c.packedBuffer.Pack(); err != nil {
			return logicErrorf("%v", err)
		}
	}

	tensors := c.orderedTensors(gradients)

	headerDone := make(chan error, 1)
	go func() {
		headerDone <- pipeline.RunHeaderRendezvous(c.mpi, hdr, len(gradients), c.recvHeaderBufs)
	}()

	reduceErr := pipeline.Reduce(c.mpi, c.nccl, c.cuda, c.strategy, tensors, c.stagingBuffers)
	headerErr := <-headerDone

	if reduceErr != nil {
		return wrapTransportErr(reduceErr)
	}
	if headerErr != nil {
		return wrapTransportErr(headerErr)
	}

	if c.packedBuffer != nil {
		if err := c.packedBuffer.Unpack(); err != nil {
			return logicErrorf("%v", err)
		}
	}
	return nil
}

func zeroGradients(gradients []tensor.GradientTensor) {
	for _, g := range gradients {
		g.SetValue(0)
	}
}

// aggregateAsync implements spec §4.1's async path: wait for any prior
// task, rotate the double buffer, and conditionally launch the next
// reduction as a background task bound to the gradient device.
func (c *Controller) aggregateAsync(gradients []tensor.GradientTensor, hdr *header.Header, resetState bool) (bool, error) {
	if err := c.waitPending(); err != nil {
		return false, err
	}

	shadowGradients, shadowHeader, err := c.doubleBuffer.Swap(gradients, hdr)
	if err != nil {
		return false, logicErrorf("%v", err)
	}

	if shadowHeader.NumSamples == 0 && !resetState {
		return false, nil
	}

	event, err := c.cuda.RecordComputeEvent()
	if err != nil {
		return false, wrapTransportErr(err)
	}

	done := make(chan error, 1)
	c.pending = done
	go c.runAsyncTask(event, shadowGradients, shadowHeader, done)
	return true, nil
}

// runAsyncTask binds the reduction goroutine to the gradient device, waits
// for the producing kernels to finish via the recorded compute event, then
// runs the pipeline over the shadow tensors and header (spec §5).
func (c *Controller) runAsyncTask(event transport.Event, gradients []tensor.GradientTensor, hdr *header.Header, done chan<- error) {
	if err := c.cuda.SetDevice(c.deviceID); err != nil {
		done <- wrapTransportErr(err)
		return
	}
	if err := c.cuda.SyncEvent(event); err != nil {
		done <- wrapTransportErr(err)
		return
	}
	done <- c.runPipeline(gradients, hdr)
}

// waitPending blocks until any previously dispatched async task
// completes, and clears it. A nil pending task returns immediately.
func (c *Controller) waitPending() error {
	if c.pending == nil {
		return nil
	}
	err := <-c.pending
	c.pending = nil
	return err
}
