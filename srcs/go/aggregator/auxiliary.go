package aggregator

import (
	"github.com/lsds/gradagg/srcs/go/log"
	"github.com/lsds/gradagg/srcs/go/pipeline"
	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// DistributedCheck all-gathers each rank's minibatch size and confirms
// every rank agrees, as a sanity check before entering aggregation. It
// reports false rather than erroring on a genuine mismatch: that is a
// data-parallel configuration problem for the caller to act on, not a
// programmer bug internal to this package.
func (c *Controller) DistributedCheck(minibatchSize int) (bool, error) {
	n := c.mpi.NumNodesInUse()
	if n == 1 {
		return true, nil
	}
	src := []float32{float32(minibatchSize)}
	dst := make([]float32, n)
	if err := c.mpi.AllGather(src, dst); err != nil {
		return false, wrapTransportErr(err)
	}
	for _, v := range dst[1:] {
		if v != dst[0] {
			log.Warnf("aggregator: minibatch size mismatch across ranks: %v", dst)
			return false, nil
		}
	}
	return true, nil
}

// DistributedInit eagerly allocates the two pinned staging buffers used by
// DistributedAllGather/DistributedAllReduce's staged-pipeline branch,
// ahead of the first call, so their cost is not attributed to whichever
// iteration happens to call them first. The buffers are retained on the
// Controller and reused for every later call rather than freed here
// (ground truth: m_intermediateDistributedCPUBuffer1/2, allocated once by
// DistributedInit and kept for the object's lifetime).
func (c *Controller) DistributedInit(bufferSize int) error {
	if err := c.cuda.SetDevice(c.deviceID); err != nil {
		return wrapTransportErr(err)
	}
	a, err := c.cuda.PinnedAlloc(bufferSize)
	if err != nil {
		return wrapTransportErr(err)
	}
	b, err := c.cuda.PinnedAlloc(bufferSize)
	if err != nil {
		c.cuda.PinnedFree(a)
		return wrapTransportErr(err)
	}
	c.cuda.PinnedFree(c.distBuf1)
	c.cuda.PinnedFree(c.distBuf2)
	c.distBuf1 = a
	c.distBuf2 = b
	return nil
}

// DistributedAllGather is the single-tensor auxiliary variant of the
// pipeline (spec §4.6): it selects a transport the same way Aggregate
// does, but drives one gather instead of a reduction. On the
// staged-pipeline branch (non-NCCL, non-GDR, GPU device) it stages
// through the pinned buffers DistributedInit allocated rather than
// handing device pointers to MPI directly.
func (c *Controller) DistributedAllGather(source, dest tensor.GradientTensor) error {
	strategy, err := pipeline.Select(c.nccl.IsSupported(), c.mpi.UseGPUGDR(), c.deviceID)
	if err != nil {
		return logicErrorf("%v", err)
	}
	switch strategy {
	case pipeline.NCCLBatched:
		return wrapTransportErr(c.nccl.AllGather(source, dest))
	case pipeline.StagedPipeline:
		return wrapTransportErr(c.stagedAllGather(source, dest))
	default:
		return wrapTransportErr(c.mpi.AllGather(source.Data(), dest.Data()))
	}
}

// DistributedAllReduce is the single-tensor auxiliary variant of the
// pipeline used by algorithms outside gradient aggregation (e.g.
// statistics synchronization): same four-branch selection as Aggregate,
// but op is caller-chosen rather than always Sum, so it goes straight to
// the selected transport instead of through pipeline.Reduce (which is
// specialized to the gradient-aggregation Sum case).
func (c *Controller) DistributedAllReduce(t tensor.GradientTensor, op transport.ReduceOp) error {
	strategy, err := pipeline.Select(c.nccl.IsSupported(), c.mpi.UseGPUGDR(), c.deviceID)
	if err != nil {
		return logicErrorf("%v", err)
	}
	switch strategy {
	case pipeline.NCCLBatched:
		return wrapTransportErr(c.nccl.AllReduce(t, t, op))
	case pipeline.StagedPipeline:
		return wrapTransportErr(c.stagedAllReduce(t, op))
	default:
		return wrapTransportErr(c.mpi.AllReduce(t.Data(), op))
	}
}

// stagedAllGather copies source down to the first pinned buffer, gathers
// on the host, and copies the gathered result back up into dest.
func (c *Controller) stagedAllGather(source, dest tensor.GradientTensor) error {
	in := c.distBuf1[:source.NumElements()]
	out := c.distBuf2[:dest.NumElements()]
	if err := c.cuda.MemcpyD2H(in, source); err != nil {
		return err
	}
	if err := c.mpi.AllGather(in, out); err != nil {
		return err
	}
	return c.cuda.MemcpyH2D(dest, out)
}

// stagedAllReduce copies t down to the first pinned buffer, all-reduces
// in place on the host, and copies the result back up into t.
func (c *Controller) stagedAllReduce(t tensor.GradientTensor, op transport.ReduceOp) error {
	buf := c.distBuf1[:t.NumElements()]
	if err := c.cuda.MemcpyD2H(buf, t); err != nil {
		return err
	}
	if err := c.mpi.AllReduce(buf, op); err != nil {
		return err
	}
	return c.cuda.MemcpyH2D(t, buf)
}
