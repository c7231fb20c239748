package fabric

import (
	"sync"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// NCCLPeer is one rank's transport.NCCL view of a Cluster.
type NCCLPeer struct {
	cluster *Cluster
	rank    int

	seqMu     sync.Mutex
	reduceSeq int
	gatherSeq int
}

var _ transport.NCCL = (*NCCLPeer)(nil)

func (p *NCCLPeer) IsSupported() bool { return p.cluster.ncclSupported }

// AllReduceTensors submits every tensor's data as one batched collective:
// each tensor still rendezvous through its own reduceBarrier (so
// per-position pairing across ranks stays correct), but they are all
// issued back-to-back without any intervening CUDA staging, matching the
// "submit every standalone tensor plus the packed buffer as one batched
// all-reduce" NCCL branch at the granularity this fabric can express
// without a real batched-collective API.
func (p *NCCLPeer) AllReduceTensors(tensors []tensor.GradientTensor) error {
	for _, t := range tensors {
		p.cluster.Calls.incr(&p.cluster.Calls.NCCLAllReduce)
		id := p.nextReduceID()
		if err := p.cluster.reduceBarrierFor(id).run(p.rank, t.Data(), transport.Sum); err != nil {
			return err
		}
	}
	return nil
}

func (p *NCCLPeer) AllGather(src, dst tensor.GradientTensor) error {
	p.cluster.Calls.incr(&p.cluster.Calls.AllGather)
	id := p.nextGatherID()
	return p.cluster.gatherBarrierFor(id).run(p.rank, src.Data(), dst.Data())
}

func (p *NCCLPeer) AllReduce(src, dst tensor.GradientTensor, op transport.ReduceOp) error {
	if err := dst.AssignValuesOf(src); err != nil {
		return err
	}
	p.cluster.Calls.incr(&p.cluster.Calls.NCCLAllReduce)
	id := p.nextReduceID()
	return p.cluster.reduceBarrierFor(id).run(p.rank, dst.Data(), op)
}

// Sync is a no-op: the fabric's collectives already block until the
// collective completes, so there is no stream to drain.
func (p *NCCLPeer) Sync() error { return nil }

func (p *NCCLPeer) nextReduceID() int {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	id := p.reduceSeq
	p.reduceSeq++
	return id
}

func (p *NCCLPeer) nextGatherID() int {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	id := p.gatherSeq
	p.gatherSeq++
	return id
}
