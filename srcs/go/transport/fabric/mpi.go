package fabric

import (
	"fmt"
	"sync"

	"github.com/lsds/gradagg/srcs/go/log"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// MPIPeer is one rank's transport.MPI view of a Cluster.
//
// reduceSeq/gatherSeq/bcastSeq are this rank's own local counters of how
// many calls of each collective family it has issued. They are what let
// the cluster's barriers pair up calls without an explicit tag: rank r's
// Kth reduce-family call always rendezvous with every other rank's Kth
// reduce-family call, because every rank runs the same pipeline code in
// the same order.
type MPIPeer struct {
	cluster *Cluster
	rank    int

	seqMu     sync.Mutex
	reduceSeq int
	gatherSeq int
	bcastSeq  int
}

var _ transport.MPI = (*MPIPeer)(nil)

func (p *MPIPeer) IsMainNode() bool   { return p.rank == p.cluster.mainRank }
func (p *MPIPeer) NumNodesInUse() int { return p.cluster.size }
func (p *MPIPeer) CurrentRank() int   { return p.rank }
func (p *MPIPeer) MainRank() int      { return p.cluster.mainRank }
func (p *MPIPeer) UseGPUGDR() bool    { return p.cluster.useGDR }

type request struct {
	id   string
	done chan error
}

func newCompletedRequest(err error) *request {
	r := &request{id: newRequestID(), done: make(chan error, 1)}
	r.done <- err
	return r
}

func (r *request) wait() error { return <-r.done }

func (p *MPIPeer) ISend(buf []byte, dest int, tag int) (transport.Request, error) {
	p.cluster.Calls.incr(&p.cluster.Calls.ISend)
	ch := p.cluster.chanFor(sendKey{dest: dest, tag: tag})
	cp := make([]byte, len(buf))
	copy(cp, buf)
	ch <- cp
	req := newCompletedRequest(nil)
	log.Debugf("fabric: rank %d isend req=%s dest=%d tag=%d bytes=%d", p.rank, req.id, dest, tag, len(buf))
	return req, nil
}

func (p *MPIPeer) IRecv(buf []byte, source int, tag int) (transport.Request, error) {
	p.cluster.Calls.incr(&p.cluster.Calls.IRecv)
	ch := p.cluster.chanFor(sendKey{dest: p.rank, tag: tag})
	r := &request{id: newRequestID(), done: make(chan error, 1)}
	log.Debugf("fabric: rank %d irecv req=%s source=%d tag=%d bytes=%d", p.rank, r.id, source, tag, len(buf))
	go func() {
		data := <-ch
		if len(data) != len(buf) {
			r.done <- wrapFabricErr("irecv", fmt.Errorf("size mismatch from rank %d: got %d want %d", source, len(data), len(buf)))
			return
		}
		copy(buf, data)
		r.done <- nil
	}()
	return r, nil
}

func (p *MPIPeer) Wait(req transport.Request) error {
	r, ok := req.(*request)
	if !ok {
		return fmt.Errorf("fabric: Wait called with foreign request type %T", req)
	}
	return r.wait()
}

func (p *MPIPeer) WaitAny(reqs []transport.Request) (int, error) {
	// Simulated fabric completions are effectively immediate, so polling
	// in submission order still honors "completion order, not rank
	// order" (spec §4.3): whichever request is actually done is returned
	// first, ties broken by index.
	for {
		for idx, req := range reqs {
			r, ok := req.(*request)
			if !ok {
				return -1, fmt.Errorf("fabric: WaitAny called with foreign request type %T", req)
			}
			select {
			case err := <-r.done:
				return idx, err
			default:
			}
		}
	}
}

func (p *MPIPeer) AllReduce(buf []float32, op transport.ReduceOp) error {
	p.cluster.Calls.incr(&p.cluster.Calls.MPIAllReduce)
	return p.reduceWithID(p.nextReduceID(), buf, op)
}

func (p *MPIPeer) reduceWithID(id int, buf []float32, op transport.ReduceOp) error {
	return p.cluster.reduceBarrierFor(id).run(p.rank, buf, op)
}

// IAllReduce takes its barrier sequence number synchronously, before
// spawning the completion goroutine. That ordering matters: if the ID
// were taken inside the goroutine, the Go scheduler could run two ranks'
// goroutines in different relative orders and hand out mismatched IDs for
// what should be the same logical call, corrupting the barrier pairing
// (see the MPIPeer doc comment).
func (p *MPIPeer) IAllReduce(send, recv []float32, op transport.ReduceOp) (transport.Request, error) {
	if len(send) != len(recv) {
		return nil, fmt.Errorf("fabric: IAllReduce send/recv length mismatch: %d vs %d", len(send), len(recv))
	}
	copy(recv, send)
	p.cluster.Calls.incr(&p.cluster.Calls.MPIAllReduce)
	id := p.nextReduceID()
	r := &request{id: newRequestID(), done: make(chan error, 1)}
	go func() {
		r.done <- p.reduceWithID(id, recv, op)
	}()
	return r, nil
}

func (p *MPIPeer) AllGather(src []float32, dst []float32) error {
	p.cluster.Calls.incr(&p.cluster.Calls.AllGather)
	return p.gatherWithID(p.nextGatherID(), src, dst)
}

func (p *MPIPeer) gatherWithID(id int, src, dst []float32) error {
	return p.cluster.gatherBarrierFor(id).run(p.rank, src, dst)
}

// IAllGather takes its barrier sequence number synchronously; see IAllReduce.
func (p *MPIPeer) IAllGather(src, dst []float32) (transport.Request, error) {
	p.cluster.Calls.incr(&p.cluster.Calls.AllGather)
	id := p.nextGatherID()
	r := &request{id: newRequestID(), done: make(chan error, 1)}
	go func() {
		r.done <- p.gatherWithID(id, src, dst)
	}()
	return r, nil
}

func (p *MPIPeer) Bcast(buf []byte, root int) error {
	p.cluster.Calls.incr(&p.cluster.Calls.Bcast)
	id := p.nextBcastID()
	return p.cluster.bcastBarrierFor(id).run(p.rank, root, buf)
}

// nextReduceID/nextGatherID/nextBcastID hand out this rank's next
// sequence number for each collective family; see the MPIPeer doc comment.
func (p *MPIPeer) nextReduceID() int {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	id := p.reduceSeq
	p.reduceSeq++
	return id
}

func (p *MPIPeer) nextGatherID() int {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	id := p.gatherSeq
	p.gatherSeq++
	return id
}

func (p *MPIPeer) nextBcastID() int {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	id := p.bcastSeq
	p.bcastSeq++
	return id
}
