// Package fabric provides a deterministic, in-process implementation of
// the MPI, NCCL, and CUDA facades (package transport), built from
// goroutines and channels rather than a real network or GPU. It exists so
// the aggregator, the pipeline, and the header rendezvous have something
// real to drive in tests and in cmd/kungfu-agg-bench without cgo bindings
// to an actual MPI/NCCL/CUDA install.
//
// Grounded on the teacher's own peer-to-peer rchannel transport idiom
// (one Go object per rank, addressed collectives) and on
// unixpickle-dist-sys/allreduce's Host/event-loop test harness, which
// plays the same role of standing in for a real network in tests.
package fabric

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lsds/gradagg/srcs/go/tensor"
)

// Calls counts collective invocations, exposed for tests that verify the
// packing optimization collapses k reductions into one (spec §8).
type Calls struct {
	mu            sync.Mutex
	MPIAllReduce  int
	NCCLAllReduce int
	ISend         int
	IRecv         int
	Bcast         int
	AllGather     int
}

func (c *Calls) incr(p *int) {
	c.mu.Lock()
	*p++
	c.mu.Unlock()
}

func (c *Calls) Snapshot() Calls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Calls{
		MPIAllReduce:  c.MPIAllReduce,
		NCCLAllReduce: c.NCCLAllReduce,
		ISend:         c.ISend,
		IRecv:         c.IRecv,
		Bcast:         c.Bcast,
		AllGather:     c.AllGather,
	}
}

// Cluster owns the shared rendezvous state for one simulated run. Create
// one Cluster and call Peer(rank) once per rank to obtain that rank's
// view of it.
type Cluster struct {
	size          int
	mainRank      int
	ncclSupported bool
	useGDR        bool

	Calls Calls

	mu      sync.Mutex
	reduces map[int]*reduceBarrier
	gathers map[int]*gatherBarrier
	bcasts  map[int]*bcastBarrier

	sendMu   sync.Mutex
	sendChan map[sendKey]chan []byte
}

type sendKey struct {
	dest, tag int
}

// Options configures a Cluster's simulated transport capabilities.
type Options struct {
	NCCLSupported bool
	UseGPUGDR     bool
	MainRank      int
}

func NewCluster(size int, opts Options) *Cluster {
	if size <= 0 {
		panic(fmt.Sprintf("fabric: invalid cluster size %d", size))
	}
	return &Cluster{
		size:          size,
		mainRank:      opts.MainRank,
		ncclSupported: opts.NCCLSupported,
		useGDR:        opts.UseGPUGDR,
		reduces:       make(map[int]*reduceBarrier),
		gathers:       make(map[int]*gatherBarrier),
		bcasts:        make(map[int]*bcastBarrier),
		sendChan:      make(map[sendKey]chan []byte),
	}
}

// Peer bundles one rank's MPI, NCCL, and CUDA facade views into the
// cluster. They are separate types, not one object implementing all
// three interfaces, because transport.MPI and transport.NCCL each
// declare their own AllReduce/AllGather with different signatures.
type Peer struct {
	MPI  *MPIPeer
	NCCL *NCCLPeer
	CUDA *CUDAPeer
}

// Peer returns rank's combined facade view into the cluster. device is
// the simulated device ID that rank's tensors live on.
func (c *Cluster) Peer(rank int, device tensor.Device) *Peer {
	if rank < 0 || rank >= c.size {
		panic(fmt.Sprintf("fabric: rank %d out of range [0,%d)", rank, c.size))
	}
	return &Peer{
		MPI:  &MPIPeer{cluster: c, rank: rank},
		NCCL: &NCCLPeer{cluster: c, rank: rank},
		CUDA: &CUDAPeer{cluster: c, rank: rank, device: device},
	}
}

func (c *Cluster) reduceBarrierFor(id int) *reduceBarrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.reduces[id]
	if !ok {
		b = newReduceBarrier(c.size)
		c.reduces[id] = b
	}
	return b
}

func (c *Cluster) gatherBarrierFor(id int) *gatherBarrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.gathers[id]
	if !ok {
		b = newGatherBarrier(c.size)
		c.gathers[id] = b
	}
	return b
}

func (c *Cluster) bcastBarrierFor(id int) *bcastBarrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bcasts[id]
	if !ok {
		b = newBcastBarrier(c.size)
		c.bcasts[id] = b
	}
	return b
}

func (c *Cluster) chanFor(key sendKey) chan []byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ch, ok := c.sendChan[key]
	if !ok {
		ch = make(chan []byte, c.size)
		c.sendChan[key] = ch
	}
	return ch
}

// newRequestID tags each in-flight async operation for diagnostics; replaces
// the teacher's ad hoc string names with a real identifier (spec DOMAIN
// STACK note on github.com/google/uuid).
func newRequestID() string {
	return uuid.New().String()
}

func wrapFabricErr(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("fabric: %s: %w", context, err)
}
