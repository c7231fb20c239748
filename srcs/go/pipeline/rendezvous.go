package pipeline

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/header"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// headerTag distinguishes header traffic from any other point-to-point
// traffic sharing the same MPI communicator. The spec ties the tag to
// "the current gradient count"; any value both sides agree on works, so
// callers pass the count of gradients in this iteration's reduction.
const headerBaseTag = 0x4844 // "HD"

func headerTag(numGradients int) int { return headerBaseTag + numGradients }

// NewRecvHeaderBuffers allocates the main rank's world_size-1 receive-header
// slots at lazy init time (spec §3 lifecycle, invariant 4), sized for
// numEvalNodes. Non-main ranks and world_size==1 clusters need none.
func NewRecvHeaderBuffers(worldSize int, numEvalNodes uint32) [][]byte {
	if worldSize <= 1 {
		return nil
	}
	wireSize := header.WireSize(numEvalNodes)
	bufs := make([][]byte, worldSize-1)
	for i := range bufs {
		bufs[i] = make([]byte, wireSize)
	}
	return bufs
}

// RunHeaderRendezvous exchanges and aggregates the per-rank statistics
// header (spec §4.3). Non-main ranks send their local header, wait for
// the send to complete, then take part in the closing broadcast and
// replace local with its result. The main rank receives one header per peer,
// in completion order, folding each into local via Aggregate, then
// broadcasts the fully aggregated header to everyone as a fixed-size
// byte blob so every rank observes identical statistics. recvBufs is the
// main rank's preallocated receive-header array from NewRecvHeaderBuffers;
// ignored on non-main ranks.
func RunHeaderRendezvous(mpi transport.MPI, local *header.Header, numGradients int, recvBufs [][]byte) error {
	tag := headerTag(numGradients)

	if !mpi.IsMainNode() {
		buf, err := local.MarshalBinary()
		if err != nil {
			return err
		}
		req, err := mpi.ISend(buf, mpi.MainRank(), tag)
		if err != nil {
			return err
		}
		if err := mpi.Wait(req); err != nil {
			return err
		}
		return broadcastAggregated(mpi, local)
	}

	numPeers := mpi.NumNodesInUse() - 1
	if numPeers <= 0 {
		return broadcastAggregated(mpi, local)
	}
	if len(recvBufs) != numPeers {
		return fmt.Errorf("pipeline: RunHeaderRendezvous: recvBufs has %d slots, want %d", len(recvBufs), numPeers)
	}

	bufs := recvBufs
	reqs := make([]transport.Request, numPeers)

	peer := 0
	for rank := 0; rank < mpi.NumNodesInUse(); rank++ {
		if rank == mpi.MainRank() {
			continue
		}
		req, err := mpi.IRecv(bufs[peer], rank, tag)
		if err != nil {
			return err
		}
		reqs[peer] = req
		peer++
	}

	remaining := append([]transport.Request(nil), reqs...)
	remainingBufs := append([][]byte(nil), bufs...)
	for len(remaining) > 0 {
		idx, err := mpi.WaitAny(remaining)
		if err != nil {
			return err
		}
		other, err := header.Decode(remainingBufs[idx])
		if err != nil {
			return err
		}
		if err := local.Aggregate(other, true); err != nil {
			return err
		}
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remainingBufs = append(remainingBufs[:idx], remainingBufs[idx+1:]...)
	}

	return broadcastAggregated(mpi, local)
}

func broadcastAggregated(mpi transport.MPI, local *header.Header) error {
	buf, err := local.MarshalBinary()
	if err != nil {
		return err
	}
	if err := mpi.Bcast(buf, mpi.MainRank()); err != nil {
		return err
	}
	if mpi.IsMainNode() {
		return nil
	}
	decoded, err := header.Decode(buf)
	if err != nil {
		return err
	}
	return local.SwapWith(decoded)
}
