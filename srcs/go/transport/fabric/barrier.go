package fabric

import (
	"sync"

	"github.com/lsds/gradagg/srcs/go/transport"
)

// reduceBarrier rendezvous-reduces one float32 vector contributed by every
// rank. Barriers are looked up by a per-rank sequence number rather than
// an explicit tag: because every rank executes the same pipeline code in
// the same order, the Nth reduce-class call on any rank always pairs with
// the Nth reduce-class call on every other rank, regardless of wall-clock
// arrival order.
type reduceBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int
	bufs    [][]float32
}

func newReduceBarrier(size int) *reduceBarrier {
	b := &reduceBarrier{size: size, bufs: make([][]float32, size)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *reduceBarrier) run(rank int, buf []float32, op transport.ReduceOp) error {
	b.mu.Lock()
	myGen := b.gen
	b.bufs[rank] = buf
	b.arrived++
	if b.arrived == b.size {
		reduceInPlace(b.bufs, op)
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return nil
	}
	for b.gen == myGen {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return nil
}

func reduceInPlace(bufs [][]float32, op transport.ReduceOp) {
	n := len(bufs[0])
	result := make([]float32, n)
	switch op {
	case transport.Min:
		copy(result, bufs[0])
		for _, b := range bufs[1:] {
			for i, v := range b {
				if v < result[i] {
					result[i] = v
				}
			}
		}
	case transport.Max:
		copy(result, bufs[0])
		for _, b := range bufs[1:] {
			for i, v := range b {
				if v > result[i] {
					result[i] = v
				}
			}
		}
	case transport.Prod:
		for i := range result {
			result[i] = 1
		}
		for _, b := range bufs {
			for i, v := range b {
				result[i] *= v
			}
		}
	default: // Sum
		for _, b := range bufs {
			for i, v := range b {
				result[i] += v
			}
		}
	}
	for _, b := range bufs {
		copy(b, result)
	}
}

// gatherBarrier rendezvous-concatenates one float32 shard per rank, in
// rank order, into every rank's destination buffer.
type gatherBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int
	srcs    [][]float32
	dsts    [][]float32
}

func newGatherBarrier(size int) *gatherBarrier {
	b := &gatherBarrier{
		size: size,
		srcs: make([][]float32, size),
		dsts: make([][]float32, size),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *gatherBarrier) run(rank int, src, dst []float32) error {
	b.mu.Lock()
	myGen := b.gen
	b.srcs[rank] = src
	b.dsts[rank] = dst
	b.arrived++
	if b.arrived == b.size {
		off := 0
		for _, s := range b.srcs {
			for _, d := range b.dsts {
				copy(d[off:off+len(s)], s)
			}
			off += len(s)
		}
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return nil
	}
	for b.gen == myGen {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return nil
}

// bcastBarrier rendezvous-broadcasts one byte payload from root to every
// rank.
type bcastBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int
	payload []byte
	bufs    map[int][]byte
}

func newBcastBarrier(size int) *bcastBarrier {
	b := &bcastBarrier{size: size, bufs: make(map[int][]byte)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bcastBarrier) run(rank, root int, buf []byte) error {
	b.mu.Lock()
	myGen := b.gen
	b.bufs[rank] = buf
	if rank == root {
		b.payload = buf
	}
	b.arrived++
	if b.arrived == b.size {
		for r, buf := range b.bufs {
			if r != root {
				copy(buf, b.payload)
			}
		}
		b.bufs = make(map[int][]byte)
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return nil
	}
	for b.gen == myGen {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return nil
}
