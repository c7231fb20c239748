// Package fabrictest provides a reusable battery of correctness checks
// against the fabric package's simulated transport, in the style of
// unixpickle-dist-sys/allreduce's RunAllreducerTests: spin up one
// goroutine per rank, drive them concurrently through the collective
// under test, then check every rank landed on the same, arithmetically
// correct answer.
package fabrictest

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
	"github.com/lsds/gradagg/srcs/go/transport/fabric"
)

// RunTransportEquivalenceTests checks that useNCCL selects a transport
// whose all-reduce is elementwise-sum-correct and rank-commutative,
// across a range of cluster sizes and vector lengths. Passing useNCCL
// true vs false over the same cases is how callers confirm the fabric's
// NCCL and MPI all-reduce agree (spec §8, "path equivalence"). It calls
// the facades' AllReduce directly; pipeline.Reduce and its staged and
// direct-GPU strategies are not exercised here.
func RunTransportEquivalenceTests(t *testing.T, useNCCL bool) {
	for _, numRanks := range []int{1, 2, 3, 8} {
		for _, size := range []int{1, 127} {
			name := fmt.Sprintf("Ranks=%d,Size=%d,NCCL=%v", numRanks, size, useNCCL)
			t.Run(name, func(t *testing.T) {
				cluster := fabric.NewCluster(numRanks, fabric.Options{NCCLSupported: useNCCL})

				vectors := make([][]float32, numRanks)
				want := make([]float32, size)
				for r := 0; r < numRanks; r++ {
					vectors[r] = make([]float32, size)
					for j := 0; j < size; j++ {
						vectors[r][j] = float32(rand.NormFloat64())
						want[j] += vectors[r][j]
					}
				}

				results := make([][]float32, numRanks)
				var wg sync.WaitGroup
				for r := 0; r < numRanks; r++ {
					r := r
					wg.Add(1)
					go func() {
						defer wg.Done()
						peer := cluster.Peer(r, tensor.CPU)
						buf := make([]float32, size)
						copy(buf, vectors[r])
						var err error
						if useNCCL {
							src := tensor.NewDenseFrom(buf, 1, size, tensor.CPU)
							dst := tensor.NewDense(1, size, tensor.CPU)
							err = peer.NCCL.AllReduce(src, dst, transport.Sum)
							results[r] = dst.Data()
						} else {
							err = peer.MPI.AllReduce(buf, transport.Sum)
							results[r] = buf
						}
						if err != nil {
							t.Errorf("rank %d: %v", r, err)
						}
					}()
				}
				wg.Wait()

				for r, got := range results {
					if len(got) != size {
						t.Fatalf("rank %d: result length %d, want %d", r, len(got), size)
					}
					for j, v := range got {
						if math.Abs(float64(v-want[j])) > 1e-3 {
							t.Errorf("rank %d component %d: got %f want %f", r, j, v, want[j])
						}
					}
				}
			})
		}
	}
}
