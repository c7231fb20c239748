// Command kungfu-agg-bench drives a simulated multi-rank cluster through
// the gradient aggregator and reports throughput. Every rank runs in its
// own goroutine against srcs/go/transport/fabric rather than a real MPI
// install; grounded on the teacher's tests/go/cmd/kungfu-bench-allreduce.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lsds/gradagg/srcs/go/aggregator"
	"github.com/lsds/gradagg/srcs/go/header"
	"github.com/lsds/gradagg/srcs/go/integrity"
	"github.com/lsds/gradagg/srcs/go/log"
	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport/fabric"
	"github.com/lsds/gradagg/srcs/go/utils"
	"github.com/lsds/gradagg/srcs/go/utils/assert"
	"github.com/unixpickle/essentials"
)

var (
	ranks              = flag.Int("ranks", 4, "simulated rank count")
	gradientSizes      = flag.String("sizes", "8192,8192,8192,262144", "comma-separated element counts, one gradient per entry")
	iterations         = flag.Int("iterations", 20, "")
	warmupIterations   = flag.Int("warmup", 3, "")
	async              = flag.Bool("async", false, "use the async double-buffered path")
	ncclSupported      = flag.Bool("nccl", false, "simulate an NCCL-capable cluster")
	useGPUGDR          = flag.Bool("gdr", false, "simulate GPU-direct RDMA")
	packThresholdBytes = flag.Int("pack-threshold", 32*1024, "")
	verify             = flag.Bool("verify", true, "cross-check a content digest of the reduced gradients across ranks")
)

func main() {
	flag.Parse()

	sizes, err := parseSizes(*gradientSizes)
	if err != nil {
		utils.ExitErr(err)
	}

	cluster := fabric.NewCluster(*ranks, fabric.Options{
		NCCLSupported: *ncclSupported,
		UseGPUGDR:     *useGPUGDR,
		MainRank:      0,
	})

	var wg sync.WaitGroup
	digests := make([][32]byte, *ranks)
	snapshots := make([][]byte, *ranks)
	errs := make([]error, *ranks)
	var elapsed time.Duration
	var mu sync.Mutex

	for r := 0; r < *ranks; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, snap, took, err := runRank(cluster, r, sizes)
			digests[r] = d
			snapshots[r] = snap
			errs[r] = err
			mu.Lock()
			if took > elapsed {
				elapsed = took
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			utils.ExitErr(fmt.Errorf("rank %d: %w", r, err))
		}
	}

	log.Infof("kungfu-agg-bench: final aggregated header snapshot (rank 0) = %s", hex.EncodeToString(snapshots[0]))

	if *verify {
		for r := 1; r < *ranks; r++ {
			assert.True(digests[r] == digests[0])
		}
	}

	total := int64(0)
	for _, n := range sizes {
		total += int64(n)
	}
	bytesMoved := total * 4 * int64(*iterations) * int64(*ranks-1) * 2
	rate := float64(bytesMoved) / elapsed.Seconds() / (1 << 20)
	essentials.Must(printReport(*ranks, *iterations, elapsed, rate))
}

func parseSizes(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, fmt.Errorf("kungfu-agg-bench: invalid size %q: %w", p, err)
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("kungfu-agg-bench: no gradient sizes given")
	}
	return sizes, nil
}

func printReport(ranks, iters int, elapsed time.Duration, rateMiBps float64) error {
	_, err := fmt.Printf("ranks=%d iterations=%d elapsed=%s rate=%.2f MiB/s\n", ranks, iters, elapsed, rateMiBps)
	return err
}

func runRank(cluster *fabric.Cluster, rank int, sizes []int) ([32]byte, []byte, time.Duration, error) {
	peer := cluster.Peer(rank, tensor.CPU)

	gradients := make([]tensor.GradientTensor, len(sizes))
	for i, n := range sizes {
		gradients[i] = tensor.NewDense(1, n, tensor.CPU)
	}

	ctrl := aggregator.New(aggregator.Params{
		MPI:                peer.MPI,
		NCCL:               peer.NCCL,
		CUDA:               peer.CUDA,
		DeviceID:           tensor.CPU,
		Async:              *async,
		PackThresholdBytes: *packThresholdBytes,
		StatsTraceInterval: 0,
		PackAlloc: func(cols int, device tensor.Device) tensor.GradientTensor {
			return tensor.NewDense(1, cols, device)
		},
		ShadowAlloc: func(rows, cols int, device tensor.Device) tensor.GradientTensor {
			return tensor.NewDense(rows, cols, device)
		},
	})

	hdr := header.New(1)

	runIterations := func(n int) error {
		for i := 0; i < n; i++ {
			for _, g := range gradients {
				g.SetValue(float32(rank + 1))
			}
			hdr.NumSamples = 32
			hdr.Criterion = float64(rank + 1)
			if _, err := ctrl.Aggregate(gradients, hdr, false); err != nil {
				return err
			}
		}
		return nil
	}

	if err := runIterations(*warmupIterations); err != nil {
		return [32]byte{}, nil, 0, err
	}

	start := time.Now()
	if err := runIterations(*iterations); err != nil {
		return [32]byte{}, nil, 0, err
	}
	took := time.Since(start)

	d, err := integrity.Digest(gradients)
	if err != nil {
		return [32]byte{}, nil, took, err
	}

	log.Debugf("rank %d done in %s", rank, took)
	return d, hdr.Snapshot(), took, nil
}
