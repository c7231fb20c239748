package aggregator

import (
	"testing"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
	"github.com/lsds/gradagg/srcs/go/transport/fabric"
)

func TestDistributedCheckAgreement(t *testing.T) {
	cluster := fabric.NewCluster(3, fabric.Options{})
	results := make([]bool, 3)
	runRanks(3, func(r int) {
		ctrl := newController(cluster, r, false, 1<<20)
		ok, err := ctrl.DistributedCheck(64)
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = ok
	})
	for r, ok := range results {
		if !ok {
			t.Errorf("rank %d: expected agreement", r)
		}
	}
}

func TestDistributedCheckMismatch(t *testing.T) {
	cluster := fabric.NewCluster(2, fabric.Options{})
	sizes := []int{64, 128}
	results := make([]bool, 2)
	runRanks(2, func(r int) {
		ctrl := newController(cluster, r, false, 1<<20)
		ok, err := ctrl.DistributedCheck(sizes[r])
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = ok
	})
	for r, ok := range results {
		if ok {
			t.Errorf("rank %d: expected mismatch to be reported", r)
		}
	}
}

func TestDistributedCheckSingleRank(t *testing.T) {
	cluster := fabric.NewCluster(1, fabric.Options{})
	ctrl := newController(cluster, 0, false, 1<<20)
	ok, err := ctrl.DistributedCheck(64)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("single rank must always agree with itself")
	}
}

func TestDistributedInit(t *testing.T) {
	cluster := fabric.NewCluster(1, fabric.Options{})
	ctrl := newController(cluster, 0, false, 1<<20)
	if err := ctrl.DistributedInit(1024); err != nil {
		t.Fatal(err)
	}
}

func TestDistributedAllGather(t *testing.T) {
	cluster := fabric.NewCluster(2, fabric.Options{})
	results := make([][]float32, 2)
	runRanks(2, func(r int) {
		ctrl := newController(cluster, r, false, 1<<20)
		src := tensor.NewDenseFrom([]float32{float32(r + 1)}, 1, 1, tensor.CPU)
		dst := tensor.NewDense(1, 2, tensor.CPU)
		if err := ctrl.DistributedAllGather(src, dst); err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = dst.Data()
	})
	want := []float32{1, 2}
	for r, got := range results {
		if got[0] != want[0] || got[1] != want[1] {
			t.Errorf("rank %d: got %v, want %v", r, got, want)
		}
	}
}

func TestDistributedAllGatherNCCL(t *testing.T) {
	cluster := fabric.NewCluster(2, fabric.Options{NCCLSupported: true})
	results := make([][]float32, 2)
	runRanks(2, func(r int) {
		ctrl := newController(cluster, r, false, 1<<20)
		src := tensor.NewDenseFrom([]float32{float32(r + 1)}, 1, 1, tensor.CPU)
		dst := tensor.NewDense(1, 2, tensor.CPU)
		if err := ctrl.DistributedAllGather(src, dst); err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = dst.Data()
	})
	want := []float32{1, 2}
	for r, got := range results {
		if got[0] != want[0] || got[1] != want[1] {
			t.Errorf("rank %d: got %v, want %v", r, got, want)
		}
	}
}

func TestDistributedAllReduceMax(t *testing.T) {
	cluster := fabric.NewCluster(3, fabric.Options{})
	results := make([][]float32, 3)
	vals := []float32{5, 9, 2}
	runRanks(3, func(r int) {
		ctrl := newController(cluster, r, false, 1<<20)
		gt := tensor.NewDenseFrom([]float32{vals[r]}, 1, 1, tensor.CPU)
		if err := ctrl.DistributedAllReduce(gt, transport.Max); err != nil {
			return
		}
		results[r] = gt.Data()
	})
	for r, got := range results {
		if got[0] != 9 {
			t.Errorf("rank %d: got %v, want [9]", r, got)
		}
	}
}

// newStagedController builds a Controller with a non-CPU device and no
// NCCL/GDR support, so pipeline.Select always lands on StagedPipeline.
func newStagedController(cluster *fabric.Cluster, rank int) *Controller {
	peer := cluster.Peer(rank, tensor.Device(0))
	return New(Params{
		MPI:                peer.MPI,
		NCCL:               peer.NCCL,
		CUDA:               peer.CUDA,
		DeviceID:           tensor.Device(0),
		PackThresholdBytes: 1 << 20,
		PackAlloc:          packAlloc,
		ShadowAlloc:        shadowAlloc,
	})
}

func TestDistributedAllGatherStaged(t *testing.T) {
	cluster := fabric.NewCluster(2, fabric.Options{})
	results := make([][]float32, 2)
	runRanks(2, func(r int) {
		ctrl := newStagedController(cluster, r)
		if err := ctrl.DistributedInit(2); err != nil {
			t.Errorf("rank %d: DistributedInit: %v", r, err)
			return
		}
		src := tensor.NewDenseFrom([]float32{float32(r + 1)}, 1, 1, tensor.Device(0))
		dst := tensor.NewDense(1, 2, tensor.Device(0))
		if err := ctrl.DistributedAllGather(src, dst); err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = dst.Data()
	})
	want := []float32{1, 2}
	for r, got := range results {
		if got[0] != want[0] || got[1] != want[1] {
			t.Errorf("rank %d: got %v, want %v", r, got, want)
		}
	}
}

func TestDistributedAllReduceStaged(t *testing.T) {
	cluster := fabric.NewCluster(2, fabric.Options{})
	results := make([][]float32, 2)
	runRanks(2, func(r int) {
		ctrl := newStagedController(cluster, r)
		if err := ctrl.DistributedInit(1); err != nil {
			t.Errorf("rank %d: DistributedInit: %v", r, err)
			return
		}
		gt := tensor.NewDenseFrom([]float32{float32(r + 1)}, 1, 1, tensor.Device(0))
		if err := ctrl.DistributedAllReduce(gt, transport.Sum); err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = gt.Data()
	})
	for r, got := range results {
		if got[0] != 3 {
			t.Errorf("rank %d: got %v, want [3]", r, got)
		}
	}
}

func TestDistributedAllReduceNCCL(t *testing.T) {
	cluster := fabric.NewCluster(2, fabric.Options{NCCLSupported: true})
	results := make([][]float32, 2)
	runRanks(2, func(r int) {
		ctrl := newController(cluster, r, false, 1<<20)
		gt := tensor.NewDenseFrom([]float32{float32(r + 1)}, 1, 1, tensor.CPU)
		if err := ctrl.DistributedAllReduce(gt, transport.Sum); err != nil {
			t.Errorf("rank %d: %v", r, err)
			return
		}
		results[r] = gt.Data()
	})
	for r, got := range results {
		if got[0] != 3 {
			t.Errorf("rank %d: got %v, want [3]", r, got)
		}
	}
}
