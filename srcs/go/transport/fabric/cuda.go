package fabric

import (
	"fmt"

	"github.com/lsds/gradagg/srcs/go/tensor"
	"github.com/lsds/gradagg/srcs/go/transport"
)

// CUDAPeer is one rank's transport.CUDA view of a Cluster. The fabric has
// no real device memory or stream to model, so copies run synchronously
// on the calling goroutine and are wrapped in a handle only so the API
// matches the real CUDA facade; there is no latency here for the
// pipeline's async overlap to actually hide, but the call sequencing it
// exercises is identical to the real thing.
type CUDAPeer struct {
	cluster *Cluster
	rank    int
	device  tensor.Device
}

var _ transport.CUDA = (*CUDAPeer)(nil)

func (p *CUDAPeer) SetDevice(id tensor.Device) error {
	p.device = id
	return nil
}

func (p *CUDAPeer) PinnedAlloc(n int) ([]float32, error) {
	if n < 0 {
		return nil, fmt.Errorf("fabric: PinnedAlloc: negative size %d", n)
	}
	return make([]float32, n), nil
}

func (p *CUDAPeer) PinnedFree(buf []float32) {}

func (p *CUDAPeer) MemcpyD2H(dst []float32, src tensor.GradientTensor) error {
	data := src.Data()
	if len(dst) != len(data) {
		return fmt.Errorf("fabric: MemcpyD2H: size mismatch: dst=%d src=%d", len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

func (p *CUDAPeer) MemcpyH2D(dst tensor.GradientTensor, src []float32) error {
	data := dst.Data()
	if len(data) != len(src) {
		return fmt.Errorf("fabric: MemcpyH2D: size mismatch: dst=%d src=%d", len(data), len(src))
	}
	copy(data, src)
	return nil
}

// copyHandle carries the error from a synchronously-completed copy; real
// CUDA would instead carry a cudaEvent_t to poll or wait on.
type copyHandle struct{ err error }

func (p *CUDAPeer) CopyGPUToCPUAsync(dst []float32, src tensor.GradientTensor) (transport.CopyHandle, error) {
	return &copyHandle{err: p.MemcpyD2H(dst, src)}, nil
}

func (p *CUDAPeer) CopyCPUToGPUAsync(dst tensor.GradientTensor, src []float32) (transport.CopyHandle, error) {
	return &copyHandle{err: p.MemcpyH2D(dst, src)}, nil
}

func (p *CUDAPeer) WaitForCopy(h transport.CopyHandle) error {
	ch, ok := h.(*copyHandle)
	if !ok {
		return fmt.Errorf("fabric: WaitForCopy called with foreign handle type %T", h)
	}
	return ch.err
}

// event is a marker: since every op above already ran to completion
// before returning, recording and syncing an event is always a no-op.
type event struct{}

func (p *CUDAPeer) RecordComputeEvent() (transport.Event, error) {
	return event{}, nil
}

func (p *CUDAPeer) SyncEvent(e transport.Event) error {
	if _, ok := e.(event); !ok {
		return fmt.Errorf("fabric: SyncEvent called with foreign event type %T", e)
	}
	return nil
}
