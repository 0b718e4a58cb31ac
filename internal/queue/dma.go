package queue

import (
	"fmt"

	"github.com/behrlich/nvqe/internal/pciio"
)

// Region is a single contiguous DMA-visible allocation: a virtual mapping
// the host can read/write directly and the physical address the
// controller needs for PRP1/PRP2. Rings (C3/C4) and I/O data buffers are
// both backed by a Region.
//
// Grounded on original_source/src/queues.rs's `Dma<T>` wrapper (virt+phys
// pair passed straight into PRP fields) and on the teacher's mmapQueues,
// which also separates "the memory the host touches" from "the handle the
// kernel/controller is told about".
type Region struct {
	virt []byte
	phys uintptr
	mem  []byte // the allocator's full mapping, released by Free
}

// NewRegion allocates size bytes of huge-page-backed DMA memory through
// alloc. The allocator rounds the mapping up to its page granularity; the
// Region itself exposes exactly size bytes.
func NewRegion(alloc pciio.Allocator, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("queue: invalid region size %d", size)
	}
	virt, phys, err := alloc.AllocateHugePage(size)
	if err != nil {
		return nil, fmt.Errorf("queue: allocate DMA region: %w", err)
	}
	return &Region{virt: virt[:size], phys: phys, mem: virt}, nil
}

// Virt returns the host-addressable backing slice.
func (r *Region) Virt() []byte { return r.virt }

// Phys returns the region's base physical address, as handed to the
// controller in a PRP field.
func (r *Region) Phys() uintptr { return r.phys }

// Len reports the region's byte length.
func (r *Region) Len() int { return len(r.virt) }

// Slice returns the sub-slice [off, off+n) of the region's virtual memory.
func (r *Region) Slice(off, n int) []byte {
	return r.virt[off : off+n]
}

// PhysAt returns the physical address corresponding to virtual offset off
// within the region, used when a Region backs more than one fixed-size
// chunk (e.g. one ring slot, or one I/O buffer per in-flight command).
func (r *Region) PhysAt(off int) uintptr {
	return r.phys + uintptr(off)
}

// Free releases the region's backing memory.
func (r *Region) Free(alloc pciio.Allocator) error {
	return alloc.Free(r.mem)
}
