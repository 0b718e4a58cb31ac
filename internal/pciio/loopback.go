package pciio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FakeAllocator satisfies Allocator with plain anonymous mmap instead of
// MAP_HUGETLB, so tests can exercise the DMA Region / PRP Builder / admin
// bring-up paths on hosts with no huge pages reserved. It still returns a
// real virtual mapping; "physical" addresses are synthesized as a
// monotonically increasing counter rather than resolved via
// /proc/self/pagemap, which is sufficient for every invariant this driver
// checks against a PRP/physical address (non-zero, 4 KiB aligned, distinct
// per allocation) without requiring CAP_SYS_ADMIN.
//
// Grounded on the teacher's testing.go MockBackend: a call-counting,
// dependency-free stand-in for the real collaborator.
type FakeAllocator struct {
	mu       sync.Mutex
	nextPhys uintptr
	allocs   int
	regions  []fakeRegion
}

type fakeRegion struct {
	phys uintptr
	virt []byte
}

// NewFakeAllocator returns a FakeAllocator whose synthesized physical
// addresses start at base (must be page-aligned; tests typically pass
// some arbitrary non-zero value to catch code that assumes phys==0 is
// valid).
func NewFakeAllocator(base uintptr) *FakeAllocator {
	return &FakeAllocator{nextPhys: base}
}

func (a *FakeAllocator) AllocateHugePage(size int) ([]byte, uintptr, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("pciio: invalid allocation size %d", size)
	}
	rounded := ((size + pageSizeHint - 1) / pageSizeHint) * pageSizeHint
	mem, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("pciio: fake allocate: %w", err)
	}

	a.mu.Lock()
	phys := a.nextPhys
	a.nextPhys += uintptr(rounded)
	a.allocs++
	a.regions = append(a.regions, fakeRegion{phys: phys, virt: mem})
	a.mu.Unlock()

	return mem, phys, nil
}

func (a *FakeAllocator) Free(virt []byte) error {
	if virt == nil {
		return nil
	}
	a.mu.Lock()
	for i, r := range a.regions {
		if &r.virt[0] == &virt[0] {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	return unix.Munmap(virt)
}

// Allocations reports how many AllocateHugePage calls have succeeded,
// mirroring the teacher's CallCounts pattern for asserting cleanup paths
// free everything they allocate.
func (a *FakeAllocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Resolve maps a synthesized physical address back to the live virtual
// slice it falls within, starting at that address. A real controller
// resolves PRP addresses itself via its own DMA engine; a loopback
// controller simulating one (backend/loopback) has no such engine and
// must translate the PRP addresses it's handed back into host memory to
// read or write the transfer, which is what this method is for.
func (a *FakeAllocator) Resolve(phys uintptr) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if phys >= r.phys && phys < r.phys+uintptr(len(r.virt)) {
			return r.virt[phys-r.phys:], true
		}
	}
	return nil, false
}
