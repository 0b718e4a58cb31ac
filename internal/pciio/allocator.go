package pciio

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator is the DMA-visible memory collaborator spec.md §6 names:
// "allocate_huge_page(size) -> (virt, phys) backed by 2 MiB pages." C1 (the
// DMA Region, in internal/queue) is built on top of this interface so tests
// can substitute a non-hugetlb-backed fake allocator.
type Allocator interface {
	AllocateHugePage(size int) (virt []byte, phys uintptr, err error)
	Free(virt []byte) error
}

// HugePageAllocator allocates anonymous MAP_HUGETLB memory and resolves
// its physical base address through /proc/self/pagemap, the standard way
// a userspace process learns a page's physical address on Linux.
type HugePageAllocator struct{}

func (HugePageAllocator) AllocateHugePage(size int) ([]byte, uintptr, error) {
	if size <= 0 || size%pageSizeHint != 0 {
		// round up to the next huge page
		size = ((size / pageSizeHint) + 1) * pageSizeHint
	}
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		// Huge pages may not be reserved on this system; the caller
		// surfaces this as ResourceExhausted (spec.md §4.1/§7).
		return nil, 0, fmt.Errorf("pciio: allocate huge page: %w", err)
	}
	phys, err := translatePhysical(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, 0, fmt.Errorf("pciio: resolve physical address: %w", err)
	}
	return mem, phys, nil
}

func (HugePageAllocator) Free(virt []byte) error {
	if virt == nil {
		return nil
	}
	return unix.Munmap(virt)
}

const pageSizeHint = 2 << 20 // 2 MiB, spec.md §6

// translatePhysical resolves the physical base address of a virtual
// mapping via /proc/self/pagemap (requires CAP_SYS_ADMIN on most kernels;
// the loopback allocator used in tests bypasses this entirely).
func translatePhysical(mem []byte) (uintptr, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	const pagemapEntrySize = 8
	vaddr := uintptr(unsafe.Pointer(&mem[0]))
	osPageSize := uintptr(os.Getpagesize())
	vpn := vaddr / osPageSize

	entry := make([]byte, pagemapEntrySize)
	if _, err := f.ReadAt(entry, int64(vpn*pagemapEntrySize)); err != nil {
		return 0, err
	}
	raw := binary.LittleEndian.Uint64(entry)
	if raw&(1<<63) == 0 {
		return 0, fmt.Errorf("pciio: page not present")
	}
	pfn := raw & ((1 << 55) - 1)
	if pfn == 0 {
		return 0, fmt.Errorf("pciio: pagemap returned PFN 0 (needs CAP_SYS_ADMIN)")
	}
	phys := uintptr(pfn)*osPageSize + (vaddr % osPageSize)
	return phys, nil
}
