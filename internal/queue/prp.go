package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

const prpListEntrySize = 8 // one physical address per list slot
const maxPRPListEntries = nvme.PRPPageSize / prpListEntrySize

// PRPBuilder translates a host byte range into PRP1/PRP2 per NVMe's
// Physical Region Page rules (spec.md §4.2). It owns one dedicated 4 KiB
// list page per command-ID slot, reused across that slot's commands: a
// transfer needing a list page writes into `listPages` at offset
// `cid * PRPPageSize` and is only safe to reuse once that command-ID's
// prior command has completed (spec.md: "list slot is owned by c_id ...
// reuse before completion is forbidden" — enforced by the Pending Table,
// not here).
type PRPBuilder struct {
	listPages *Region
}

// NewPRPBuilder allocates one list page per queue slot (queueLength,
// spec.md's L) via alloc.
func NewPRPBuilder(alloc pciio.Allocator, queueLength int) (*PRPBuilder, error) {
	region, err := NewRegion(alloc, queueLength*nvme.PRPPageSize)
	if err != nil {
		return nil, fmt.Errorf("queue: allocate PRP list pages: %w", err)
	}
	return &PRPBuilder{listPages: region}, nil
}

// Free releases the list-page region.
func (b *PRPBuilder) Free(alloc pciio.Allocator) error {
	return b.listPages.Free(alloc)
}

// TransferTooLargeError reports a transfer that would need more PRP-list
// entries than fit in one list page.
type TransferTooLargeError struct {
	Length int
}

func (e *TransferTooLargeError) Error() string {
	return fmt.Sprintf("queue: transfer of %d bytes needs more than one PRP list page", e.Length)
}

// Build computes (prp1, prp2, needsListPage) for a byte range
// [offset, offset+n) within region, using cid to select this command's
// dedicated list-page slot if one is needed.
func (b *PRPBuilder) Build(region *Region, offset, n int, cid uint16) (prp1, prp2 uint64, needsListPage bool, err error) {
	if n <= 0 {
		return 0, 0, false, fmt.Errorf("queue: invalid PRP transfer length %d", n)
	}

	pageSize := nvme.PRPPageSize
	startPhys := region.PhysAt(offset)
	prp1 = uint64(startPhys)

	firstPageOff := int(startPhys) % pageSize
	firstPageBytes := pageSize - firstPageOff
	if n <= firstPageBytes {
		return prp1, 0, false, nil
	}

	remaining := n - firstPageBytes
	secondPagePhys := uintptr(int(startPhys) - firstPageOff + pageSize)
	if remaining <= pageSize {
		return prp1, uint64(secondPagePhys), false, nil
	}

	entries := (remaining + pageSize - 1) / pageSize
	if entries > maxPRPListEntries {
		return 0, 0, false, &TransferTooLargeError{Length: n}
	}

	list := b.listPages.Slice(int(cid)*nvme.PRPPageSize, nvme.PRPPageSize)
	pagePhys := secondPagePhys
	for i := 0; i < entries; i++ {
		binary.LittleEndian.PutUint64(list[i*prpListEntrySize:], uint64(pagePhys))
		pagePhys += uintptr(pageSize)
	}

	listPhys := b.listPages.PhysAt(int(cid) * nvme.PRPPageSize)
	return prp1, uint64(listPhys), true, nil
}
