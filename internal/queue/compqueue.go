package queue

import (
	"sync/atomic"
	"unsafe"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

// CompletionRing is a fixed-capacity ring of 16-byte completion entries
// with a head cursor and phase tag (spec.md §3, §4.4): the sole mechanism
// for detecting device-written entries, since this driver core polls
// rather than takes interrupts.
//
// Grounded on original_source/src/queues.rs's NvmeCompQueue (phase-flip on
// wrap, complete/complete_n) and the teacher's loadDescriptor (atomic
// acquire loads over mmap'd memory, field by field, to avoid stale reads).
type CompletionRing struct {
	region *Region
	dstrd  uint8
	qid    uint16

	length int
	head   uint16
	phase  bool
}

// NewCompletionRing allocates a ring of length entries for queue qid. The
// phase tag starts true, matching a freshly created queue (NVMe 1.4
// §4.6: the controller always writes phase=1 into a newly created CQ's
// first wrap).
func NewCompletionRing(alloc pciio.Allocator, qid uint16, length int, dstrd uint8) (*CompletionRing, error) {
	region, err := NewRegion(alloc, length*nvme.CQEntrySize)
	if err != nil {
		return nil, err
	}
	return &CompletionRing{region: region, dstrd: dstrd, qid: qid, length: length, phase: true}, nil
}

// loadEntryAt performs an acquire-ordered, field-by-field read of the
// completion entry at slot, mirroring internal/pciio.RegisterWindow's
// atomic discipline for mmap'd memory the device may be concurrently
// writing.
func loadEntryAt(base unsafe.Pointer, slot uint16) nvme.CompletionEntry {
	p := nvme.CQEAt(base, slot)
	return nvme.CompletionEntry{
		DW0:      atomic.LoadUint32((*uint32)(p)),
		SQHead:   atomic.LoadUint16((*uint16)(unsafe.Add(p, 8))),
		SQID:     atomic.LoadUint16((*uint16)(unsafe.Add(p, 10))),
		CID:      atomic.LoadUint16((*uint16)(unsafe.Add(p, 12))),
		StatusPT: atomic.LoadUint16((*uint16)(unsafe.Add(p, 14))),
	}
}

// Complete reads the entry at head and returns it (advancing head, and
// flipping phase on wrap) iff its phase bit equals the ring's current
// phase. A full memory fence separates the read from the phase
// comparison so the CPU cannot have spuriously combined a stale word with
// a fresh one (spec.md §4.4's "acquire semantics on the status word").
func (c *CompletionRing) Complete() (nvme.CompletionEntry, bool) {
	base := unsafe.Pointer(&c.region.Virt()[0])
	entry := loadEntryAt(base, c.head)
	Mfence()

	if entry.Phase() != c.phase {
		return nvme.CompletionEntry{}, false
	}

	c.head++
	if c.head == uint16(c.length) {
		c.head = 0
		c.phase = !c.phase
	}
	return entry, true
}

// CompleteN drains up to budget completions, stopping early at the first
// entry whose phase doesn't match (spec.md §4.5/§8.5: a mismatched phase
// always ends the drain — later slots may belong to a future wrap).
func (c *CompletionRing) CompleteN(budget int) []nvme.CompletionEntry {
	out := make([]nvme.CompletionEntry, 0, budget)
	for i := 0; i < budget; i++ {
		entry, ok := c.Complete()
		if !ok {
			break
		}
		out = append(out, entry)
	}
	return out
}

// AdvanceHeadDoorbell performs the single 32-bit volatile store that
// returns CQ credit to the device (spec.md §4.4).
func (c *CompletionRing) AdvanceHeadDoorbell(regs *pciio.RegisterWindow) {
	regs.WriteDoorbell(nvme.DoorbellOffset(int(c.qid), c.dstrd, true), uint32(c.head))
}

// Head returns the ring's current head cursor.
func (c *CompletionRing) Head() uint16 { return c.head }

// PhysAddr returns the ring's device-visible base address.
func (c *CompletionRing) PhysAddr() uint64 { return uint64(c.region.Phys()) }

// Free releases the ring's backing DMA region.
func (c *CompletionRing) Free(alloc pciio.Allocator) error {
	return c.region.Free(alloc)
}
