package queue

import (
	"unsafe"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

// SubmissionRing is a fixed-capacity ring of 64-byte command slots with a
// head/tail pair and a doorbell (spec.md §3, §4.3). It has no internal
// locking; serialization is the queue pair's job (C5).
//
// Grounded on original_source/src/queues.rs's NvmeSubQueue (tail bookkeeping,
// phys-addr doorbell) and on the teacher's runner.go (pre-allocated command
// structs, a single doorbell write per batch).
type SubmissionRing struct {
	region *Region
	dstrd  uint8
	qid    uint16

	length int // L
	head   uint16
	tail   uint16

	lastDeviceSQHead uint16 // diagnostics only; see DESIGN.md Open Question 2
}

// NewSubmissionRing allocates a ring of length entries for queue qid.
func NewSubmissionRing(alloc pciio.Allocator, qid uint16, length int, dstrd uint8) (*SubmissionRing, error) {
	region, err := NewRegion(alloc, length*nvme.SQEntrySize)
	if err != nil {
		return nil, err
	}
	return &SubmissionRing{region: region, dstrd: dstrd, qid: qid, length: length}, nil
}

// IsFull reports whether the ring has no free slot (spec.md §3: "full iff
// head == (tail+1) mod L").
func (s *SubmissionRing) IsFull() bool {
	return s.head == (s.tail+1)%uint16(s.length)
}

// IsEmpty reports whether the device owns no entries.
func (s *SubmissionRing) IsEmpty() bool { return s.head == s.tail }

// FreeSlots returns the number of additional commands that can be
// reserved before the ring is full.
func (s *SubmissionRing) FreeSlots() int {
	used := int(s.tail) - int(s.head)
	if used < 0 {
		used += s.length
	}
	return s.length - 1 - used
}

// Reserve writes entry into the slot at the current tail and advances
// tail, returning the new tail and true; returns false if the ring is
// full and leaves the ring unchanged.
func (s *SubmissionRing) Reserve(entry nvme.SubmissionEntry) (newTail uint16, ok bool) {
	if s.IsFull() {
		return s.tail, false
	}
	slot := nvme.SQEAt(unsafe.Pointer(&s.region.Virt()[0]), s.tail)
	*(*nvme.SubmissionEntry)(slot) = entry
	s.tail = (s.tail + 1) % uint16(s.length)
	return s.tail, true
}

// Flush publishes tail to the device: a store fence (ensuring every SQE
// store in this batch is globally visible) followed by a single volatile
// doorbell write, per spec.md §4.3 and the submit-publish ordering
// invariant in §8.6.
func (s *SubmissionRing) Flush(regs *pciio.RegisterWindow) {
	Sfence()
	regs.WriteDoorbell(nvme.DoorbellOffset(int(s.qid), s.dstrd, false), uint32(s.tail))
}

// RecordDeviceHead stores the controller-reported SQ head from a CQE for
// diagnostics. It is never used to advance the ring's authoritative head —
// see DESIGN.md's Open Question 2 decision.
func (s *SubmissionRing) RecordDeviceHead(reported uint16) {
	s.lastDeviceSQHead = reported
}

// ReleaseSlots advances the ring's authoritative head by n slots, one per
// command the queue pair has confirmed completed via the completion ring.
// This is the sole mechanism that frees submission slots, keeping the
// host, not the device's self-reported sq_head, as the source of truth
// for free-slot accounting (spec.md §9's resolution of that open
// question).
func (s *SubmissionRing) ReleaseSlots(n int) {
	s.head = uint16((int(s.head) + n) % s.length)
}

// PhysAddr returns the ring's device-visible base address.
func (s *SubmissionRing) PhysAddr() uint64 { return uint64(s.region.Phys()) }

// Length returns L, the ring's capacity.
func (s *SubmissionRing) Length() int { return s.length }

// Free releases the ring's backing DMA region.
func (s *SubmissionRing) Free(alloc pciio.Allocator) error {
	return s.region.Free(alloc)
}
