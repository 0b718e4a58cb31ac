package queue

import (
	"fmt"
	"sync"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

// maxChunkBytes bounds a single command's transfer to what one PRP list
// page can address (spec.md §4.2/§4.5: "chunks fitting in a single PRP
// window (<= one PRP-list page)").
const maxChunkBytes = maxPRPListEntries * nvme.PRPPageSize

// PollResult is one drained completion: the command-ID it belongs to and
// its raw NVMe status code (0 = success).
type PollResult struct {
	CID    uint16
	Status uint16
}

// QueuePair pairs a Submission Ring and Completion Ring sharing a 16-bit
// command-ID space (C5, spec.md §2/§4.5). It owns the one async mutex
// that guards both rings and their doorbells, and the command-ID
// allocator.
//
// Grounded on the teacher's runner.go (per-tag state, one goroutine per
// queue, batched doorbell writes) and original_source/src/queues.rs plus
// src/driver.rs's submit_io for the submit-then-publish split.
type QueuePair struct {
	mu sync.Mutex

	id        uint16
	blockSize uint32
	nsID      uint32

	sq  *SubmissionRing
	cq  *CompletionRing
	pt  *PendingTable
	prp *PRPBuilder

	regs    *pciio.RegisterWindow
	nextCID uint16
}

// NewQueuePair allocates a queue pair's rings and PRP-list pages and
// returns it ready for use once the caller has created the matching
// I/O SQ/CQ on the controller (internal/pciio.Controller.CreateIOQueuePair).
func NewQueuePair(alloc pciio.Allocator, regs *pciio.RegisterWindow, id uint16, length int, dstrd uint8, nsID uint32, blockSize uint32) (*QueuePair, error) {
	sq, err := NewSubmissionRing(alloc, id, length, dstrd)
	if err != nil {
		return nil, fmt.Errorf("queue: queue pair %d: %w", id, err)
	}
	cq, err := NewCompletionRing(alloc, id, length, dstrd)
	if err != nil {
		_ = sq.Free(alloc)
		return nil, fmt.Errorf("queue: queue pair %d: %w", id, err)
	}
	prp, err := NewPRPBuilder(alloc, length)
	if err != nil {
		_ = sq.Free(alloc)
		_ = cq.Free(alloc)
		return nil, fmt.Errorf("queue: queue pair %d: %w", id, err)
	}

	return &QueuePair{
		id:        id,
		blockSize: blockSize,
		nsID:      nsID,
		sq:        sq,
		cq:        cq,
		pt:        NewPendingTable(length - 1),
		prp:       prp,
		regs:      regs,
	}, nil
}

// ID returns this pair's queue identifier.
func (qp *QueuePair) ID() uint16 { return qp.id }

// TryLock attempts to acquire the queue pair's async mutex without
// blocking, used by the Driver Facade's spill policy (spec.md §4.8 step
// 2: "Try to acquire that queue pair's lock non-blockingly").
func (qp *QueuePair) TryLock() bool { return qp.mu.TryLock() }

// Lock acquires the queue pair's mutex, used by the poller and by batch
// submission (spec.md §4.8's read_batch/write_batch, which hold the lock
// across all submissions in the batch).
func (qp *QueuePair) Lock() { qp.mu.Lock() }

// Unlock releases the queue pair's mutex.
func (qp *QueuePair) Unlock() { qp.mu.Unlock() }

// SQPhys returns the submission ring's physical base address, needed by
// the Driver Facade to issue Create I/O Queue Pair against the
// controller's admin path.
func (qp *QueuePair) SQPhys() uint64 { return qp.sq.PhysAddr() }

// CQPhys returns the completion ring's physical base address.
func (qp *QueuePair) CQPhys() uint64 { return qp.cq.PhysAddr() }

// Length returns the ring pair's depth L.
func (qp *QueuePair) Length() int { return qp.sq.Length() }

func (qp *QueuePair) allocCID() uint16 {
	cid := qp.nextCID
	qp.nextCID = (qp.nextCID + 1) % uint16(qp.sq.Length())
	return cid
}

// SubmitAsync partitions [offset, offset+length) of buf into chunks each
// fitting a single PRP window, appends one NVMe I/O command per chunk,
// and returns the allocated command-IDs plus the last reserved tail
// (spec.md §4.5). If the ring fills mid-batch it returns the prefix
// actually reserved with a nil error — the caller is responsible for the
// remainder (the spill policy, C8).
//
// The caller must hold qp's lock and must insert pending-table notifiers
// for the returned c_ids, then call Flush or SetTail, before releasing
// the lock — insertion must strictly precede the doorbell write
// (spec.md §3's Pending Table invariant).
func (qp *QueuePair) SubmitAsync(buf *Region, offset, length int, lba uint64, op uint8) (newTail uint16, cids []uint16, err error) {
	if length <= 0 {
		return 0, nil, fmt.Errorf("queue: invalid transfer length %d", length)
	}
	if op != nvme.OpIORead && op != nvme.OpIOWrite {
		return 0, nil, fmt.Errorf("queue: unsupported op 0x%x", op)
	}
	if qp.blockSize == 0 || length%int(qp.blockSize) != 0 {
		return 0, nil, fmt.Errorf("queue: transfer length %d not a multiple of block size %d", length, qp.blockSize)
	}

	chunkBytes := (maxChunkBytes / int(qp.blockSize)) * int(qp.blockSize)
	if chunkBytes == 0 {
		chunkBytes = int(qp.blockSize)
	}

	off := offset
	remaining := length
	curLBA := lba
	var lastTail uint16
	haveTail := false

	for remaining > 0 {
		if qp.sq.IsFull() {
			break
		}
		n := remaining
		if n > chunkBytes {
			n = chunkBytes
		}

		cid := qp.allocCID()
		prp1, prp2, _, buildErr := qp.prp.Build(buf, off, n, cid)
		if buildErr != nil {
			if haveTail {
				return lastTail, cids, nil
			}
			return 0, nil, buildErr
		}

		var entry nvme.SubmissionEntry
		entry.OPC = op
		entry.CID = cid
		entry.NSID = qp.nsID
		entry.PRP1 = prp1
		entry.PRP2 = prp2
		nlb := uint16(n/int(qp.blockSize) - 1)
		entry.SetReadWrite(curLBA, nlb)

		tail, ok := qp.sq.Reserve(entry)
		if !ok {
			break
		}
		lastTail = tail
		haveTail = true
		cids = append(cids, cid)

		off += n
		remaining -= n
		curLBA += uint64(n / int(qp.blockSize))
	}

	return lastTail, cids, nil
}

// Insert registers ch against cid in this pair's pending table.
func (qp *QueuePair) Insert(cid uint16, ch notifier) error {
	return qp.pt.Insert(cid, ch)
}

// Remove removes and returns cid's notifier.
func (qp *QueuePair) Remove(cid uint16) (notifier, bool) {
	return qp.pt.Remove(cid)
}

// PendingLen reports the number of outstanding commands.
func (qp *QueuePair) PendingLen() int { return qp.pt.Len() }

// FreeSlots reports the submission ring's free-slot count.
func (qp *QueuePair) FreeSlots() int { return qp.sq.FreeSlots() }

// Flush publishes the ring's current tail to the device.
func (qp *QueuePair) Flush() {
	qp.sq.Flush(qp.regs)
}

// SetTail is the explicit doorbell write used when a caller reserved SQ
// slots without immediately publishing (spec.md §4.5).
func (qp *QueuePair) SetTail(tail uint16) {
	Sfence()
	qp.regs.WriteDoorbell(nvme.DoorbellOffset(int(qp.id), qp.sq.dstrd, false), uint32(tail))
}

// PollMulti drains up to budget completions from the completion ring,
// releases the corresponding submission slots, rings the CQ head
// doorbell once for the whole batch, and returns each completion's
// command-ID and status for the poller to resolve against the pending
// table (spec.md §4.5/§4.7). The caller must hold qp's lock.
func (qp *QueuePair) PollMulti(budget int) []PollResult {
	entries := qp.cq.CompleteN(budget)
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		qp.sq.RecordDeviceHead(e.SQHead)
	}
	qp.sq.ReleaseSlots(len(entries))
	qp.cq.AdvanceHeadDoorbell(qp.regs)

	results := make([]PollResult, len(entries))
	for i, e := range entries {
		results[i] = PollResult{CID: e.CID, Status: e.StatusCode()}
	}
	return results
}

// Close releases the pair's rings and PRP-list pages.
func (qp *QueuePair) Close(alloc pciio.Allocator) error {
	err1 := qp.sq.Free(alloc)
	err2 := qp.cq.Free(alloc)
	err3 := qp.prp.Free(alloc)
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}
