// Package loopback simulates an NVMe controller's register window, admin
// ring, and I/O queue pairs entirely in host memory, so the real Driver
// Facade and core engine (internal/queue, internal/pciio) can be
// exercised end to end without real hardware.
//
// Grounded on the teacher's testing.go MockBackend (a dependency-free
// stand-in driven through the same interface real collaborators use) and
// on internal/pciio.Controller's own bring-up sequence, which this
// package's firmware goroutine answers on the other side of a shared BAR0
// mapping.
package loopback

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

// bar0Size is large enough for CAP..ACQ plus doorbells for every queue
// pair a test creates, at the dstrd==0 stride this simulator reports.
const bar0Size = 64 * 1024

// Device is a simulated NVMe controller: a BAR0-shaped mapping plus a
// background goroutine ("firmware") that answers the CC.EN/CSTS.RDY
// handshake, services admin commands, and drains I/O submission rings
// into an in-memory namespace.
type Device struct {
	mapping []byte
	regs    *pciio.RegisterWindow
	alloc   *pciio.FakeAllocator

	ns simNamespace

	mu     sync.Mutex
	queues map[uint16]*simQueue
	done   chan struct{}
	wg     sync.WaitGroup
}

type simNamespace struct {
	id        uint32
	blocks    uint64
	blockSize uint32
	data      []byte
}

// simQueue is one I/O queue pair's device-side ring state: physical
// addresses resolved to host-writable slices, and the firmware's own
// head/tail/phase bookkeeping, kept separate from the host's identical
// structures in internal/queue.
type simQueue struct {
	length  int
	sqVirt  []byte
	cqVirt  []byte
	sqHead  uint16
	cqTail  uint16
	cqPhase bool
}

// pendingCQ holds a Create I/O CQ command's parameters until the matching
// Create I/O SQ command arrives (NVMe 1.4 §5.3 requires the CQ to be
// created first, but a queue pair isn't usable until both exist).
type pendingCQ struct {
	phys   uintptr
	length int
}

// New creates a loopback Device exposing a single namespace of the given
// size, backed by a FakeAllocator shared between the simulated controller
// and the real pciio.Controller bring-up path that will be pointed at it.
func New(nsBlocks uint64, blockSize uint32) (*Device, error) {
	mapping, err := unix.Mmap(-1, 0, bar0Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	d := &Device{
		mapping: mapping,
		regs:    pciio.NewRegisterWindow(mapping),
		alloc:   pciio.NewFakeAllocator(0x10000000),
		ns: simNamespace{
			id:        1,
			blocks:    nsBlocks,
			blockSize: blockSize,
			data:      make([]byte, nsBlocks*uint64(blockSize)),
		},
		queues: make(map[uint16]*simQueue),
		done:   make(chan struct{}),
	}
	// CAP.DSTRD (bits 32-35) left at 0: a one-doorbell-per-uint32 stride,
	// the simplest legal configuration and the only one this simulator's
	// fixed bar0Size budget needs to support.
	d.regs.Write64(nvme.RegCAP, 0)
	return d, nil
}

// Mapping returns the BAR0-shaped memory a pciio.Controller should be
// pointed at via pciio.NewFromMapping.
func (d *Device) Mapping() []byte { return d.mapping }

// Allocator returns the FakeAllocator a pciio.Controller must share with
// this Device: both need to resolve the same synthesized physical
// addresses back to host memory.
func (d *Device) Allocator() *pciio.FakeAllocator { return d.alloc }

// Start launches the firmware goroutine.
func (d *Device) Start() {
	d.wg.Add(1)
	go d.firmware()
}

// Stop halts the firmware goroutine without unmapping BAR0, for callers
// that hand the mapping to a pciio.Controller whose own Close already
// unmaps it (a second munmap of the same region would fail).
func (d *Device) Stop() {
	close(d.done)
	d.wg.Wait()
}

// Close stops the firmware goroutine and releases the BAR0 mapping. Do
// not call this after a pciio.Controller built on this Device's Mapping
// has already been closed; use Stop instead.
func (d *Device) Close() error {
	d.Stop()
	return unix.Munmap(d.mapping)
}

func (d *Device) firmware() {
	defer d.wg.Done()

	enabled := false
	var admin *simQueue
	pendingIOCQ := make(map[uint16]pendingCQ)
	adminSQHead := uint16(0)

	for {
		select {
		case <-d.done:
			return
		default:
		}

		cc := d.regs.Read32(nvme.RegCC)
		en := cc&nvme.CCEnable != 0

		switch {
		case en && !enabled:
			admin = d.mapAdminQueues()
			adminSQHead = 0
			d.regs.Write32(nvme.RegCSTS, nvme.CSTSReady)
			enabled = true
		case !en && enabled:
			d.regs.Write32(nvme.RegCSTS, 0)
			enabled = false
			admin = nil
		}

		if enabled && admin != nil {
			adminSQHead = d.pollAdmin(admin, adminSQHead, pendingIOCQ)
			d.pollIOQueues()
		}

		time.Sleep(5 * time.Microsecond)
	}
}

func (d *Device) mapAdminQueues() *simQueue {
	sqPhys := uintptr(d.regs.Read64(nvme.RegASQ))
	cqPhys := uintptr(d.regs.Read64(nvme.RegACQ))
	sqVirt, ok1 := d.alloc.Resolve(sqPhys)
	cqVirt, ok2 := d.alloc.Resolve(cqPhys)
	if !ok1 || !ok2 {
		return nil
	}
	return &simQueue{length: pciio.AdminQueueDepth, sqVirt: sqVirt, cqVirt: cqVirt, cqPhase: true}
}

// pollAdmin drains every admin command the host has published (its
// doorbell tail) and returns the firmware's updated sq head.
func (d *Device) pollAdmin(q *simQueue, sqHead uint16, pendingIOCQ map[uint16]pendingCQ) uint16 {
	tailReg := nvme.DoorbellOffset(nvme.AdminQueueID, 0, false)
	tail := uint16(d.regs.Read32(tailReg))

	for sqHead != tail {
		slot := nvme.SQEAt(unsafe.Pointer(&q.sqVirt[0]), sqHead)
		entry := *(*nvme.SubmissionEntry)(slot)

		status := d.handleAdmin(entry, pendingIOCQ)

		completion := nvme.CompletionEntry{CID: entry.CID, SQID: nvme.AdminQueueID}
		sqHead = (sqHead + 1) % uint16(pciio.AdminQueueDepth)
		completion.SQHead = sqHead
		phase := uint16(0)
		if q.cqPhase {
			phase = 1
		}
		completion.StatusPT = (status << nvme.StatusCodeShift) | phase

		cqSlot := nvme.CQEAt(unsafe.Pointer(&q.cqVirt[0]), q.cqTail)
		*(*nvme.CompletionEntry)(cqSlot) = completion
		q.cqTail++
		if q.cqTail == uint16(pciio.AdminQueueDepth) {
			q.cqTail = 0
			q.cqPhase = !q.cqPhase
		}
	}
	return sqHead
}

func (d *Device) handleAdmin(entry nvme.SubmissionEntry, pendingIOCQ map[uint16]pendingCQ) uint16 {
	switch entry.OPC {
	case nvme.OpAdminIdentify:
		return d.handleIdentify(entry)
	case nvme.OpAdminCreateIOCQ:
		qid := uint16(entry.CDW10)
		length := int(entry.CDW10>>16) + 1
		pendingIOCQ[qid] = pendingCQ{phys: uintptr(entry.PRP1), length: length}
		return nvme.StatusSuccess
	case nvme.OpAdminCreateIOSQ:
		qid := uint16(entry.CDW10)
		length := int(entry.CDW10>>16) + 1
		cqid := uint16(entry.CDW11 >> 16)
		cq, ok := pendingIOCQ[cqid]
		if !ok {
			return 1 // completion queue for this SQ was never created
		}
		sqVirt, ok1 := d.alloc.Resolve(uintptr(entry.PRP1))
		cqVirt, ok2 := d.alloc.Resolve(cq.phys)
		if !ok1 || !ok2 {
			return 1
		}
		d.mu.Lock()
		d.queues[qid] = &simQueue{length: length, sqVirt: sqVirt, cqVirt: cqVirt, cqPhase: true}
		d.mu.Unlock()
		return nvme.StatusSuccess
	case nvme.OpAdminDeleteIOSQ:
		qid := uint16(entry.CDW10)
		d.mu.Lock()
		delete(d.queues, qid)
		d.mu.Unlock()
		return nvme.StatusSuccess
	case nvme.OpAdminDeleteIOCQ:
		delete(pendingIOCQ, uint16(entry.CDW10))
		return nvme.StatusSuccess
	default:
		return 1
	}
}

func (d *Device) handleIdentify(entry nvme.SubmissionEntry) uint16 {
	buf, ok := d.alloc.Resolve(uintptr(entry.PRP1))
	if !ok || len(buf) < 4096 {
		return 1
	}
	for i := range buf[:4096] {
		buf[i] = 0
	}

	switch entry.CDW10 & 0xff {
	case nvme.IdentifyCNSController:
		return nvme.StatusSuccess
	case nvme.IdentifyCNSNamespace:
		if entry.NSID != d.ns.id {
			return 1 // no such namespace; identifyNamespaces stops probing
		}
		ident := (*nvme.IdentifyNamespace)(unsafe.Pointer(&buf[0]))
		ident.NSZE = d.ns.blocks
		ident.NCAP = d.ns.blocks
		ident.NUSE = d.ns.blocks
		ident.NLBAF = 1
		ident.FLBAS = 0
		ident.LBAF[0] = nvme.LBAFormat{LBADS: log2(d.ns.blockSize)}
		return nvme.StatusSuccess
	default:
		return 1
	}
}

func log2(v uint32) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// pollIOQueues drains every registered I/O queue pair's submission ring
// up to its published doorbell tail, performing the read/write against
// the in-memory namespace and posting a completion for each.
func (d *Device) pollIOQueues() {
	d.mu.Lock()
	qids := make([]uint16, 0, len(d.queues))
	for qid := range d.queues {
		qids = append(qids, qid)
	}
	d.mu.Unlock()

	for _, qid := range qids {
		d.mu.Lock()
		q, ok := d.queues[qid]
		d.mu.Unlock()
		if !ok {
			continue
		}
		d.pollOneIOQueue(qid, q)
	}
}

func (d *Device) pollOneIOQueue(qid uint16, q *simQueue) {
	tailReg := nvme.DoorbellOffset(int(qid), 0, false)
	tail := uint16(d.regs.Read32(tailReg))

	for q.sqHead != tail {
		slot := nvme.SQEAt(unsafe.Pointer(&q.sqVirt[0]), q.sqHead)
		entry := *(*nvme.SubmissionEntry)(slot)

		status := d.handleIO(entry)

		q.sqHead = (q.sqHead + 1) % uint16(q.length)
		d.postIOCompletion(q, qid, entry.CID, status, q.sqHead)
	}
}

func (d *Device) handleIO(entry nvme.SubmissionEntry) uint16 {
	if entry.NSID != d.ns.id {
		return 1
	}

	slba := uint64(entry.CDW10) | uint64(entry.CDW11)<<32
	nlb := uint64(entry.CDW12 & 0xffff)
	nblocks := nlb + 1
	if slba+nblocks > d.ns.blocks {
		return nvme.StatusLBAOutOfRange
	}

	length := int(nblocks) * int(d.ns.blockSize)
	host, ok := d.alloc.Resolve(uintptr(entry.PRP1))
	if !ok || len(host) < length {
		return 1
	}
	host = host[:length]

	off := slba * uint64(d.ns.blockSize)
	dev := d.ns.data[off : off+uint64(length)]

	switch entry.OPC {
	case nvme.OpIORead:
		copy(host, dev)
	case nvme.OpIOWrite:
		copy(dev, host)
	default:
		return 1
	}
	return nvme.StatusSuccess
}

// postIOCompletion writes a completion entry field by field with atomic
// stores, the phase/status word last, mirroring
// internal/queue.CompletionRing's acquire-ordered reads on the other
// side of this same memory.
func (d *Device) postIOCompletion(q *simQueue, qid uint16, cid uint16, status uint16, sqHead uint16) {
	slot := nvme.CQEAt(unsafe.Pointer(&q.cqVirt[0]), q.cqTail)

	atomic.StoreUint32((*uint32)(slot), 0)
	atomic.StoreUint16((*uint16)(unsafe.Add(slot, 8)), sqHead)
	atomic.StoreUint16((*uint16)(unsafe.Add(slot, 10)), qid)
	atomic.StoreUint16((*uint16)(unsafe.Add(slot, 12)), cid)

	phase := uint16(0)
	if q.cqPhase {
		phase = 1
	}
	statusPT := (status << nvme.StatusCodeShift) | phase
	atomic.StoreUint16((*uint16)(unsafe.Add(slot, 14)), statusPT)

	q.cqTail++
	if q.cqTail == uint16(q.length) {
		q.cqTail = 0
		q.cqPhase = !q.cqPhase
	}
}
