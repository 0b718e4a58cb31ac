package pciio

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/behrlich/nvqe/internal/nvme"
)

// AdminQueueDepth is the fixed depth of the admin submission/completion
// ring pair bring-up and ongoing admin operations (IDENTIFY, Create/Delete
// I/O SQ/CQ) share. It is independent of the I/O queue pairs' length L.
const AdminQueueDepth = 32

// Namespace is the bring-up collaborator's IDENTIFY NAMESPACE result:
// namespace id, block count and logical block size (spec.md §6: "Block
// size: taken from IDENTIFY NAMESPACE").
type Namespace struct {
	ID        uint32
	Blocks    uint64
	BlockSize uint32
}

// Controller is the NVMe controller handle spec.md §5 describes as
// "guarded by its own mutex, used solely for admin-path operations
// (creation, deletion, IDENTIFY)". It performs controller bring-up
// (CC.EN/CSTS.RDY handshake, admin queue setup, IDENTIFY) on construction,
// matching spec.md §1's "the core assumes an initialized controller" by
// being the thing that does that initializing before handing control to
// the core engine.
type Controller struct {
	mu sync.Mutex

	mapping []byte
	regs    *RegisterWindow
	dstrd   uint8

	alloc       Allocator
	adminSQMem  []byte
	adminCQMem  []byte
	adminSQPhys uintptr
	adminCQPhys uintptr

	sqTail   uint16
	cqHead   uint16
	cqPhase  bool
	nextCID  uint16
	namespaces []Namespace
}

// New performs PCI class verification, BAR0 mapping, the CC.EN/CSTS.RDY
// bring-up handshake, admin queue setup, and IDENTIFY CONTROLLER/NAMESPACE,
// returning a ready-to-use admin handle plus the namespaces discovered.
// Errors map to the NotNvme / ControllerInit kinds spec.md §7 defines; the
// caller (Driver.New, C8) is responsible for surfacing them with that
// vocabulary.
func New(pciAddr string, alloc Allocator) (*Controller, []Namespace, error) {
	class, err := CheckClass(pciAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("pciio: read class: %w", err)
	}
	if (class>>8)&0xffff != NVMeClassCode {
		return nil, nil, fmt.Errorf("pciio: pci class 0x%06x is not NVMe (0x0108xx)", class)
	}

	mapping, err := MapResource(pciAddr)
	if err != nil {
		return nil, nil, err
	}

	return NewFromMapping(mapping, alloc)
}

// NewFromMapping performs the same bring-up sequence as New (CC.EN/
// CSTS.RDY handshake, admin queue setup, IDENTIFY CONTROLLER/NAMESPACE)
// against an already-obtained BAR0 mapping, skipping PCI class
// verification and sysfs resource enumeration. This is the seam
// backend/loopback uses to drive the real bring-up state machine against
// a simulated controller's register window instead of real hardware.
func NewFromMapping(mapping []byte, alloc Allocator) (*Controller, []Namespace, error) {
	c := &Controller{mapping: mapping, regs: NewRegisterWindow(mapping), alloc: alloc}
	cap := c.regs.Read64(nvme.RegCAP)
	c.dstrd = uint8((cap >> 32) & 0xf)

	if err := c.setupAdminQueues(); err != nil {
		_ = UnmapResource(mapping)
		return nil, nil, err
	}

	if err := c.waitReady(5 * time.Second); err != nil {
		_ = UnmapResource(mapping)
		return nil, nil, err
	}

	ctrlInfo, err := c.identifyController()
	if err != nil {
		_ = UnmapResource(mapping)
		return nil, nil, err
	}
	_ = ctrlInfo

	namespaces, err := c.identifyNamespaces()
	if err != nil {
		_ = UnmapResource(mapping)
		return nil, nil, err
	}
	c.namespaces = namespaces

	return c, namespaces, nil
}

func (c *Controller) setupAdminQueues() error {
	sqMem, sqPhys, err := c.alloc.AllocateHugePage(AdminQueueDepth * nvme.SQEntrySize)
	if err != nil {
		return fmt.Errorf("pciio: allocate admin SQ: %w", err)
	}
	cqMem, cqPhys, err := c.alloc.AllocateHugePage(AdminQueueDepth * nvme.CQEntrySize)
	if err != nil {
		_ = c.alloc.Free(sqMem)
		return fmt.Errorf("pciio: allocate admin CQ: %w", err)
	}
	c.adminSQMem, c.adminSQPhys = sqMem, sqPhys
	c.adminCQMem, c.adminCQPhys = cqMem, cqPhys
	c.cqPhase = true

	// CC.EN must be 0 before ASQ/ACQ/AQA are configured (NVMe 1.4 §3.5.1).
	cc := c.regs.Read32(nvme.RegCC)
	c.regs.Write32(nvme.RegCC, cc&^uint32(nvme.CCEnable))

	aqa := uint32(AdminQueueDepth-1) | uint32(AdminQueueDepth-1)<<16
	c.regs.Write32(nvme.RegAQA, aqa)
	c.regs.Write64(nvme.RegASQ, uint64(sqPhys))
	c.regs.Write64(nvme.RegACQ, uint64(cqPhys))

	cc = uint32(6)<<nvme.CCShiftIOSQES | uint32(4)<<nvme.CCShiftIOCQES | nvme.CCEnable
	c.regs.Write32(nvme.RegCC, cc)
	return nil
}

func (c *Controller) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := time.Microsecond
	for time.Now().Before(deadline) {
		csts := c.regs.Read32(nvme.RegCSTS)
		if csts&nvme.CSTSFatal != 0 {
			return fmt.Errorf("pciio: controller reports fatal status")
		}
		if csts&nvme.CSTSReady != 0 {
			return nil
		}
		activeWaiter.Wait(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
	return fmt.Errorf("pciio: CSTS.RDY never asserted within %s", timeout)
}

// submitAdmin writes entry into the admin SQ, rings its doorbell, and
// blocks (with adaptive backoff, mirroring the poller's idle backoff) for
// the matching completion. It is synchronous by design: admin operations
// are rare and spec.md §5 scopes them to a single mutex, not the async
// per-queue-pair engine.
func (c *Controller) submitAdmin(entry nvme.SubmissionEntry) (nvme.CompletionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.CID = c.nextCID
	c.nextCID++

	slot := nvme.SQEAt(unsafe.Pointer(&c.adminSQMem[0]), c.sqTail)
	*(*nvme.SubmissionEntry)(slot) = entry
	c.sqTail = (c.sqTail + 1) % AdminQueueDepth
	c.regs.WriteDoorbell(nvme.DoorbellOffset(nvme.AdminQueueID, c.dstrd, false), uint32(c.sqTail))

	deadline := time.Now().Add(5 * time.Second)
	backoff := time.Microsecond
	for time.Now().Before(deadline) {
		slot := nvme.CQEAt(unsafe.Pointer(&c.adminCQMem[0]), c.cqHead)
		cqe := *(*nvme.CompletionEntry)(slot)
		if cqe.Phase() == c.cqPhase {
			c.cqHead++
			if c.cqHead == AdminQueueDepth {
				c.cqHead = 0
				c.cqPhase = !c.cqPhase
			}
			c.regs.WriteDoorbell(nvme.DoorbellOffset(nvme.AdminQueueID, c.dstrd, true), uint32(c.cqHead))
			if cqe.StatusCode() != nvme.StatusSuccess {
				return cqe, fmt.Errorf("pciio: admin command opcode=0x%x status=0x%x", entry.OPC, cqe.StatusCode())
			}
			return cqe, nil
		}
		activeWaiter.Wait(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
	return nvme.CompletionEntry{}, fmt.Errorf("pciio: admin command opcode=0x%x timed out", entry.OPC)
}

func (c *Controller) identifyController() (nvme.IdentifyController, error) {
	buf, phys, err := c.alloc.AllocateHugePage(4096)
	if err != nil {
		return nvme.IdentifyController{}, fmt.Errorf("pciio: allocate identify buffer: %w", err)
	}
	defer c.alloc.Free(buf)

	entry := nvme.SubmissionEntry{OPC: nvme.OpAdminIdentify, PRP1: uint64(phys), CDW10: nvme.IdentifyCNSController}
	if _, err := c.submitAdmin(entry); err != nil {
		return nvme.IdentifyController{}, err
	}
	return *(*nvme.IdentifyController)(unsafe.Pointer(&buf[0])), nil
}

func (c *Controller) identifyNamespaces() ([]Namespace, error) {
	buf, phys, err := c.alloc.AllocateHugePage(4096)
	if err != nil {
		return nil, fmt.Errorf("pciio: allocate identify buffer: %w", err)
	}
	defer c.alloc.Free(buf)

	var namespaces []Namespace
	for nsid := uint32(1); nsid <= 8; nsid++ {
		entry := nvme.SubmissionEntry{
			OPC: nvme.OpAdminIdentify, NSID: nsid,
			PRP1: uint64(phys), CDW10: nvme.IdentifyCNSNamespace,
		}
		if _, err := c.submitAdmin(entry); err != nil {
			break // namespace doesn't exist; stop probing
		}
		ns := (*nvme.IdentifyNamespace)(unsafe.Pointer(&buf[0]))
		if ns.NSZE == 0 {
			continue
		}
		namespaces = append(namespaces, Namespace{ID: nsid, Blocks: ns.NSZE, BlockSize: ns.BlockSize()})
	}
	if len(namespaces) == 0 {
		return nil, fmt.Errorf("pciio: no namespaces reported by controller")
	}
	return namespaces, nil
}

// CreateIOQueuePair issues the admin Create I/O Completion Queue then
// Create I/O Submission Queue commands (CQ must exist before its SQ is
// created, NVMe 1.4 §5.3) for a new I/O queue pair at the given physical
// addresses.
func (c *Controller) CreateIOQueuePair(qid uint16, length int, sqPhys, cqPhys uintptr) error {
	cqEntry := nvme.SubmissionEntry{
		OPC:   nvme.OpAdminCreateIOCQ,
		PRP1:  uint64(cqPhys),
		CDW10: uint32(qid) | uint32(length-1)<<16,
		CDW11: 1, // physically contiguous, interrupts disabled (polled)
	}
	if _, err := c.submitAdmin(cqEntry); err != nil {
		return fmt.Errorf("pciio: create I/O CQ %d: %w", qid, err)
	}

	sqEntry := nvme.SubmissionEntry{
		OPC:   nvme.OpAdminCreateIOSQ,
		PRP1:  uint64(sqPhys),
		CDW10: uint32(qid) | uint32(length-1)<<16,
		CDW11: uint32(qid)<<16 | 1, // associated CQID | physically contiguous
	}
	if _, err := c.submitAdmin(sqEntry); err != nil {
		return fmt.Errorf("pciio: create I/O SQ %d: %w", qid, err)
	}
	return nil
}

// DeleteIOQueuePair issues Delete I/O Submission Queue then Delete I/O
// Completion Queue (the reverse creation order, NVMe 1.4 §5.3), per
// spec.md §4.8's cleanup() description.
func (c *Controller) DeleteIOQueuePair(qid uint16) error {
	sqEntry := nvme.SubmissionEntry{OPC: nvme.OpAdminDeleteIOSQ, CDW10: uint32(qid)}
	if _, err := c.submitAdmin(sqEntry); err != nil {
		return fmt.Errorf("pciio: delete I/O SQ %d: %w", qid, err)
	}
	cqEntry := nvme.SubmissionEntry{OPC: nvme.OpAdminDeleteIOCQ, CDW10: uint32(qid)}
	if _, err := c.submitAdmin(cqEntry); err != nil {
		return fmt.Errorf("pciio: delete I/O CQ %d: %w", qid, err)
	}
	return nil
}

// RegisterWindow exposes the mapped BAR0 window so the core engine
// (internal/queue) can ring I/O queue doorbells directly, without routing
// every I/O-path doorbell write through the admin mutex.
func (c *Controller) RegisterWindow() *RegisterWindow { return c.regs }

// DoorbellStride returns CAP.DSTRD, needed by queue.NewQueuePair to compute
// its own doorbell offsets.
func (c *Controller) DoorbellStride() uint8 { return c.dstrd }

// Allocator exposes the DMA allocator so the core engine can allocate I/O
// queue ring memory and PRP-list pages through the same collaborator.
func (c *Controller) Allocator() Allocator { return c.alloc }

// Close tears down the controller handle: admin ring memory and the BAR0
// mapping. It does not disable the controller (CC.EN) — that is part of
// driver shutdown semantics spec.md leaves to cleanup()/the caller.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.alloc.Free(c.adminSQMem)
	_ = c.alloc.Free(c.adminCQMem)
	return UnmapResource(c.mapping)
}
