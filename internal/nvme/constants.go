// Package nvme defines the on-the-wire NVMe structures and constants this
// driver core exchanges with a controller over its BAR0 register window and
// submission/completion rings: command opcodes, status codes, controller
// register offsets, and the submission/completion queue entry layouts.
package nvme

// Controller register offsets (MMIO, little-endian), NVMe 1.4 §3.1.
const (
	RegCAP  = 0x00 // Controller Capabilities (8 bytes)
	RegVS   = 0x08 // Version (4 bytes)
	RegCC   = 0x14 // Controller Configuration (4 bytes)
	RegCSTS = 0x1c // Controller Status (4 bytes)
	RegAQA  = 0x24 // Admin Queue Attributes (4 bytes)
	RegASQ  = 0x28 // Admin Submission Queue base address (8 bytes)
	RegACQ  = 0x30 // Admin Completion Queue base address (8 bytes)

	DoorbellBase = 0x1000 // first SQ/CQ doorbell pair
)

// CC (Controller Configuration) bits.
const (
	CCEnable    = 1 << 0
	CCShiftIOSQES = 16
	CCShiftIOCQES = 20
)

// CSTS (Controller Status) bits.
const (
	CSTSReady   = 1 << 0
	CSTSFatal   = 1 << 1
)

// Admin opcodes.
const (
	OpAdminDeleteIOSQ     = 0x00
	OpAdminCreateIOSQ     = 0x01
	OpAdminDeleteIOCQ     = 0x04
	OpAdminCreateIOCQ     = 0x05
	OpAdminIdentify       = 0x06
)

// I/O opcodes (spec.md §6: "Logical I/O opcodes used").
const (
	OpIORead  = 0x02
	OpIOWrite = 0x01
)

// CNS values for the Identify admin command.
const (
	IdentifyCNSNamespace       = 0x00
	IdentifyCNSController     = 0x01
	IdentifyCNSNamespaceList  = 0x02
)

// Status code: low bit of DW3's upper half is the phase tag; the remaining
// 15 bits are the actual completion status (NVMe 1.4 Figure 93).
const (
	StatusPhaseMask = 0x0001
	StatusCodeShift = 1
	StatusCodeMask  = 0x7fff // after shifting out the phase bit

	StatusSuccess        = 0x0000
	StatusLBAOutOfRange  = 0x0080
)

// Sizing constants named directly by spec.md §6.
const (
	HugePageSize   = 2 << 20 // 2 MiB
	PRPPageSize    = 4096    // one PRP unit
	MaxQueueLength = 1024    // spec.md §3 "design targets L = 1024"
	AdminQueueID   = 0       // "0 is admin, owned by the bring-up collaborator"
)

// SQEntrySize and CQEntrySize are the fixed wire sizes spec.md §6 names.
const (
	SQEntrySize = 64
	CQEntrySize = 16
)

// DoorbellOffset computes the MMIO offset of queue q's SQ or CQ doorbell
// given the controller's reported doorbell stride (CAP.DSTRD), per
// spec.md §6: "the SQ doorbell is at 0x1000 + (2q) * (4 << CAP.DSTRD), the
// CQ doorbell at the next stride."
func DoorbellOffset(q int, dstrd uint8, completion bool) uintptr {
	stride := uintptr(4) << dstrd
	idx := uintptr(2 * q)
	if completion {
		idx++
	}
	return DoorbellBase + idx*stride
}
