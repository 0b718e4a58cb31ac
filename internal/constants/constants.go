// Package constants collects the size/timing/depth defaults shared across
// the driver: queue geometry, huge-page sizing, and bring-up timeouts.
package constants

import "time"

// Queue geometry defaults (spec.md §3, §6).
const (
	// DefaultQueueLength is L, the number of entries per submission/
	// completion ring. Spec.md §3: "the design targets L = 1024".
	DefaultQueueLength = 1024

	// MaxQueueLength is the hard ceiling on L: the maximum number of
	// 64-byte commands that fit in one huge page.
	MaxQueueLength = 1024

	// DefaultQueueCount is N, the number of I/O queue pairs a Driver
	// creates when the caller doesn't request a specific count.
	DefaultQueueCount = 4

	// DefaultLogicalBlockSize is a common logical block size, exported for
	// callers. The driver itself never reads it: it always takes the block
	// size from the identified namespace (spec.md §6).
	DefaultLogicalBlockSize = 512
)

// Memory sizing (spec.md §6).
const (
	// HugePageSize is the fixed huge-page granularity DMA regions are
	// allocated in.
	HugePageSize = 2 << 20 // 2 MiB

	// PRPPageSize is one PRP addressing unit.
	PRPPageSize = 4096

	// MaxTransferBytes is one PRP-list page's addressable span, the most a
	// single NVMe command transfers here; QueuePair.SubmitAsync splits
	// longer transfers into several commands using the same bound.
	MaxTransferBytes = (PRPPageSize / 8) * PRPPageSize
)

// Bring-up and polling timing.
const (
	// ControllerReadyTimeout bounds how long New waits for CSTS.RDY
	// after toggling CC.EN (spec.md §7: ControllerInit).
	ControllerReadyTimeout = 5 * time.Second

	// AdminCommandTimeout bounds a single synchronous admin round trip
	// (IDENTIFY, Create/Delete I/O SQ/CQ).
	AdminCommandTimeout = 5 * time.Second

	// PollBudget is the default number of completions a single poller
	// iteration drains before yielding (spec.md §4.7: "poll_multi(16)").
	PollBudget = 16

	// MaxEmptyBackoffMicros caps the poller's idle backoff sleep
	// (spec.md §4.7: "capped at 2^10 us ~= 1ms").
	MaxEmptyBackoffMicros = 1 << 10
)
