package nvqe

import (
	"context"

	"github.com/behrlich/nvqe/internal/constants"
	"github.com/behrlich/nvqe/internal/logging"
)

// DeviceParams configures a Driver's queue geometry and target device,
// mirroring the teacher's DeviceParams/DefaultParams shape (backend.go).
type DeviceParams struct {
	// PCIAddr is the sysfs PCI address of the controller to bring up,
	// e.g. "0000:01:00.0".
	PCIAddr string

	// QueueCount is N, the number of I/O queue pairs to create.
	QueueCount int

	// QueueLength is L, the submission/completion ring capacity per
	// queue pair. Must be <= constants.MaxQueueLength.
	QueueLength int

	// PollBudget is the number of completions a single poller iteration
	// drains before yielding (spec.md §4.7).
	PollBudget int

	// PinPollers, when true, pins each queue pair's poller goroutine to
	// CPU [0, QueueCount) via SchedSetaffinity, the way the teacher's
	// runner.go pins its I/O goroutines.
	PinPollers bool
}

// DefaultParams returns the default DeviceParams: 4 queue pairs of length
// 1024, budget 16, no CPU pinning.
func DefaultParams(pciAddr string) DeviceParams {
	return DeviceParams{
		PCIAddr:     pciAddr,
		QueueCount:  constants.DefaultQueueCount,
		QueueLength: constants.DefaultQueueLength,
		PollBudget:  constants.PollBudget,
		PinPollers:  false,
	}
}

// Options carries the cross-cutting collaborators a Driver uses:
// cancellation context, logger, and metrics observer. Mirrors the
// teacher's Options struct shape exactly (backend.go).
type Options struct {
	Context  context.Context
	Logger   *logging.Logger
	Observer Observer
}

// DefaultOptions returns Options with a background context, the default
// logger, and a NoOpObserver.
func DefaultOptions() Options {
	return Options{
		Context:  context.Background(),
		Logger:   logging.NewLogger(nil),
		Observer: NoOpObserver{},
	}
}

// Namespace describes an identified NVMe namespace: its id, block count,
// and logical block size (original_source/src/lib.rs's NvmeNamespace,
// restored per SPEC_FULL.md §12 — spec.md's distillation dropped explicit
// namespace metadata, folding it silently into "the block size").
type Namespace struct {
	ID        uint32
	Blocks    uint64
	BlockSize uint32
}

// Bytes returns the namespace's total addressable size in bytes.
func (n Namespace) Bytes() uint64 { return n.Blocks * uint64(n.BlockSize) }
