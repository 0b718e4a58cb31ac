package nvqe

import "github.com/behrlich/nvqe/internal/constants"

// Re-exported defaults for callers that don't want to import the internal
// constants package directly.
const (
	DefaultQueueLength      = constants.DefaultQueueLength
	MaxQueueLength          = constants.MaxQueueLength
	DefaultQueueCount       = constants.DefaultQueueCount
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	HugePageSize            = constants.HugePageSize
	PRPPageSize             = constants.PRPPageSize
	MaxTransferBytes        = constants.MaxTransferBytes
)
