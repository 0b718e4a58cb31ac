package queue

import (
	"fmt"
	"sync"
)

// Completion is what a Pending Table notifier delivers: the raw NVMe
// status code from the CQE (0 = success), or an error if the driver
// dropped the notifier before a real completion arrived.
type Completion struct {
	Status uint16
	Err    error
}

// notifier is the one-shot channel a submitting caller waits on and the
// poller delivers into. Buffered to 1 so the poller's send never blocks
// even if the Request isn't being awaited yet.
type notifier chan Completion

// PendingTable maps a queue pair's outstanding command-IDs to their
// one-shot notifiers (spec.md §3, §4.6). Insertion strictly precedes the
// doorbell write; removal happens in the poller before notifier delivery.
// Safe for concurrent use between the submitting caller and the poller
// task, per spec.md §5's "finer-grained async mutex inside the queue
// pair, held only for O(1) insert/remove".
type PendingTable struct {
	mu       sync.Mutex
	entries  map[uint16]notifier
	capacity int
}

// NewPendingTable creates a table bounded to capacity entries (the queue
// pair's L).
func NewPendingTable(capacity int) *PendingTable {
	return &PendingTable{entries: make(map[uint16]notifier, capacity), capacity: capacity}
}

// Insert registers ch to receive cid's completion. Returns an error if
// cid is already pending (a programming error: c_id reuse before
// completion) or the table is already at capacity.
func (t *PendingTable) Insert(cid uint16, ch notifier) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[cid]; exists {
		return fmt.Errorf("queue: command ID %d already pending", cid)
	}
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("queue: pending table at capacity (%d)", t.capacity)
	}
	t.entries[cid] = ch
	return nil
}

// Remove deletes and returns cid's notifier, reporting whether it was
// present. A completion whose c_id is not present is a duplicate or a
// late completion after abort (spec.md §4.5) — the caller logs and
// discards rather than treating it as an error.
func (t *PendingTable) Remove(cid uint16) (notifier, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.entries[cid]
	if ok {
		delete(t.entries, cid)
	}
	return ch, ok
}

// Len reports the number of outstanding commands, used by the quantified
// invariant in spec.md §8.1 (|pending| + free slots == L-1).
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll delivers a Completion carrying err to every still-pending
// notifier and empties the table. A Request receiving it resolves to an
// error wrapping err.
func (t *PendingTable) CloseAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cid, ch := range t.entries {
		ch <- Completion{Err: err}
		delete(t.entries, cid)
	}
}
