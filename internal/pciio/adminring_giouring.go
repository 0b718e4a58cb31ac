//go:build giouring

package pciio

import (
	"fmt"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// IOUringWaiter backs Waiter with an io_uring TIMEOUT completion instead of
// a runtime timer. The admin path (submitAdmin, waitReady) is already
// serialized behind Controller's mutex, so one ring with one outstanding
// timeout is enough; this gives the teacher's declared-but-unused
// pawelgaczynski/giouring dependency an actual caller (see DESIGN.md).
type IOUringWaiter struct {
	ring *giouring.Ring
}

// NewIOUringWaiter creates a small io_uring instance dedicated to backing
// admin-path backoff waits.
func NewIOUringWaiter() (*IOUringWaiter, error) {
	ring, err := giouring.CreateRing(4)
	if err != nil {
		return nil, fmt.Errorf("pciio: create io_uring: %w", err)
	}
	return &IOUringWaiter{ring: ring}, nil
}

// Close releases the ring. Call once, after the Controller using this
// waiter has itself been closed.
func (w *IOUringWaiter) Close() {
	w.ring.QueueExit()
}

// Wait parks the calling goroutine for d by submitting an
// IORING_OP_TIMEOUT and blocking for its completion, instead of a runtime
// timer tick.
func (w *IOUringWaiter) Wait(d time.Duration) {
	sqe := w.ring.GetSQE()
	if sqe == nil {
		time.Sleep(d)
		return
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	sqe.PrepTimeout(&ts, 0, 0)

	if _, err := w.ring.SubmitAndWait(1); err != nil {
		time.Sleep(d)
		return
	}
	cqe, err := w.ring.WaitCQE()
	if err != nil {
		return
	}
	w.ring.SeenCQE(cqe)
}
