package queue

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/nvqe/internal/logging"
)

// maxEmptyCount caps the idle-backoff state counter (spec.md §4.7: "empty_count
// = min(empty_count + 1, 20)").
const maxEmptyCount = 20

// yieldThreshold is the empty_count up to which the poller cooperatively
// yields instead of sleeping.
const yieldThreshold = 10

// Poller is the one cooperative task per queue pair that spec.md §4.7
// describes: drains the completion ring, resolves pending-table entries,
// and backs off adaptively when idle. Grounded on the teacher's runner.go
// ioLoop (LockOSThread + optional CPU affinity, an infinite select-driven
// loop) generalized from ublk's io_uring wait to this driver's poll_multi.
type Poller struct {
	qp     *QueuePair
	cpu    int // -1 = no affinity
	budget int
	logger *logging.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// defaultPollBudget is used when NewPoller is given budget <= 0 (spec.md
// §4.7's "poll_multi(16)").
const defaultPollBudget = 16

// NewPoller creates a poller for qp. cpu < 0 means no CPU pinning; budget
// <= 0 falls back to defaultPollBudget.
func NewPoller(qp *QueuePair, cpu int, logger *logging.Logger, budget int) *Poller {
	if budget <= 0 {
		budget = defaultPollBudget
	}
	return &Poller{qp: qp, cpu: cpu, budget: budget, logger: logger, done: make(chan struct{})}
}

// Start launches the poller's goroutine.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop signals the poller to exit and waits for it to do so. Cooperative:
// it never forcibly aborts a task mid-batch (spec.md §4.7's "shutdown
// must be cooperative; no forced abort during an outstanding command
// set").
func (p *Poller) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p.cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(p.cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil && p.logger != nil {
			p.logger.Warnf("queue %d: failed to set CPU affinity to %d: %v", p.qp.ID(), p.cpu, err)
		}
	}

	emptyCount := 0
	for {
		select {
		case <-p.done:
			return
		default:
		}

		p.qp.Lock()
		results := p.qp.PollMulti(p.budget)
		p.qp.Unlock()

		if len(results) > 0 {
			emptyCount = 0
			for _, r := range results {
				ch, ok := p.qp.Remove(r.CID)
				if !ok {
					if p.logger != nil {
						p.logger.Warnf("queue %d: completion for unknown c_id %d discarded", p.qp.ID(), r.CID)
					}
					continue
				}
				ch <- Completion{Status: r.Status}
			}
			continue
		}

		if emptyCount < maxEmptyCount {
			emptyCount++
		}
		if emptyCount <= yieldThreshold {
			runtime.Gosched()
			continue
		}
		backoffUs := 1 << uint(emptyCount-yieldThreshold)
		if backoffUs > 1<<10 {
			backoffUs = 1 << 10
		}
		time.Sleep(time.Duration(backoffUs) * time.Microsecond)
	}
}
