//go:build !(linux && cgo)

package queue

import "sync/atomic"

// fenceSink is touched by Sfence/Mfence below purely so the compiler can't
// prove the fence calls are dead code and elide the surrounding ordering
// they're meant to document; the real ordering guarantee on this path comes
// from the sync/atomic acquire/release loads and stores already used for
// every SQE/CQE/doorbell access (internal/pciio.RegisterWindow, C3, C4).
var fenceSink uint32

// Sfence is the non-cgo fallback used off Linux or with cgo disabled. The
// Go memory model's atomic store/load pairs already give the ordering this
// driver needs; this exists so the rest of the package can call Sfence/
// Mfence unconditionally regardless of build configuration.
func Sfence() { atomic.AddUint32(&fenceSink, 1) }

// Mfence is the non-cgo fallback; see Sfence.
func Mfence() { atomic.AddUint32(&fenceSink, 1) }
