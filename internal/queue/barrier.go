//go:build linux && cgo

package queue

/*
#include <stdint.h>

// x86-64 store fence to ensure all prior stores are globally visible
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence to ensure all prior memory operations are complete
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE instruction). The Submission Ring
// uses this between the last SQE store and the tail doorbell write: the
// controller must never observe an advanced tail before the SQE it points
// past is fully visible (spec.md §4.3, §5).
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence (x86 MFENCE instruction), used before
// reading a CQE's phase bit after a doorbell write to avoid the CPU
// reordering the doorbell store ahead of a subsequent completion load.
func Mfence() {
	C.mfence_impl()
}
