package nvqe

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a structured driver error with enough context to diagnose
// which component, queue pair, and command ID were involved, mirroring
// the teacher's ublk *Error.
type Error struct {
	Op      string    // operation that failed (e.g. "Driver.New", "QueuePair.SubmitAsync")
	Queue   int       // queue-pair id, -1 if not applicable
	CID     int       // command ID, -1 if not applicable
	Code    ErrorCode // high-level error category
	Status  uint16    // raw NVMe completion status, 0 if not an NvmeStatus error
	Msg     string
	Inner   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.CID >= 0 {
		parts = append(parts, fmt.Sprintf("cid=%d", e.CID))
	}
	if e.Code == ErrCodeNvmeStatus {
		parts = append(parts, fmt.Sprintf("status=0x%04x", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("nvqe: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("nvqe: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparisons against another *Error by error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level error category, spec.md §7's "Error kinds".
type ErrorCode string

// Error kinds named by spec.md §7.
const (
	ErrCodeNotNvme          ErrorCode = "pci class is not NVMe (0x0108)"
	ErrCodeControllerInit   ErrorCode = "controller initialization failed"
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeTransferTooLarge ErrorCode = "transfer too large for one PRP list page"
	ErrCodeQueueFull        ErrorCode = "submission queue full"
	ErrCodeNvmeStatus       ErrorCode = "device reported nonzero completion status"
	ErrCodeChannelClosed    ErrorCode = "notifier channel closed before completion"
	ErrCodeInvalidArgument  ErrorCode = "invalid argument"
	ErrCodeShutdown         ErrorCode = "driver has been cleaned up"
)

// Sentinel errors for errors.Is comparisons that don't need the full
// *Error context (e.g. a caller checking "was this ChannelClosed" without
// constructing a comparison Error).
var (
	ErrNotNvme          = &Error{Code: ErrCodeNotNvme, Queue: -1, CID: -1}
	ErrControllerInit   = &Error{Code: ErrCodeControllerInit, Queue: -1, CID: -1}
	ErrResourceExhausted = &Error{Code: ErrCodeResourceExhausted, Queue: -1, CID: -1}
	ErrTransferTooLarge = &Error{Code: ErrCodeTransferTooLarge, Queue: -1, CID: -1}
	ErrQueueFull        = &Error{Code: ErrCodeQueueFull, Queue: -1, CID: -1}
	ErrChannelClosed    = &Error{Code: ErrCodeChannelClosed, Queue: -1, CID: -1}
	ErrShutdown         = &Error{Code: ErrCodeShutdown, Queue: -1, CID: -1}
)

// NewError creates a structured error with no queue/command context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Queue: -1, CID: -1}
}

// NewQueueError creates a structured error scoped to a queue pair.
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: queue, CID: -1, Code: code, Msg: msg}
}

// NewNvmeStatusError builds the per-request error a Request resolves to
// when the device returns a nonzero completion status (spec.md §7:
// "NvmeStatus(code) ... propagated to the awaiting Request").
func NewNvmeStatusError(queue int, cid int, status uint16) *Error {
	return &Error{
		Op:     "QueuePair.PollMulti",
		Queue:  queue,
		CID:    cid,
		Code:   ErrCodeNvmeStatus,
		Status: status,
		Msg:    fmt.Sprintf("nvme status 0x%04x", status),
	}
}

// WrapError wraps inner with operation context op, preserving a
// structured inner *Error's code/queue/cid if present.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Queue:  ie.Queue,
			CID:    ie.CID,
			Code:   ie.Code,
			Status: ie.Status,
			Msg:    ie.Msg,
			Inner:  ie.Inner,
		}
	}
	return &Error{Op: op, Queue: -1, CID: -1, Code: ErrCodeInvalidArgument, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) a structured Error with code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StatusOf extracts the raw NVMe completion status from err, if it is an
// ErrCodeNvmeStatus error.
func StatusOf(err error) (uint16, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCodeNvmeStatus {
		return e.Status, true
	}
	return 0, false
}
