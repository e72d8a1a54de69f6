// Package dm is the public facade of the block-device mapper: device
// lifecycle operations, request submission, and the administrative ioctl
// surface (spec §3, §6).
package dm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-dm/dispatch"
	"github.com/behrlich/go-dm/registry"
)

// ErrorCode is the high-level error taxonomy surfaced to callers (spec §7).
type ErrorCode string

const (
	CodeNoSuchDevice          ErrorCode = "no such device"
	CodeNotActive             ErrorCode = "device not active"
	CodeAllocFailure          ErrorCode = "allocation failure"
	CodeTargetMapError        ErrorCode = "target map error"
	CodeTargetCompletionError ErrorCode = "target completion error"
	CodeBusy                  ErrorCode = "device busy"
	CodeInvalidArgument       ErrorCode = "invalid argument"
)

// Error is the structured error returned by every exported operation,
// carrying the device minor and the errno the caller would see from an
// ioctl/syscall boundary (spec §7).
type Error struct {
	Op    string     // operation that failed, e.g. "activate", "dispatch"
	Minor uint32     // device minor (0 if not applicable)
	Code  ErrorCode  // high-level category
	Errno unix.Errno // mapped kernel errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Minor != 0 {
		parts = append(parts, fmt.Sprintf("minor=%d", e.Minor))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("dm: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("dm: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by code, so callers can write
// errors.Is(err, &dm.Error{Code: dm.CodeBusy}) without matching Op/Minor.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError constructs a structured error for the given operation and code,
// mapping code to its conventional errno (spec §7).
func NewError(op string, minor uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Minor: minor, Code: code, Errno: errnoForCode(code), Msg: msg}
}

// WrapError attaches op/minor context to an existing error, preserving a
// structured inner *Error's code and errno if present.
func WrapError(op string, minor uint32, inner error) *Error {
	if inner == nil {
		return nil
	}
	var de *Error
	if errors.As(inner, &de) {
		return &Error{Op: op, Minor: minor, Code: de.Code, Errno: de.Errno, Msg: de.Msg, Inner: inner}
	}
	code := codeForLowerLayerError(inner)
	return &Error{Op: op, Minor: minor, Code: code, Errno: errnoForCode(code), Msg: inner.Error(), Inner: inner}
}

// codeForLowerLayerError classifies the sentinel errors returned by the
// registry and dispatch packages, which carry no *Error of their own since
// those packages sit below the root package and must not import it.
func codeForLowerLayerError(err error) ErrorCode {
	switch {
	case errors.Is(err, registry.ErrNoSuchDevice):
		return CodeNoSuchDevice
	case errors.Is(err, registry.ErrBusy):
		return CodeBusy
	case errors.Is(err, registry.ErrRegistryFull), errors.Is(err, registry.ErrSlotInUse):
		return CodeAllocFailure
	case errors.Is(err, registry.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, dispatch.ErrPoolExhausted):
		return CodeAllocFailure
	case errors.Is(err, dispatch.ErrTargetMap):
		return CodeTargetMapError
	default:
		return CodeInvalidArgument
	}
}

func errnoForCode(code ErrorCode) unix.Errno {
	switch code {
	case CodeNoSuchDevice:
		return unix.ENODEV
	case CodeNotActive:
		return unix.ENODEV
	case CodeAllocFailure:
		return unix.ENOMEM
	case CodeTargetMapError, CodeTargetCompletionError:
		return unix.EIO
	case CodeBusy:
		return unix.EBUSY
	case CodeInvalidArgument:
		return unix.EINVAL
	default:
		return unix.EIO
	}
}

// IsCode reports whether err is, or wraps, a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// ErrPermissionDenied is returned by privileged ioctls (spec §6
// "flush-buffers is privileged") issued without the required capability.
var ErrPermissionDenied = &Error{Op: "ioctl", Code: CodeInvalidArgument, Errno: unix.EPERM, Msg: "operation requires elevated privilege"}
