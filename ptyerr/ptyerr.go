// Package ptyerr defines the error taxonomy returned to JSON-RPC
// clients of ptyctl. An *Error crossing the tool-dispatch boundary
// carries one of the codes below as its error_code; any other error is
// reported as a JSON-RPC internal error without a code.
package ptyerr

import "fmt"

// Code is one of the error_code values documented in the tool surface.
type Code string

// Client mistakes.
const (
	InvalidArgument Code = "INVALID_ARGUMENT"
	NotFound        Code = "NOT_FOUND"
	AlreadyClosed   Code = "ALREADY_CLOSED"
)

// Connector establishment failures.
const (
	ConnectTimeout  Code = "CONNECT_TIMEOUT"
	ConnectFailed   Code = "CONNECT_FAILED"
	AuthFailed      Code = "AUTH_FAILED"
	HostkeyMismatch Code = "HOSTKEY_MISMATCH"
)

// Runtime transport failures.
const (
	IOError      Code = "IO_ERROR"
	RemoteClosed Code = "REMOTE_CLOSED"
)

// Exec failures.
const (
	ExecTimeout Code = "EXEC_TIMEOUT"
)

// Concurrency discipline.
const (
	Locked       Code = "LOCKED"
	LockRequired Code = "LOCK_REQUIRED"
	LockConflict Code = "LOCK_CONFLICT"
	NotLocked    Code = "NOT_LOCKED"
)

// Capability mismatch.
const (
	Unsupported Code = "UNSUPPORTED"
)

// Error is the typed error carried across the tool-dispatch boundary.
// Fields beyond Code/Message are opaque, protocol-specific data such as
// lock_holder or lock_expires_at that a dispatcher shapes into a
// response's error.data.
type Error struct {
	Code    Code
	Message string
	Data    map[string]interface{}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error with no extra data.
func New(code Code, format string, a ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// WithData attaches structured data (e.g. lock_holder) and returns e for chaining.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, ptyerr.Sentinel(ptyerr.Locked)) matches any Locked error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel returns a comparable *Error for use with errors.Is, e.g.
// errors.Is(err, ptyerr.Sentinel(ptyerr.Locked)).
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}
