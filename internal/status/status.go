// Package status defines the error codes the server and the engine report
// and how each is handled.
//
// Codes follow the gRPC numbering so that errors round-trip through any
// transport unchanged:
//
//	if status.IsPermanentWrite(status.CodeOf(err)) {
//	    // reject the head batch
//	}
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is a canonical error code.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = [...]string{
	"ok", "cancelled", "unknown", "invalid-argument", "deadline-exceeded",
	"not-found", "already-exists", "permission-denied", "resource-exhausted",
	"failed-precondition", "aborted", "out-of-range", "unimplemented",
	"internal", "unavailable", "data-loss", "unauthenticated",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode maps a code name back to its Code. Unrecognised names are Unknown.
func ParseCode(name string) Code {
	for i, n := range codeNames {
		if n == name {
			return Code(i)
		}
	}
	return Unknown
}

// Error is an error carrying a Code.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// Is lets errors.Is match any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Code == e.Code
}

// CodeOf extracts the code from err. Context errors map to Cancelled and
// DeadlineExceeded; any other error without a code is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	}
	return Unknown
}

// IsPermanent reports whether retrying an operation that failed with code
// cannot succeed.
func IsPermanent(code Code) bool {
	switch code {
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied,
		FailedPrecondition, Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	}
	return false
}

// IsPermanentWrite reports whether a write failing with code must be
// rejected. Aborted writes are retried since they usually lost a race.
func IsPermanentWrite(code Code) bool {
	return IsPermanent(code) && code != Aborted
}

// IsRetryable reports whether code indicates a transient failure.
func IsRetryable(code Code) bool {
	switch code {
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted, Internal, Unavailable:
		return true
	}
	return false
}

// IsAuth reports whether code means the credential was rejected.
func IsAuth(code Code) bool { return code == Unauthenticated }
