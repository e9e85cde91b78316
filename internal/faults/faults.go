// Package faults defines the failure taxonomy shared by the HTTP boundary
// and the export worker. Every service wraps its errors with a kind and an
// operation code so callers can map failures uniformly without inspecting
// error strings.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for boundary handling.
type Kind string

const (
	// KindValidation covers rejected input: bad file type or size, empty
	// annotation text, out-of-range coordinates.
	KindValidation Kind = "validation"
	// KindSync marks a mutation that succeeded in memory but failed to
	// persist. The session stays usable; the caller surfaces a recoverable
	// sync-failed state.
	KindSync Kind = "sync"
	// KindRender covers rasterization and compositing failures.
	KindRender Kind = "render"
	// KindEngine covers transcoding engine load and invocation failures.
	KindEngine Kind = "engine"
	// KindQuota marks an export attempt without premium entitlement and
	// without remaining free exports.
	KindQuota Kind = "quota"
	// KindNotFound marks a missing or foreign-owned record.
	KindNotFound Kind = "not_found"
	// KindInternal is the fallback for everything else.
	KindInternal Kind = "internal"
)

// Fault carries a kind, an operation code in the form "component.operation.reason",
// and the underlying cause.
type Fault struct {
	kind Kind
	code string
	err  error
}

func (f *Fault) Error() string {
	if f.err == nil {
		return f.code
	}
	return fmt.Sprintf("%s: %v", f.code, f.err)
}

func (f *Fault) Unwrap() error {
	return f.err
}

// Code returns the operation code attached to the fault.
func (f *Fault) Code() string {
	return f.code
}

// New wraps cause with a kind and an "operation.reason" code.
func New(kind Kind, operation, reason string, cause error) error {
	return &Fault{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// KindOf walks the error chain and returns the kind of the outermost Fault,
// or KindInternal when the chain contains none.
func KindOf(err error) Kind {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.kind
	}
	return KindInternal
}

// CodeOf returns the operation code of the outermost Fault, or "" when the
// chain contains none.
func CodeOf(err error) string {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.code
	}
	return ""
}
