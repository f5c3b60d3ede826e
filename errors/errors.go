// Package errors defines SyncError, the structured error returned by the
// queue, the stores, the conflict engine and the transports.
package errors

import (
	"errors"
	"strings"
)

// ErrorCode groups failures by the subsystem contract they break.
type ErrorCode string

const (
	ErrCodeNetworkFailure       ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure       ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure      ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure    ErrorCode = "VALIDATION_FAILURE"
	ErrCodeConfigurationFailure ErrorCode = "CONFIGURATION_FAILURE"
	ErrCodeSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"
)

// Operation is the step that failed.
type Operation string

const (
	OpInit            Operation = "init"
	OpEnqueue         Operation = "enqueue"
	OpDequeue         Operation = "dequeue"
	OpForward         Operation = "forward"
	OpRestore         Operation = "restore"
	OpSaveEntry       Operation = "save_entry"
	OpRemoveEntry     Operation = "remove_entry"
	OpLoad            Operation = "load"
	OpExecute         Operation = "execute"
	OpConflictResolve Operation = "conflict_resolve"
	OpTransport       Operation = "transport"
	OpClose           Operation = "close"
)

// Kind is a coarse classification callers can branch on.
type Kind string

const (
	KindUnknown     Kind = ""
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// SyncError carries where a failure happened and whether replaying the
// same step later can succeed.
type SyncError struct {
	Op        Operation
	Component string
	Code      ErrorCode
	Kind      Kind
	Retryable bool
	Err       error
	Metadata  map[string]any
}

// Error renders "component: op [CODE]: cause", omitting empty parts.
func (e *SyncError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Op))
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(string(e.Code))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Unwrap() error { return e.Err }

// WithMetadata attaches a key/value pair and returns e.
func (e *SyncError) WithMetadata(key string, value any) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Component is an argument to E naming the failing subsystem.
type Component string

// Op is an argument to E naming the failing step.
type Op string

// E assembles a SyncError from its arguments, matched by type: Op or
// Operation, Component, Kind, ErrorCode, bool for Retryable, and error
// for the cause. A string becomes the cause if none is set yet, and the
// "detail" metadata otherwise.
func E(args ...any) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = Operation(a)
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case bool:
			e.Retryable = a
		case error:
			e.Err = a
		case string:
			if e.Err != nil {
				e.WithMetadata("detail", a)
				continue
			}
			e.Err = errors.New(a)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unknown error")
	}
	return e
}

// codeDefaults are the component, kind and retry semantics of each code.
var codeDefaults = map[ErrorCode]SyncError{
	ErrCodeStorageFailure:       {Component: "store", Kind: KindUnavailable, Retryable: true},
	ErrCodeNetworkFailure:       {Component: "transport", Kind: KindUnavailable, Retryable: true},
	ErrCodeConflictFailure:      {Component: "conflict", Kind: KindConflict},
	ErrCodeSerializationFailure: {Component: "codec", Kind: KindInvalid},
	ErrCodeConfigurationFailure: {Kind: KindInvalid},
	ErrCodeValidationFailure:    {Kind: KindInvalid},
}

func coded(code ErrorCode, op Operation, cause error) *SyncError {
	d := codeDefaults[code]
	return &SyncError{
		Op:        op,
		Component: d.Component,
		Code:      code,
		Kind:      d.Kind,
		Retryable: d.Retryable,
		Err:       cause,
	}
}

// NewStorageError reports a retryable failure of the persistence layer.
func NewStorageError(op Operation, cause error) *SyncError {
	return coded(ErrCodeStorageFailure, op, cause)
}

// NewNetworkError reports a retryable failure to reach the backend.
func NewNetworkError(op Operation, cause error) *SyncError {
	return coded(ErrCodeNetworkFailure, op, cause)
}

// NewConflictError reports a conflict that the configured strategy could
// not resolve.
func NewConflictError(op Operation, cause error) *SyncError {
	return coded(ErrCodeConflictFailure, op, cause)
}

// NewSerializationError reports a queue entry that cannot be encoded or
// decoded.
func NewSerializationError(op Operation, cause error) *SyncError {
	return coded(ErrCodeSerializationFailure, op, cause)
}

// NewConfigurationError reports misuse that must fail loudly, such as an
// entity missing its state marker.
func NewConfigurationError(op Operation, component string, cause error) *SyncError {
	e := coded(ErrCodeConfigurationFailure, op, cause)
	e.Component = component
	return e
}

// NewWithComponent wraps cause without a code.
func NewWithComponent(op Operation, component string, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: cause}
}

func find(err error) (*SyncError, bool) {
	var se *SyncError
	ok := errors.As(err, &se)
	return se, ok
}

// IsRetryable reports whether err wraps a SyncError marked retryable.
func IsRetryable(err error) bool {
	se, ok := find(err)
	return ok && se.Retryable
}

// HasCode reports whether err wraps a SyncError with the given code.
func HasCode(err error, code ErrorCode) bool {
	se, ok := find(err)
	return ok && se.Code == code
}

// KindOf returns the kind of the outermost SyncError in err.
func KindOf(err error) Kind {
	if se, ok := find(err); ok {
		return se.Kind
	}
	return KindUnknown
}
