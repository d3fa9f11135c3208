package target

import (
	"errors"
	"fmt"
)

// The five error kinds a command can observe (spec §7). Callers use
// errors.Is against these sentinels; concrete errors wrap them with
// fmt.Errorf("...: %w", ...) to carry the offending address or name.
var (
	// ErrNotReadable means the target's memory is inaccessible at the
	// requested address. Terminates the current heap only.
	ErrNotReadable = errors.New("target memory not readable")

	// ErrUnknownField means a symbolic field/type lookup failed.
	// Terminates the current heap only.
	ErrUnknownField = errors.New("unknown symbolic field")

	// ErrHeaderInvalid means a decoded header's checksum failed.
	// Terminates the current segment.
	ErrHeaderInvalid = errors.New("heap header checksum invalid")

	// ErrModeUnavailable means a command requires UST or HPA mode and
	// neither is enabled on the target. Aborts the command before any
	// walking begins.
	ErrModeUnavailable = errors.New("command requires UST or page-heap mode")

	// ErrOutputUnavailable means the UMDH output file could not be
	// opened or written.
	ErrOutputUnavailable = errors.New("umdh output unavailable")
)

// NotReadable wraps ErrNotReadable with the address and length that
// failed to read.
func NotReadable(a Address, n int64) error {
	return &notReadableError{addr: a, n: n}
}

type notReadableError struct {
	addr Address
	n    int64
}

func (e *notReadableError) Error() string {
	return fmt.Sprintf("can't read %d bytes at %s", e.n, e.addr)
}

func (e *notReadableError) Unwrap() error { return ErrNotReadable }

// UnknownField wraps ErrUnknownField with the symbolic name that
// failed to resolve.
func UnknownField(typeName, fieldName string) error {
	return &unknownFieldError{typeName: typeName, fieldName: fieldName}
}

type unknownFieldError struct {
	typeName, fieldName string
}

func (e *unknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %s.%s", e.typeName, e.fieldName)
}

func (e *unknownFieldError) Unwrap() error { return ErrUnknownField }
