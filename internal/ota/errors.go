package ota

import (
	"errors"
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

// codedError is a sentinel that carries its wire code.
type codedError struct {
	code protocol.Code
	msg  string
}

func (e *codedError) Error() string       { return e.msg }
func (e *codedError) Code() protocol.Code { return e.code }

var (
	// ErrBusy is returned when another backend holds the engine.
	ErrBusy error = &codedError{protocol.CodeBusy, "another upgrade is attached"}
	// ErrInvalidConfig wraps session config validation failures.
	ErrInvalidConfig error = &codedError{protocol.CodeInternal, "invalid upgrade config"}
	// ErrTerminal is returned when a finished session is reused.
	ErrTerminal error = &codedError{protocol.CodeState, "upgrade session already finished"}
	// ErrNoBackend is returned by Run without an attached backend.
	ErrNoBackend error = &codedError{protocol.CodeState, "no backend attached"}
	// ErrDetached ends a running session whose backend went away.
	ErrDetached error = &codedError{protocol.CodeCancelled, "backend detached"}

	errVersion = &codedError{protocol.CodeVersion, "image version not newer than the running one"}
	errNoSpace = &codedError{protocol.CodeNoSpace, "image does not fit"}
	errTarget  = &codedError{protocol.CodeState, "no usable target partition"}
)

// ValidationError is a whole image check that failed at completion. The
// boot indicator is left untouched.
type ValidationError struct {
	Check string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image validation failed: %s: %v", e.Check, e.Err)
	}
	return fmt.Sprintf("image validation failed: %s", e.Check)
}

func (e *ValidationError) Unwrap() error       { return e.Err }
func (e *ValidationError) Code() protocol.Code { return protocol.CodeValidation }

// CodeOf maps err to the code reported to the host.
func CodeOf(err error) protocol.Code {
	var se *storage.StorageError
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return protocol.CodeValidation
	case errors.As(err, &se):
		return protocol.CodeStorage
	}
	return protocol.CodeOf(err)
}
