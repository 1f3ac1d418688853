package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is reported when the host cancels the upgrade.
	ErrCancelled = errors.New("upgrade cancelled by host")
	// ErrTimeout is reported when the host stays silent past the app wait
	// timeout.
	ErrTimeout = errors.New("host wait timeout")
)

// ProtocolError is a malformed frame or an unexpected command. It is
// recoverable up to a bounded number of consecutive occurrences.
type ProtocolError struct {
	Command byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on command 0x%02X: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NegotiationError is an unsupported or out-of-range negotiation
// parameter. The session stays idle.
type NegotiationError struct {
	Param  string
	Value  uint32
	Reason string
}

func (e *NegotiationError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("negotiation failed: %s", e.Reason)
	}
	return fmt.Sprintf("negotiation failed: %s=%d %s", e.Param, e.Value, e.Reason)
}

// TransferError rejects one unit. The host retransmits from the re-acked
// sequence number.
type TransferError struct {
	PSN    uint32
	Reason string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("unit %d rejected: %s", e.PSN, e.Reason)
}

// CodeOf maps err to its wire error code.
func CodeOf(err error) Code {
	var (
		pe *ProtocolError
		ne *NegotiationError
		te *TransferError
		ce interface{ Code() Code }
	)
	switch {
	case err == nil:
		return CodeSuccess
	case errors.As(err, &ce):
		return ce.Code()
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.As(err, &pe):
		return CodeProtocol
	case errors.As(err, &ne):
		return CodeNegotiation
	case errors.As(err, &te):
		return CodeTransfer
	default:
		return CodeInternal
	}
}
