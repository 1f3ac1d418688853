// Package backend connects an upgrade source to the orchestrator. A
// backend turns whatever the source speaks into protocol events posted to
// a Sink, and carries the orchestrator's answers back as Requests.
package backend

import (
	"context"
	"errors"

	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// ErrClosed is returned by Ioctl after Close.
var ErrClosed = errors.New("backend closed")

// ErrOpen is returned by a second Open.
var ErrOpen = errors.New("backend already open")

// Sink receives events from the backend receive path. It may block until
// the orchestrator has room.
type Sink func(protocol.Event)

// Backend is one upgrade transport.
type Backend interface {
	Type() string
	// Open starts delivering events to sink until ctx ends or Close.
	Open(ctx context.Context, sink Sink) error
	// Ioctl sends one orchestrator request toward the host.
	Ioctl(ctx context.Context, req Request) error
	Close() error
}

// Request is an orchestrator to host message.
type Request interface {
	isRequest()
}

// Accept answers the upgrade request.
type Accept struct {
	Result protocol.Code
}

// RequireData asks for image bytes starting at Offset.
type RequireData struct {
	Offset uint32
	Length uint32
}

// Ack reports the outcome of one unit. A false Committed asks for the
// unit again.
type Ack struct {
	PSN       uint32
	Received  uint32
	Committed bool
}

// ReportValidation carries the whole image verdict.
type ReportValidation struct {
	Result protocol.Code
}

// ReportStatus carries the session state. Done and Failed end the
// exchange.
type ReportStatus struct {
	State  protocol.Status
	Result protocol.Code
}

func (Accept) isRequest()           {}
func (RequireData) isRequest()      {}
func (Ack) isRequest()              {}
func (ReportValidation) isRequest() {}
func (ReportStatus) isRequest()     {}
