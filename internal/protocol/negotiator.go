package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the protocol sub-state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseData
)

func (p Phase) String() string {
	if p == PhaseData {
		return "data"
	}
	return "idle"
}

// Limits bound what the device accepts during negotiation.
type Limits struct {
	MinUnitSize uint16
	MaxUnitSize uint16
	// MaxWaitTimeout caps the app wait timeout, in seconds.
	MaxWaitTimeout uint16
	// HandshakeTimeout bounds the gap between frames before data flows.
	HandshakeTimeout time.Duration
	Features         uint8
	// MaxProtocolErrors is the number of consecutive malformed frames
	// tolerated before the link is declared failed.
	MaxProtocolErrors int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MinUnitSize:       64,
		MaxUnitSize:       4096,
		MaxWaitTimeout:    300,
		HandshakeTimeout:  30 * time.Second,
		Features:          DeviceFeatures,
		MaxProtocolErrors: 3,
	}
}

// Validate checks the limits themselves.
func (l Limits) Validate() error {
	if l.MinUnitSize == 0 || l.MinUnitSize > l.MaxUnitSize {
		return fmt.Errorf("unit size range [%d, %d] is empty", l.MinUnitSize, l.MaxUnitSize)
	}
	if l.MaxUnitSize > MaxUnitSize {
		return fmt.Errorf("max unit size %d exceeds frame limit %d", l.MaxUnitSize, MaxUnitSize)
	}
	if l.MaxProtocolErrors < 1 {
		return errors.New("max protocol errors must be at least 1")
	}
	return nil
}

// Agree checks p against the limits and returns the agreed features.
func (l Limits) Agree(p Params, hostFeatures uint8) (uint8, error) {
	switch {
	case p.UnitSize < l.MinUnitSize || p.UnitSize > l.MaxUnitSize:
		return 0, &NegotiationError{Param: "unit_size", Value: uint32(p.UnitSize),
			Reason: fmt.Sprintf("outside [%d, %d]", l.MinUnitSize, l.MaxUnitSize)}
	case p.WaitTimeout == 0 || p.WaitTimeout > l.MaxWaitTimeout:
		return 0, &NegotiationError{Param: "wait_timeout", Value: uint32(p.WaitTimeout),
			Reason: fmt.Sprintf("outside [1, %d]", l.MaxWaitTimeout)}
	case p.RestartTimeout == 0:
		return 0, &NegotiationError{Param: "restart_timeout", Value: 0, Reason: "must be positive"}
	}
	return hostFeatures & l.Features, nil
}

// Proposal is the set of params the device offers when the host proposal
// is rejected.
func (l Limits) Proposal() Params {
	return Params{WaitTimeout: l.MaxWaitTimeout, RestartTimeout: 10, UnitSize: l.MaxUnitSize}
}

// Event is reported upward to the orchestrator.
type Event interface {
	isEvent()
}

// UpgradeRequested carries a REQUEST_UPGRADE.
type UpgradeRequested struct {
	Request RequestUpgrade
}

// Negotiated reports that data may flow.
type Negotiated struct {
	Params   Params
	Features uint8
}

// UnitReceived carries the next in-order unit.
type UnitReceived struct {
	Unit ImageData
}

// Cancelled reports a host cancel or a timeout.
type Cancelled struct {
	Err error
}

// LinkFailed reports too many consecutive protocol errors.
type LinkFailed struct {
	Err error
}

func (UpgradeRequested) isEvent() {}
func (Negotiated) isEvent()       {}
func (UnitReceived) isEvent()     {}
func (Cancelled) isEvent()        {}
func (LinkFailed) isEvent()       {}

// Outcome is the result of one state machine step: frames to send to the
// host and events for the orchestrator. Err describes a recoverable
// problem handled inside the step.
type Outcome struct {
	Replies []Command
	Events  []Event
	Err     error
}

func (o *Outcome) reply(c Command) { o.Replies = append(o.Replies, c) }
func (o *Outcome) emit(e Event)    { o.Events = append(o.Events, e) }

// Negotiator is the device side protocol state machine. It is not safe for
// concurrent use; the owner serializes calls.
type Negotiator struct {
	limits Limits

	phase      Phase
	accepted   bool
	reply      *UpgradeReply
	agreed     bool
	started    bool
	params     Params
	features   uint8
	lastPSN    int64
	nextPSN    int64
	lastAck    ReceivedDataCount
	lastFrame  time.Time
	errorCount int
}

// NewNegotiator returns an idle negotiator.
func NewNegotiator(l Limits) *Negotiator {
	n := &Negotiator{limits: l}
	n.reset()
	return n
}

func (n *Negotiator) reset() {
	n.phase = PhaseIdle
	n.accepted = false
	n.reply = nil
	n.agreed = false
	n.started = false
	n.lastPSN = -1
	n.nextPSN = 0
	n.lastAck = ReceivedDataCount{LastPSN: NoPSN}
}

// Phase returns the current sub-state.
func (n *Negotiator) Phase() Phase { return n.phase }

// Params returns the agreed params.
func (n *Negotiator) Params() Params { return n.params }

// Features returns the agreed feature bits.
func (n *Negotiator) Features() uint8 { return n.features }

// LastPSN returns the last acknowledged sequence number, or -1.
func (n *Negotiator) LastPSN() int64 { return n.lastPSN }

// HandleFrame decodes and handles one raw frame.
func (n *Negotiator) HandleFrame(frame []byte, now time.Time) Outcome {
	cmd, err := Decode(frame)
	if err != nil {
		return n.protocolError(err)
	}
	return n.Handle(cmd, now)
}

// Reject counts a frame the link layer could not deliver intact as a
// protocol error.
func (n *Negotiator) Reject(err error) Outcome {
	return n.protocolError(&ProtocolError{Err: err})
}

func (n *Negotiator) protocolError(err error) Outcome {
	var o Outcome
	o.Err = err
	n.errorCount++
	o.reply(ReportStatus{State: n.status(), Result: CodeProtocol})
	if n.errorCount >= n.limits.MaxProtocolErrors {
		o.emit(LinkFailed{Err: fmt.Errorf("%d consecutive protocol errors: %w", n.errorCount, err)})
		n.errorCount = 0
		n.reset()
	}
	return o
}

func (n *Negotiator) status() Status {
	if n.phase == PhaseData {
		return StatusRunning
	}
	return StatusIdle
}

// Handle runs one decoded host command.
func (n *Negotiator) Handle(cmd Command, now time.Time) Outcome {
	var o Outcome
	switch c := cmd.(type) {
	case RequestUpgrade:
		n.touch(now)
		switch {
		case n.phase == PhaseData:
			o.reply(UpgradeReply{Result: CodeBusy, Features: n.limits.Features})
		case n.reply != nil:
			// Host retried; the first answer stands.
			o.reply(*n.reply)
		default:
			o.emit(UpgradeRequested{Request: c})
		}

	case ConnectNegotiation:
		n.touch(now)
		if n.phase == PhaseData || !n.accepted {
			o.Err = &NegotiationError{Reason: "no accepted upgrade request"}
			o.reply(ConnectNegotiation{Params: n.params, Features: n.features, Result: CodeState})
			break
		}
		features, err := n.limits.Agree(c.Params, c.Features)
		if err != nil {
			o.Err = err
			n.agreed = false
			o.reply(ConnectNegotiation{Params: n.limits.Proposal(), Features: n.limits.Features, Result: CodeNegotiation})
			break
		}
		n.params, n.features, n.agreed = c.Params, features, true
		o.reply(ConnectNegotiation{Params: c.Params, Features: features, Result: CodeSuccess})

	case NegotiationResult:
		n.touch(now)
		if !n.agreed || n.phase == PhaseData {
			o.Err = &NegotiationError{Reason: "negotiation result without agreed params"}
			o.reply(ReportStatus{State: n.status(), Result: CodeState})
			break
		}
		if !c.Result.OK() {
			o.Err = &NegotiationError{Reason: fmt.Sprintf("host rejected params: %s", c.Result)}
			n.agreed = false
			break
		}
		n.phase = PhaseData
		n.lastPSN, n.nextPSN = -1, 0
		o.emit(Negotiated{Params: n.params, Features: n.features})

	case ImageData:
		if n.phase != PhaseData {
			return n.protocolError(&ProtocolError{Command: c.Code(), Err: errors.New("image data outside data phase")})
		}
		n.touch(now)
		p := int64(c.PSN)
		switch {
		case p <= n.lastPSN:
			// Already committed: answer exactly as before.
			o.reply(n.lastAck)
		case p < n.nextPSN:
			// In flight.
		case p > n.nextPSN:
			o.Err = &TransferError{PSN: c.PSN, Reason: fmt.Sprintf("expected %d", n.nextPSN)}
			o.reply(n.lastAck)
		default:
			n.nextPSN = p + 1
			o.emit(UnitReceived{Unit: c})
		}

	case CancelUpgrade:
		n.touch(now)
		n.reset()
		o.emit(Cancelled{Err: ErrCancelled})

	default:
		return n.protocolError(&ProtocolError{Command: cmd.Code(), Err: errors.New("device-side command sent by host")})
	}
	return o
}

func (n *Negotiator) touch(now time.Time) {
	n.lastFrame = now
	n.errorCount = 0
}

// Tick enforces the app wait timeout in the data phase and the handshake
// timeout while negotiating.
func (n *Negotiator) Tick(now time.Time) Outcome {
	var o Outcome
	switch {
	case n.phase == PhaseData:
		// Units are due only once Start has asked for them.
		if !n.started || n.params.WaitTimeout == 0 {
			break
		}
		if now.Sub(n.lastFrame) > time.Duration(n.params.WaitTimeout)*time.Second {
			n.reset()
			o.emit(Cancelled{Err: ErrTimeout})
		}
	case n.accepted && n.limits.HandshakeTimeout > 0:
		if now.Sub(n.lastFrame) > n.limits.HandshakeTimeout {
			n.reset()
			o.Err = &NegotiationError{Reason: "handshake timeout"}
			o.emit(Cancelled{Err: ErrTimeout})
		}
	}
	return o
}

// Accept answers the pending REQUEST_UPGRADE.
func (n *Negotiator) Accept(result Code, now time.Time) Outcome {
	var o Outcome
	r := UpgradeReply{Result: result, Features: n.limits.Features}
	if result.OK() {
		n.accepted = true
		n.reply = &r
		n.lastFrame = now
	}
	o.reply(r)
	return o
}

// Start asks the host for [offset, offset+length). Units resume at
// offset/unit size.
func (n *Negotiator) Start(offset, length uint32, now time.Time) Outcome {
	var o Outcome
	if n.phase != PhaseData {
		o.Err = fmt.Errorf("start requested in %s phase", n.phase)
		return o
	}
	unit := int64(n.params.UnitSize)
	n.lastPSN = int64(offset)/unit - 1
	n.nextPSN = n.lastPSN + 1
	n.lastAck = ReceivedDataCount{Received: offset, LastPSN: psnValue(n.lastPSN)}
	n.lastFrame, n.started = now, true
	o.reply(RequireImageData{Offset: offset, Length: length})
	return o
}

// Ack reports the commit result of unit psn. A rejected unit rewinds the
// expected sequence so the host retransmits it.
func (n *Negotiator) Ack(psn, received uint32, committed bool) Outcome {
	var o Outcome
	if committed {
		n.lastPSN = int64(psn)
		n.lastAck = ReceivedDataCount{Received: received, LastPSN: psn}
		if n.features&FeatureUnitAck != 0 {
			o.reply(n.lastAck)
		}
		return o
	}
	n.nextPSN = n.lastPSN + 1
	o.reply(n.lastAck)
	return o
}

// Finish reports the validation verdict and the final status, then
// returns to idle.
func (n *Negotiator) Finish(validation *Code, state Status, result Code) Outcome {
	var o Outcome
	if validation != nil {
		o.reply(ValidateImage{Result: *validation})
	}
	o.reply(ReportStatus{State: state, Result: result})
	if state == StatusDone || state == StatusFailed {
		n.reset()
	}
	return o
}

func psnValue(p int64) uint32 {
	if p < 0 {
		return NoPSN
	}
	return uint32(p)
}
