// Package protocol implements the OTA negotiation and transfer protocol:
// TLV frames carrying commands, and the device side state machine that
// agrees transfer parameters before image data flows.
package protocol

import (
	"errors"
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/tlv"
)

// Command is one decoded OTA command.
type Command interface {
	Code() byte
	appendParams(buf []byte) []byte
}

// Params are the negotiated transfer parameters. Timeouts are seconds and
// the interval is milliseconds.
type Params struct {
	WaitTimeout    uint16
	RestartTimeout uint16
	UnitSize       uint16
	Interval       uint16
}

func (p Params) appendTLV(buf []byte) []byte {
	var sub []byte
	sub = tlv.AppendU16(sub, SubWaitTimeout, p.WaitTimeout)
	sub = tlv.AppendU16(sub, SubRestartTimeout, p.RestartTimeout)
	sub = tlv.AppendU16(sub, SubUnitSize, p.UnitSize)
	sub = tlv.AppendU16(sub, SubInterval, p.Interval)
	return tlv.Append(buf, TagNegotiation, sub)
}

func decodeParams(buf []byte) (Params, error) {
	var p Params
	r := tlv.NewReader(buf)
	for r.More() {
		t, err := r.Next()
		if err != nil {
			return p, err
		}
		var dst *uint16
		switch t.Type {
		case SubWaitTimeout:
			dst = &p.WaitTimeout
		case SubRestartTimeout:
			dst = &p.RestartTimeout
		case SubUnitSize:
			dst = &p.UnitSize
		case SubInterval:
			dst = &p.Interval
		default:
			continue
		}
		if *dst, err = t.U16(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// RequestUpgrade asks the device to accept an image.
type RequestUpgrade struct {
	Image    image.Descriptor
	Features uint8
}

// UpgradeReply is the device answer to RequestUpgrade.
type UpgradeReply struct {
	Result   Code
	Features uint8
}

// ConnectNegotiation carries proposed (host) or agreed (device) params.
// Result is zero in the host proposal.
type ConnectNegotiation struct {
	Params   Params
	Features uint8
	Result   Code
}

// NegotiationResult is the host verdict on the agreed params.
type NegotiationResult struct {
	Result Code
}

// RequireImageData tells the host which byte range to send next.
type RequireImageData struct {
	Offset uint32
	Length uint32
}

// ImageData is one unit. HasCRC selects SEND_IMAGE_DATA_WITH_CRC.
type ImageData struct {
	PSN    uint32
	Data   []byte
	CRC    uint32
	HasCRC bool
}

// ReceivedDataCount acknowledges committed data.
type ReceivedDataCount struct {
	Received uint32
	LastPSN  uint32
}

// ValidateImage reports the whole-image validation verdict.
type ValidateImage struct {
	Result Code
}

// ReportStatus reports the session state, with an error code on failure.
type ReportStatus struct {
	State  Status
	Result Code
}

// CancelUpgrade aborts the session.
type CancelUpgrade struct{}

func (RequestUpgrade) Code() byte     { return CmdRequestUpgrade }
func (UpgradeReply) Code() byte       { return CmdRequestUpgradeReply }
func (ConnectNegotiation) Code() byte { return CmdConnectNegotiation }
func (NegotiationResult) Code() byte  { return CmdNegotiationResult }
func (RequireImageData) Code() byte   { return CmdRequireImageData }
func (ReceivedDataCount) Code() byte  { return CmdReportReceivedDataCount }
func (ValidateImage) Code() byte      { return CmdValidateImage }
func (ReportStatus) Code() byte       { return CmdReportStatus }
func (CancelUpgrade) Code() byte      { return CmdCancelUpgrade }

func (c ImageData) Code() byte {
	if c.HasCRC {
		return CmdSendImageDataWithCRC
	}
	return CmdSendImageData
}

func (c RequestUpgrade) appendParams(buf []byte) []byte {
	buf = c.Image.AppendTLV(buf)
	return tlv.AppendU8(buf, TagFeatures, c.Features)
}

func (c UpgradeReply) appendParams(buf []byte) []byte {
	buf = tlv.AppendU32(buf, TagErrorCode, uint32(c.Result))
	return tlv.AppendU8(buf, TagFeatures, c.Features)
}

func (c ConnectNegotiation) appendParams(buf []byte) []byte {
	buf = c.Params.appendTLV(buf)
	buf = tlv.AppendU8(buf, TagFeatures, c.Features)
	if c.Result != 0 {
		buf = tlv.AppendU32(buf, TagErrorCode, uint32(c.Result))
	}
	return buf
}

func (c NegotiationResult) appendParams(buf []byte) []byte {
	return tlv.AppendU32(buf, TagErrorCode, uint32(c.Result))
}

func (c RequireImageData) appendParams(buf []byte) []byte {
	buf = tlv.AppendU32(buf, TagOffset, c.Offset)
	return tlv.AppendU32(buf, TagLength, c.Length)
}

func (c ImageData) appendParams(buf []byte) []byte {
	buf = tlv.AppendU32(buf, TagPSN, c.PSN)
	buf = tlv.Append(buf, TagData, c.Data)
	if c.HasCRC {
		buf = tlv.AppendU32(buf, TagCRC, c.CRC)
	}
	return buf
}

func (c ReceivedDataCount) appendParams(buf []byte) []byte {
	buf = tlv.AppendU32(buf, TagReceived, c.Received)
	return tlv.AppendU32(buf, TagLastPSN, c.LastPSN)
}

func (c ValidateImage) appendParams(buf []byte) []byte {
	return tlv.AppendU32(buf, TagErrorCode, uint32(c.Result))
}

func (c ReportStatus) appendParams(buf []byte) []byte {
	buf = tlv.AppendU8(buf, TagState, uint8(c.State))
	return tlv.AppendU32(buf, TagErrorCode, uint32(c.Result))
}

func (CancelUpgrade) appendParams(buf []byte) []byte { return buf }

// Encode serializes c as one frame: type, u16 length, parameters.
func Encode(c Command) ([]byte, error) {
	params := c.appendParams(nil)
	if len(params) > tlv.MaxLen {
		return nil, fmt.Errorf("command 0x%02X: %d byte frame exceeds 0x%X", c.Code(), len(params), tlv.MaxLen)
	}
	return tlv.Append(nil, c.Code(), params), nil
}

// Decode parses exactly one frame into its command. All failures are
// *ProtocolError.
func Decode(frame []byte) (Command, error) {
	r := tlv.NewReader(frame)
	f, err := r.Next()
	if err != nil {
		code := byte(0)
		if len(frame) > 0 {
			code = frame[0]
		}
		return nil, &ProtocolError{Command: code, Err: err}
	}
	if r.More() {
		return nil, &ProtocolError{Command: f.Type, Err: errors.New("trailing bytes after frame")}
	}
	cmd, err := decodeCommand(f.Type, f.Value)
	if err != nil {
		return nil, &ProtocolError{Command: f.Type, Err: err}
	}
	return cmd, nil
}

var errUnknownCommand = errors.New("unknown command")

func decodeCommand(code byte, params []byte) (Command, error) {
	fields, err := tlv.All(params)
	if err != nil {
		return nil, err
	}
	switch code {
	case CmdRequestUpgrade:
		var c RequestUpgrade
		for _, t := range fields {
			if t.Type == TagFeatures {
				if c.Features, err = t.U8(); err != nil {
					return nil, err
				}
				continue
			}
			if _, err := c.Image.DecodeField(t); err != nil {
				return nil, err
			}
		}
		return c, nil

	case CmdRequestUpgradeReply:
		var c UpgradeReply
		err = eachField(fields, map[byte]func(tlv.TLV) error{
			TagErrorCode: codeField(&c.Result),
			TagFeatures:  u8Field(&c.Features),
		})
		return c, err

	case CmdConnectNegotiation:
		var c ConnectNegotiation
		err = eachField(fields, map[byte]func(tlv.TLV) error{
			TagNegotiation: func(t tlv.TLV) (err error) {
				c.Params, err = decodeParams(t.Value)
				return err
			},
			TagFeatures:  u8Field(&c.Features),
			TagErrorCode: codeField(&c.Result),
		})
		return c, err

	case CmdNegotiationResult:
		var c NegotiationResult
		err = eachField(fields, map[byte]func(tlv.TLV) error{TagErrorCode: codeField(&c.Result)})
		return c, err

	case CmdRequireImageData:
		var c RequireImageData
		err = eachField(fields, map[byte]func(tlv.TLV) error{
			TagOffset: u32Field(&c.Offset),
			TagLength: u32Field(&c.Length),
		})
		return c, err

	case CmdSendImageData, CmdSendImageDataWithCRC:
		c := ImageData{HasCRC: code == CmdSendImageDataWithCRC}
		var sawPSN, sawCRC bool
		err = eachField(fields, map[byte]func(tlv.TLV) error{
			TagPSN: func(t tlv.TLV) (err error) {
				sawPSN = true
				c.PSN, err = t.U32()
				return err
			},
			TagData: func(t tlv.TLV) error {
				c.Data = t.Value
				return nil
			},
			TagCRC: func(t tlv.TLV) (err error) {
				sawCRC = true
				c.CRC, err = t.U32()
				return err
			},
		})
		if err != nil {
			return nil, err
		}
		if !sawPSN {
			return nil, errors.New("image data without sequence number")
		}
		if c.HasCRC && !sawCRC {
			return nil, errors.New("image data without crc")
		}
		return c, nil

	case CmdReportReceivedDataCount:
		var c ReceivedDataCount
		err = eachField(fields, map[byte]func(tlv.TLV) error{
			TagReceived: u32Field(&c.Received),
			TagLastPSN:  u32Field(&c.LastPSN),
		})
		return c, err

	case CmdValidateImage:
		var c ValidateImage
		err = eachField(fields, map[byte]func(tlv.TLV) error{TagErrorCode: codeField(&c.Result)})
		return c, err

	case CmdReportStatus:
		var c ReportStatus
		err = eachField(fields, map[byte]func(tlv.TLV) error{
			TagState: func(t tlv.TLV) error {
				v, err := t.U8()
				c.State = Status(v)
				return err
			},
			TagErrorCode: codeField(&c.Result),
		})
		return c, err

	case CmdCancelUpgrade:
		return CancelUpgrade{}, nil
	}
	return nil, errUnknownCommand
}

// eachField dispatches fields to handlers by tag. Unknown tags are skipped.
func eachField(fields []tlv.TLV, handlers map[byte]func(tlv.TLV) error) error {
	for _, t := range fields {
		h, ok := handlers[t.Type]
		if !ok {
			continue
		}
		if err := h(t); err != nil {
			return err
		}
	}
	return nil
}

func u8Field(dst *uint8) func(tlv.TLV) error {
	return func(t tlv.TLV) (err error) {
		*dst, err = t.U8()
		return err
	}
}

func u32Field(dst *uint32) func(tlv.TLV) error {
	return func(t tlv.TLV) (err error) {
		*dst, err = t.U32()
		return err
	}
}

func codeField(dst *Code) func(tlv.TLV) error {
	return func(t tlv.TLV) error {
		v, err := t.U32()
		*dst = Code(v)
		return err
	}
}
