package protocol

// OTA command codes. The frame type byte carries the command.
const (
	CmdRequestUpgrade          = 0x01 // host to device
	CmdConnectNegotiation      = 0x02 // both directions
	CmdRequireImageData        = 0x03 // device to host
	CmdSendImageData           = 0x04
	CmdReportReceivedDataCount = 0x05 // device to host
	CmdValidateImage           = 0x06 // device to host
	CmdReportStatus            = 0x07 // device to host
	CmdCancelUpgrade           = 0x08
	CmdNegotiationResult       = 0x09
	CmdRequestUpgradeReply     = 0x0A // device to host
	CmdSendImageDataWithCRC    = 0x0B
)

// Parameter tags shared by several commands.
const (
	TagNegotiation = 0x80
	TagErrorCode   = 0x7F
	TagFeatures    = 0x09
)

// Sub-tags of TagNegotiation.
const (
	SubWaitTimeout    = 0x01
	SubRestartTimeout = 0x02
	SubUnitSize       = 0x03
	SubInterval       = 0x04
)

// Data command tags.
const (
	TagPSN  = 0x01
	TagData = 0x02
	TagCRC  = 0x03
)

// REQUIRE_IMAGE_DATA tags.
const (
	TagOffset = 0x01
	TagLength = 0x02
)

// REPORT_RECEIVED_DATA_COUNT tags.
const (
	TagReceived = 0x01
	TagLastPSN  = 0x02
)

// REPORT_STATUS tags.
const (
	TagState = 0x01
)

// NoPSN is reported as the last sequence number before any unit landed.
const NoPSN = 0xFFFFFFFF

// Feature bits exchanged during negotiation.
const (
	FeatureUnitCRC = 1 << 0
	FeatureUnitAck = 1 << 1
)

// DeviceFeatures is the feature set this device implements.
const DeviceFeatures = FeatureUnitCRC | FeatureUnitAck

// unitOverhead is the frame space taken by everything but the unit data:
// psn, data header and crc.
const unitOverhead = 7 + 3 + 7

// MaxUnitSize is the largest unit that fits one frame.
const MaxUnitSize = 0x3FFF - unitOverhead

// Status values carried by REPORT_STATUS.
type Status uint8

const (
	StatusIdle Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Code is the value of the 0x7F error code parameter.
type Code uint32

// Error codes. CodeSuccess is reserved as success.
const (
	CodeSuccess     Code = 100000
	CodeNegotiation Code = 100001
	CodeProtocol    Code = 100002
	CodeTransfer    Code = 100003
	CodeStorage     Code = 100004
	CodeValidation  Code = 100005
	CodeVersion     Code = 100006
	CodeBusy        Code = 100007
	CodeNoSpace     Code = 100008
	CodeCancelled   Code = 100009
	CodeTimeout     Code = 100010
	CodeState       Code = 100011
	CodeInternal    Code = 100012
)

// OK reports whether c is the success sentinel.
func (c Code) OK() bool {
	return c == CodeSuccess
}

// String returns a human-readable message for c.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeNegotiation:
		return "negotiation parameter out of range"
	case CodeProtocol:
		return "malformed frame"
	case CodeTransfer:
		return "unit rejected"
	case CodeStorage:
		return "storage failure"
	case CodeValidation:
		return "image validation failed"
	case CodeVersion:
		return "image version not newer"
	case CodeBusy:
		return "upgrade already in progress"
	case CodeNoSpace:
		return "image does not fit target partition"
	case CodeCancelled:
		return "upgrade cancelled"
	case CodeTimeout:
		return "host timed out"
	case CodeState:
		return "command not valid in current state"
	case CodeInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}
