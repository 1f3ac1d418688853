package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/tlv"
)

func TestEncode_FrameHeader(t *testing.T) {
	frame, err := Encode(NegotiationResult{Result: CodeSuccess})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if frame[0] != CmdNegotiationResult {
		t.Errorf("Encode()[0] = 0x%02X, want 0x%02X", frame[0], CmdNegotiationResult)
	}
	length := binary.LittleEndian.Uint16(frame[1:3])
	if int(length) != len(frame)-3 {
		t.Errorf("Encode() length = %d, want %d", length, len(frame)-3)
	}
	expected := []byte{TagErrorCode, 0x04, 0x00, 0xA0, 0x86, 0x01, 0x00}
	if !bytes.Equal(frame[3:], expected) {
		t.Errorf("Encode() params = %v, want %v", frame[3:], expected)
	}
}

func TestEncodeDecode_AllCommands(t *testing.T) {
	desc := image.Descriptor{
		Version: 4, Size: 2048, HeadCRC: 0xDEADBEEF, TargetFileID: 2,
		Files: []image.File{{Name: "app", FileID: 2, Offset: 0, Size: 2048, CRC: 0xDEADBEEF}},
	}
	tests := []Command{
		RequestUpgrade{Image: desc, Features: FeatureUnitCRC},
		UpgradeReply{Result: CodeSuccess, Features: DeviceFeatures},
		ConnectNegotiation{Params: Params{WaitTimeout: 30, RestartTimeout: 10, UnitSize: 512, Interval: 5}, Features: 3},
		ConnectNegotiation{Params: Params{UnitSize: 512}, Result: CodeNegotiation},
		NegotiationResult{Result: CodeSuccess},
		RequireImageData{Offset: 1024, Length: 1024},
		ImageData{PSN: 3, Data: []byte{1, 2, 3}},
		ImageData{PSN: 4, Data: []byte{4, 5}, CRC: 0x12345678, HasCRC: true},
		ReceivedDataCount{Received: 2048, LastPSN: 3},
		ValidateImage{Result: CodeValidation},
		ReportStatus{State: StatusFailed, Result: CodeStorage},
		CancelUpgrade{},
	}

	for _, want := range tests {
		frame, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%T) error = %v", want, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%T) error = %v", want, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Decode(%T) mismatch (-want +got):\n%s", want, diff)
		}
	}
}

func TestImageData_CommandCode(t *testing.T) {
	if got := (ImageData{}).Code(); got != CmdSendImageData {
		t.Errorf("Code() = 0x%02X, want 0x%02X", got, CmdSendImageData)
	}
	if got := (ImageData{HasCRC: true}).Code(); got != CmdSendImageDataWithCRC {
		t.Errorf("Code() = 0x%02X, want 0x%02X", got, CmdSendImageDataWithCRC)
	}
}

func TestDecode_Errors(t *testing.T) {
	withCRCNoCRC := tlv.Append(nil, CmdSendImageDataWithCRC, tlv.AppendU32(nil, TagPSN, 1))
	noPSN := tlv.Append(nil, CmdSendImageData, tlv.Append(nil, TagData, []byte{1}))
	badWidth := tlv.Append(nil, CmdRequireImageData, tlv.AppendU16(nil, TagOffset, 1))
	trailing := append(tlv.Append(nil, CmdCancelUpgrade, nil), 0x00)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", []byte{CmdCancelUpgrade, 0x00}},
		{"length overflow", []byte{CmdCancelUpgrade, 0xFF, 0xFF}},
		{"unknown command", tlv.Append(nil, 0x42, nil)},
		{"missing crc", withCRCNoCRC},
		{"missing psn", noPSN},
		{"bad width", badWidth},
		{"trailing bytes", trailing},
		{"truncated param", tlv.Append(nil, CmdRequireImageData, []byte{TagOffset, 0x04, 0x00, 0x01})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Errorf("Decode() error = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestDecode_SkipsUnknownParams(t *testing.T) {
	params := tlv.AppendU32(nil, 0x55, 7)
	params = tlv.AppendU32(params, TagOffset, 512)
	params = tlv.AppendU32(params, TagLength, 256)
	got, err := Decode(tlv.Append(nil, CmdRequireImageData, params))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := RequireImageData{Offset: 512, Length: 256}
	if got != want {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
}

func TestEncode_UnitAtMaxSize(t *testing.T) {
	frame, err := Encode(ImageData{PSN: 1, Data: make([]byte, MaxUnitSize), HasCRC: true})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(frame) != tlv.HeaderSize+tlv.MaxLen {
		t.Errorf("Encode() = %d bytes, want %d", len(frame), tlv.HeaderSize+tlv.MaxLen)
	}
}

func TestEncode_Oversized(t *testing.T) {
	if _, err := Encode(ImageData{PSN: 1, Data: make([]byte, MaxUnitSize+1), HasCRC: true}); err == nil {
		t.Error("Encode() oversized unit succeeded")
	}
}
