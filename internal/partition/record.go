// Package partition resolves logical file ids to physical storage ranges
// and owns the persisted A/B mirror indicator.
package partition

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// RecordSize is the packed size of one partition record.
const RecordSize = 24

// Type is the logical partition type.
type Type uint8

const (
	TypeUnused Type = iota
	TypeBoot
	TypeSystem
	TypeRecovery
	TypeData
	TypeTemp
	TypeParam
)

var typeNames = map[Type]string{
	TypeUnused:   "unused",
	TypeBoot:     "boot",
	TypeSystem:   "system",
	TypeRecovery: "recovery",
	TypeData:     "data",
	TypeTemp:     "temp",
	TypeParam:    "param",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a type name back to a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == strings.ToLower(s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown partition type %q", s)
}

// Mirror identifies one copy of a mirrored pair.
type Mirror uint8

const (
	MirrorA    Mirror = 0x0
	MirrorB    Mirror = 0x1
	MirrorNone Mirror = 0xF
)

func (m Mirror) String() string {
	switch m {
	case MirrorA:
		return "A"
	case MirrorB:
		return "B"
	case MirrorNone:
		return "-"
	default:
		return fmt.Sprintf("mirror(%d)", uint8(m))
	}
}

// Other returns the opposite copy of a pair.
func (m Mirror) Other() Mirror {
	switch m {
	case MirrorA:
		return MirrorB
	case MirrorB:
		return MirrorA
	default:
		return MirrorNone
	}
}

// ParseMirror accepts "A", "B" or "none".
func ParseMirror(s string) (Mirror, error) {
	switch strings.ToLower(s) {
	case "a":
		return MirrorA, nil
	case "b":
		return MirrorB, nil
	case "", "none", "-":
		return MirrorNone, nil
	}
	return 0, fmt.Errorf("unknown mirror %q", s)
}

// Record flag bits.
const (
	flagCRC        = 1 << 0
	flagEncrypted  = 1 << 1
	flagBootCheck  = 1 << 2
	flagUsedSector = 1 << 3
)

// Partition is one entry of the partition table.
type Partition struct {
	Name       string
	Type       Type
	FileID     uint8
	Mirror     Mirror
	StorageID  uint8
	CRC        bool
	Encrypted  bool
	BootCheck  bool
	UsedSector bool
	Offset     uint32
	Size       uint32
	FileOffset uint32
}

// End returns the offset just past the partition.
func (p Partition) End() uint64 {
	return uint64(p.Offset) + uint64(p.Size)
}

func (p Partition) String() string {
	return fmt.Sprintf("%s(file %d, mirror %s, storage %d, 0x%X+0x%X)",
		p.Name, p.FileID, p.Mirror, p.StorageID, p.Offset, p.Size)
}

func (p Partition) flags() byte {
	var f byte
	if p.CRC {
		f |= flagCRC
	}
	if p.Encrypted {
		f |= flagEncrypted
	}
	if p.BootCheck {
		f |= flagBootCheck
	}
	if p.UsedSector {
		f |= flagUsedSector
	}
	return f
}

// Encode packs p into its 24-byte on-flash form.
func (p Partition) Encode() ([]byte, error) {
	if len(p.Name) > 8 {
		return nil, fmt.Errorf("partition name %q longer than 8 bytes", p.Name)
	}
	if p.Mirror > 0xF || p.StorageID > 0xF {
		return nil, fmt.Errorf("partition %s: mirror %d or storage %d does not fit in 4 bits", p.Name, p.Mirror, p.StorageID)
	}
	b := make([]byte, RecordSize)
	copy(b[0:8], p.Name)
	b[8] = byte(p.Type)
	b[9] = p.FileID
	b[10] = byte(p.Mirror) | p.StorageID<<4
	b[11] = p.flags()
	binary.LittleEndian.PutUint32(b[12:16], p.Offset)
	binary.LittleEndian.PutUint32(b[16:20], p.Size)
	binary.LittleEndian.PutUint32(b[20:24], p.FileOffset)
	return b, nil
}

// Decode unpacks a 24-byte record.
func Decode(b []byte) (Partition, error) {
	if len(b) < RecordSize {
		return Partition{}, fmt.Errorf("partition record too short: %d bytes", len(b))
	}
	name := b[0:8]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return Partition{
		Name:       string(name),
		Type:       Type(b[8]),
		FileID:     b[9],
		Mirror:     Mirror(b[10] & 0x0F),
		StorageID:  b[10] >> 4,
		CRC:        b[11]&flagCRC != 0,
		Encrypted:  b[11]&flagEncrypted != 0,
		BootCheck:  b[11]&flagBootCheck != 0,
		UsedSector: b[11]&flagUsedSector != 0,
		Offset:     binary.LittleEndian.Uint32(b[12:16]),
		Size:       binary.LittleEndian.Uint32(b[16:20]),
		FileOffset: binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}
