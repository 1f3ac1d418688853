// Package image describes firmware images: the descriptor carried by
// REQUEST_UPGRADE and the .aota container that bundles a descriptor with
// its payload for local upgrades.
package image

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bigbag/papyrix-ota/internal/tlv"
)

// Descriptor tags.
const (
	TagVersion   = 0x01
	TagSize      = 0x02
	TagHeadCRC   = 0x03
	TagTarget    = 0x04
	TagFlags     = 0x05
	TagFile      = 0x06
	TagSignature = 0x07
)

// Sub-file tags, nested inside TagFile.
const (
	FileTagName   = 0x01
	FileTagID     = 0x02
	FileTagOffset = 0x03
	FileTagSize   = 0x04
	FileTagCRC    = 0x05
)

// FlagEncrypted marks a payload encrypted for the target partition.
const FlagEncrypted = 1 << 0

// MaxNameLen matches the partition record name field.
const MaxNameLen = 8

// ErrInvalid is wrapped by descriptor validation failures.
var ErrInvalid = errors.New("invalid image descriptor")

// File is a named sub-file of a composite image.
type File struct {
	Name   string
	FileID uint8
	Offset uint32
	Size   uint32
	CRC    uint32
}

// End returns the payload offset just past the sub-file.
func (f File) End() uint32 {
	return f.Offset + f.Size
}

// Descriptor is the metadata of a firmware image.
type Descriptor struct {
	Version      uint32
	Size         uint32
	HeadCRC      uint32
	TargetFileID uint8
	Flags        uint32
	Files        []File
	Signature    []byte
}

// Encrypted reports whether the payload is encrypted.
func (d *Descriptor) Encrypted() bool {
	return d.Flags&FlagEncrypted != 0
}

// AppendTLV encodes the descriptor fields onto buf.
func (d *Descriptor) AppendTLV(buf []byte) []byte {
	buf = tlv.AppendU32(buf, TagVersion, d.Version)
	buf = tlv.AppendU32(buf, TagSize, d.Size)
	buf = tlv.AppendU32(buf, TagHeadCRC, d.HeadCRC)
	buf = tlv.AppendU8(buf, TagTarget, d.TargetFileID)
	if d.Flags != 0 {
		buf = tlv.AppendU32(buf, TagFlags, d.Flags)
	}
	for _, f := range d.Files {
		var sub []byte
		sub = tlv.Append(sub, FileTagName, []byte(f.Name))
		sub = tlv.AppendU8(sub, FileTagID, f.FileID)
		sub = tlv.AppendU32(sub, FileTagOffset, f.Offset)
		sub = tlv.AppendU32(sub, FileTagSize, f.Size)
		sub = tlv.AppendU32(sub, FileTagCRC, f.CRC)
		buf = tlv.Append(buf, TagFile, sub)
	}
	if len(d.Signature) > 0 {
		buf = tlv.Append(buf, TagSignature, d.Signature)
	}
	return buf
}

// DecodeField applies a single descriptor field. It returns false for tags
// that are not descriptor fields so callers can handle their own.
func (d *Descriptor) DecodeField(t tlv.TLV) (bool, error) {
	var err error
	switch t.Type {
	case TagVersion:
		d.Version, err = t.U32()
	case TagSize:
		d.Size, err = t.U32()
	case TagHeadCRC:
		d.HeadCRC, err = t.U32()
	case TagTarget:
		d.TargetFileID, err = t.U8()
	case TagFlags:
		d.Flags, err = t.U32()
	case TagFile:
		var f File
		f, err = decodeFile(t.Value)
		if err == nil {
			d.Files = append(d.Files, f)
		}
	case TagSignature:
		d.Signature = append([]byte(nil), t.Value...)
	default:
		return false, nil
	}
	return true, err
}

func decodeFile(buf []byte) (File, error) {
	var f File
	r := tlv.NewReader(buf)
	for r.More() {
		t, err := r.Next()
		if err != nil {
			return f, fmt.Errorf("sub-file: %w", err)
		}
		switch t.Type {
		case FileTagName:
			if len(t.Value) > MaxNameLen {
				return f, fmt.Errorf("%w: sub-file name %q longer than %d bytes", ErrInvalid, t.Value, MaxNameLen)
			}
			f.Name = string(t.Value)
		case FileTagID:
			f.FileID, err = t.U8()
		case FileTagOffset:
			f.Offset, err = t.U32()
		case FileTagSize:
			f.Size, err = t.U32()
		case FileTagCRC:
			f.CRC, err = t.U32()
		}
		if err != nil {
			return f, fmt.Errorf("sub-file: %w", err)
		}
	}
	return f, nil
}

// ParseDescriptor decodes a buffer holding only descriptor fields.
func ParseDescriptor(buf []byte) (*Descriptor, error) {
	d := &Descriptor{}
	r := tlv.NewReader(buf)
	for r.More() {
		t, err := r.Next()
		if err != nil {
			return nil, err
		}
		if _, err := d.DecodeField(t); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Validate checks that sub-files are in bounds, ordered and disjoint.
func (d *Descriptor) Validate() error {
	if d.Size == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalid)
	}
	var prev uint32
	for i, f := range d.Files {
		if len(f.Name) > MaxNameLen {
			return fmt.Errorf("%w: sub-file name %q too long", ErrInvalid, f.Name)
		}
		if f.Offset < prev {
			return fmt.Errorf("%w: sub-file %d (%s) overlaps its predecessor", ErrInvalid, i, f.Name)
		}
		if uint64(f.Offset)+uint64(f.Size) > uint64(d.Size) {
			return fmt.Errorf("%w: sub-file %d (%s) ends past image size %d", ErrInvalid, i, f.Name, d.Size)
		}
		prev = f.End()
	}
	return nil
}

// Crossed returns the sub-files whose last byte lies in (from, to].
func (d *Descriptor) Crossed(from, to uint32) []File {
	var out []File
	for _, f := range d.Files {
		if f.Size == 0 {
			continue
		}
		if end := f.End(); end > from && end <= to {
			out = append(out, f)
		}
	}
	return out
}

// Checksum computes the CRC-32 (IEEE) of size bytes at off.
func Checksum(r io.ReaderAt, off, size int64) (uint32, error) {
	h := crc32.NewIEEE()
	n, err := io.Copy(h, io.NewSectionReader(r, off, size))
	if err != nil {
		return 0, fmt.Errorf("failed to checksum: %w", err)
	}
	if n != size {
		return 0, fmt.Errorf("failed to checksum: read %d of %d bytes", n, size)
	}
	return h.Sum32(), nil
}
