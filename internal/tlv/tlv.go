// Package tlv implements the type-length-value encoding shared by the OTA
// wire protocol and the image container header.
//
// Each field is a 1-byte type, a 2-byte little-endian length and the value.
// Lengths above MaxLen are invalid.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of a type+length header.
const HeaderSize = 3

// MaxLen is the largest value length a single field may carry.
const MaxLen = 0x3FFF

var (
	// ErrTruncated is returned when a header or value runs past the buffer.
	ErrTruncated = errors.New("tlv: truncated")
	// ErrLengthOverflow is returned for lengths above MaxLen.
	ErrLengthOverflow = errors.New("tlv: length overflow")
	// ErrBadValue is returned when a fixed-width value has the wrong size.
	ErrBadValue = errors.New("tlv: bad value size")
)

// TLV is a single decoded field. Value aliases the decoded buffer.
type TLV struct {
	Type  byte
	Value []byte
}

// U8 returns the value as a single byte.
func (t TLV) U8() (uint8, error) {
	if len(t.Value) != 1 {
		return 0, fmt.Errorf("type 0x%02X: %w", t.Type, ErrBadValue)
	}
	return t.Value[0], nil
}

// U16 returns the value as a little-endian uint16.
func (t TLV) U16() (uint16, error) {
	if len(t.Value) != 2 {
		return 0, fmt.Errorf("type 0x%02X: %w", t.Type, ErrBadValue)
	}
	return binary.LittleEndian.Uint16(t.Value), nil
}

// U32 returns the value as a little-endian uint32.
func (t TLV) U32() (uint32, error) {
	if len(t.Value) != 4 {
		return 0, fmt.Errorf("type 0x%02X: %w", t.Type, ErrBadValue)
	}
	return binary.LittleEndian.Uint32(t.Value), nil
}

// Append encodes a field onto buf. It panics if value exceeds MaxLen, which
// is always a programming error on the encode side.
func Append(buf []byte, typ byte, value []byte) []byte {
	if len(value) > MaxLen {
		panic(fmt.Sprintf("tlv: value of type 0x%02X is %d bytes", typ, len(value)))
	}
	buf = append(buf, typ, 0, 0)
	binary.LittleEndian.PutUint16(buf[len(buf)-2:], uint16(len(value)))
	return append(buf, value...)
}

// AppendU8 encodes a one-byte field.
func AppendU8(buf []byte, typ byte, v uint8) []byte {
	return Append(buf, typ, []byte{v})
}

// AppendU16 encodes a little-endian uint16 field.
func AppendU16(buf []byte, typ byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return Append(buf, typ, b[:])
}

// AppendU32 encodes a little-endian uint32 field.
func AppendU32(buf []byte, typ byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return Append(buf, typ, b[:])
}

// Reader walks the fields of an encoded buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// More reports whether unread bytes remain.
func (r *Reader) More() bool {
	return r.off < len(r.buf)
}

// Next decodes the next field. Every length is checked against the
// remaining buffer before the value is sliced.
func (r *Reader) Next() (TLV, error) {
	rest := r.buf[r.off:]
	if len(rest) < HeaderSize {
		return TLV{}, fmt.Errorf("header at offset %d: %w", r.off, ErrTruncated)
	}
	n := int(binary.LittleEndian.Uint16(rest[1:3]))
	if n > MaxLen {
		return TLV{}, fmt.Errorf("type 0x%02X length %d: %w", rest[0], n, ErrLengthOverflow)
	}
	if len(rest)-HeaderSize < n {
		return TLV{}, fmt.Errorf("type 0x%02X wants %d bytes, %d left: %w", rest[0], n, len(rest)-HeaderSize, ErrTruncated)
	}
	t := TLV{Type: rest[0], Value: rest[HeaderSize : HeaderSize+n]}
	r.off += HeaderSize + n
	return t, nil
}

// All decodes every field in buf.
func All(buf []byte) ([]TLV, error) {
	var out []TLV
	r := NewReader(buf)
	for r.More() {
		t, err := r.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
