package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Container layout: magic, u32 descriptor length, descriptor TLVs, payload.
var Magic = [4]byte{'A', 'O', 'T', 'A'}

const containerHeader = 8

// Part is one input of Build.
type Part struct {
	Name   string
	FileID uint8
	Data   []byte
}

// Build lays parts out contiguously and returns the descriptor and payload.
// The signature, if any, is added by the caller.
func Build(version uint32, target uint8, parts []Part) (*Descriptor, []byte, error) {
	d := &Descriptor{Version: version, TargetFileID: target}
	var payload []byte
	for _, p := range parts {
		if len(p.Name) > MaxNameLen {
			return nil, nil, fmt.Errorf("%w: part name %q too long", ErrInvalid, p.Name)
		}
		d.Files = append(d.Files, File{
			Name:   p.Name,
			FileID: p.FileID,
			Offset: uint32(len(payload)),
			Size:   uint32(len(p.Data)),
			CRC:    crc32.ChecksumIEEE(p.Data),
		})
		payload = append(payload, p.Data...)
	}
	d.Size = uint32(len(payload))
	d.HeadCRC = crc32.ChecksumIEEE(payload)
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	return d, payload, nil
}

// Header returns the container header for d: magic, descriptor length and
// descriptor TLVs.
func Header(d *Descriptor) []byte {
	desc := d.AppendTLV(nil)
	hdr := make([]byte, containerHeader, containerHeader+len(desc))
	copy(hdr, Magic[:])
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(desc)))
	return append(hdr, desc...)
}

// WriteContainer writes d followed by payload to w.
func WriteContainer(w io.Writer, d *Descriptor, payload []byte) error {
	if uint32(len(payload)) != d.Size {
		return fmt.Errorf("payload is %d bytes, descriptor says %d", len(payload), d.Size)
	}
	for _, b := range [][]byte{Header(d), payload} {
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("failed to write container: %w", err)
		}
	}
	return nil
}

// ReadHeader parses a container header at off, reading at most limit
// bytes. It returns the validated descriptor and the header length.
func ReadHeader(r io.ReaderAt, off, limit int64) (*Descriptor, int64, error) {
	hdr := make([]byte, containerHeader)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return nil, 0, fmt.Errorf("failed to read container header: %w", err)
	}
	if !bytes.Equal(hdr[:4], Magic[:]) {
		return nil, 0, fmt.Errorf("%w: bad container magic %q", ErrInvalid, hdr[:4])
	}
	n := int64(binary.LittleEndian.Uint32(hdr[4:]))
	if n > limit-containerHeader {
		return nil, 0, fmt.Errorf("%w: descriptor length %d exceeds file", ErrInvalid, n)
	}
	desc := make([]byte, n)
	if _, err := r.ReadAt(desc, off+containerHeader); err != nil {
		return nil, 0, fmt.Errorf("failed to read descriptor: %w", err)
	}
	d, err := ParseDescriptor(desc)
	if err != nil {
		return nil, 0, err
	}
	if err := d.Validate(); err != nil {
		return nil, 0, err
	}
	return d, containerHeader + n, nil
}

// Container is an opened .aota file.
type Container struct {
	Descriptor *Descriptor
	// Payload reads the image bytes, offset 0 being the first image byte.
	Payload *io.SectionReader
}

// Open parses the container held in r, which is size bytes long.
func Open(r io.ReaderAt, size int64) (*Container, error) {
	d, start, err := ReadHeader(r, 0, size)
	if err != nil {
		return nil, err
	}
	if size-start != int64(d.Size) {
		return nil, fmt.Errorf("%w: payload is %d bytes, descriptor says %d", ErrInvalid, size-start, d.Size)
	}
	return &Container{Descriptor: d, Payload: io.NewSectionReader(r, start, int64(d.Size))}, nil
}
