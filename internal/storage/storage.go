// Package storage presents uniform read, write, erase, sync and is-clean
// operations over raw flash and file-backed regions.
package storage

import (
	"errors"
	"fmt"
	"io"
)

// Segment defaults and limits.
const (
	DefaultWriteSegment = 4 << 10
	DefaultEraseSegment = 64 << 10
	MaxSegment          = 1 << 20
)

// ErasedValue is the value of every byte of an erased region.
const ErasedValue = 0xFF

// ErrOutOfRange is wrapped by StorageError for accesses past the device end.
var ErrOutOfRange = errors.New("access out of range")

// Device is a byte-addressable handle over one physical medium.
type Device interface {
	io.ReaderAt

	// ID routes partitions to the device.
	ID() uint8
	Name() string
	Size() int64
	WriteSegment() int
	EraseSegment() int

	// Write programs data at off, split into pieces of at most
	// WriteSegment bytes.
	Write(off int64, data []byte) error
	// Erase rounds [off, off+size) out to erase-segment boundaries.
	Erase(off, size int64) error
	// IsClean reports whether every byte in the range equals ErasedValue.
	IsClean(off, size int64) (bool, error)
	// Sync returns once every previous write is durable.
	Sync() error
}

// Geometry describes a device. Zero segment sizes take the defaults.
type Geometry struct {
	ID           uint8
	Name         string
	Size         int64
	WriteSegment int
	EraseSegment int
}

func (g *Geometry) normalize() error {
	if g.WriteSegment == 0 {
		g.WriteSegment = DefaultWriteSegment
	}
	if g.EraseSegment == 0 {
		g.EraseSegment = DefaultEraseSegment
	}
	if g.Size <= 0 {
		return fmt.Errorf("storage %q: invalid size %d", g.Name, g.Size)
	}
	if g.WriteSegment < 0 || g.WriteSegment > MaxSegment {
		return fmt.Errorf("storage %q: write segment %d out of range", g.Name, g.WriteSegment)
	}
	if g.EraseSegment < 0 || g.EraseSegment > MaxSegment {
		return fmt.Errorf("storage %q: erase segment %d out of range", g.Name, g.EraseSegment)
	}
	if g.EraseSegment%g.WriteSegment != 0 {
		return fmt.Errorf("storage %q: erase segment %d is not a multiple of write segment %d",
			g.Name, g.EraseSegment, g.WriteSegment)
	}
	if g.ID > 0x0F {
		return fmt.Errorf("storage %q: id %d does not fit in 4 bits", g.Name, g.ID)
	}
	return nil
}

func (g *Geometry) checkRange(op string, off, n int64) error {
	if off < 0 || n < 0 || off+n > g.Size {
		return &StorageError{Op: op, Device: g.Name, Offset: off,
			Err: fmt.Errorf("%w: [%d, %d) on %d-byte device", ErrOutOfRange, off, off+n, g.Size)}
	}
	return nil
}

// StorageError reports a failed device operation. It is never retried.
type StorageError struct {
	Op     string
	Device string
	Offset int64
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s at 0x%X: %v", e.Device, e.Op, e.Offset, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// splitSegments calls fn for each piece of [off, off+n) that does not cross
// a seg boundary.
func splitSegments(off, n int64, seg int, fn func(off, n int64) error) error {
	for n > 0 {
		piece := int64(seg) - off%int64(seg)
		if piece > n {
			piece = n
		}
		if err := fn(off, piece); err != nil {
			return err
		}
		off += piece
		n -= piece
	}
	return nil
}

// isClean reads [off, off+size) in chunk sized pieces and checks for
// ErasedValue.
func isClean(r io.ReaderAt, off, size int64, chunk int) (bool, error) {
	buf := make([]byte, chunk)
	for size > 0 {
		n := int64(chunk)
		if n > size {
			n = size
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return false, err
		}
		for _, b := range buf[:n] {
			if b != ErasedValue {
				return false, nil
			}
		}
		off += n
		size -= n
	}
	return true, nil
}

// AlignDown rounds off down to a multiple of seg.
func AlignDown(off int64, seg int) int64 {
	return off - off%int64(seg)
}

// AlignUp rounds off up to a multiple of seg.
func AlignUp(off int64, seg int) int64 {
	if r := off % int64(seg); r != 0 {
		return off + int64(seg) - r
	}
	return off
}
