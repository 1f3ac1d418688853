package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Medium is the backing store of an emulated flash device.
type Medium interface {
	io.ReaderAt
	io.WriterAt
}

// Op identifies a device operation passed to a FaultFunc.
type Op string

const (
	OpWrite Op = "write"
	OpErase Op = "erase"
	OpSync  Op = "sync"
)

// FaultFunc is called before each write piece, erase segment and sync.
// A non-nil return aborts the operation with that error; pieces already
// programmed stay programmed, like a power cut between two page writes.
type FaultFunc func(op Op, off int64, n int) error

// Flash emulates NOR flash over a Medium: erase sets bytes to ErasedValue
// and programming can only clear bits.
type Flash struct {
	geo Geometry
	m   Medium

	mu    sync.Mutex
	fault FaultFunc
}

// NewFlash returns a flash device over m.
func NewFlash(m Medium, geo Geometry) (*Flash, error) {
	if err := geo.normalize(); err != nil {
		return nil, err
	}
	return &Flash{geo: geo, m: m}, nil
}

// OpenFlashFile opens a flash dump file, creating it fully erased when it
// does not exist yet.
func OpenFlashFile(path string, geo Geometry) (*Flash, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		f, err = createErased(path, geo.Size)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open flash file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if st.Size() < geo.Size {
		f.Close()
		return nil, nil, fmt.Errorf("flash file %s is %d bytes, want %d", path, st.Size(), geo.Size)
	}
	fl, err := NewFlash(f, geo)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return fl, f, nil
}

func createErased(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	blank := bytes.Repeat([]byte{ErasedValue}, 64<<10)
	for off := int64(0); off < size; off += int64(len(blank)) {
		n := int64(len(blank))
		if off+n > size {
			n = size - off
		}
		if _, err := f.WriteAt(blank[:n], off); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// SetFault installs a fault injection hook. Nil removes it.
func (f *Flash) SetFault(fn FaultFunc) {
	f.mu.Lock()
	f.fault = fn
	f.mu.Unlock()
}

func (f *Flash) ID() uint8          { return f.geo.ID }
func (f *Flash) Name() string       { return f.geo.Name }
func (f *Flash) Size() int64        { return f.geo.Size }
func (f *Flash) WriteSegment() int  { return f.geo.WriteSegment }
func (f *Flash) EraseSegment() int  { return f.geo.EraseSegment }
func (f *Flash) Geometry() Geometry { return f.geo }

// ReadAt reads len(p) bytes at off.
func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	if err := f.geo.checkRange("read", off, int64(len(p))); err != nil {
		return 0, err
	}
	n, err := f.m.ReadAt(p, off)
	if err != nil {
		return n, &StorageError{Op: "read", Device: f.geo.Name, Offset: off, Err: err}
	}
	return n, nil
}

// Write programs data at off. Each piece is ANDed into the existing
// contents, so writing over unerased bytes corrupts them the way real NOR
// flash would.
func (f *Flash) Write(off int64, data []byte) error {
	if err := f.geo.checkRange("write", off, int64(len(data))); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := make([]byte, f.geo.WriteSegment)
	return splitSegments(off, int64(len(data)), f.geo.WriteSegment, func(o, n int64) error {
		if err := f.inject(OpWrite, o, int(n)); err != nil {
			return err
		}
		page := cur[:n]
		if _, err := f.m.ReadAt(page, o); err != nil {
			return &StorageError{Op: "write", Device: f.geo.Name, Offset: o, Err: err}
		}
		src := data[o-off : o-off+n]
		for i := range page {
			page[i] &= src[i]
		}
		if _, err := f.m.WriteAt(page, o); err != nil {
			return &StorageError{Op: "write", Device: f.geo.Name, Offset: o, Err: err}
		}
		return nil
	})
}

// Erase resets every erase segment touched by [off, off+size).
func (f *Flash) Erase(off, size int64) error {
	if err := f.geo.checkRange("erase", off, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	start := AlignDown(off, f.geo.EraseSegment)
	end := AlignUp(off+size, f.geo.EraseSegment)
	if end > f.geo.Size {
		end = f.geo.Size
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	blank := bytes.Repeat([]byte{ErasedValue}, f.geo.EraseSegment)
	for o := start; o < end; o += int64(f.geo.EraseSegment) {
		n := int64(f.geo.EraseSegment)
		if o+n > end {
			n = end - o
		}
		if err := f.inject(OpErase, o, int(n)); err != nil {
			return err
		}
		if _, err := f.m.WriteAt(blank[:n], o); err != nil {
			return &StorageError{Op: "erase", Device: f.geo.Name, Offset: o, Err: err}
		}
	}
	return nil
}

// IsClean reports whether [off, off+size) is fully erased.
func (f *Flash) IsClean(off, size int64) (bool, error) {
	if err := f.geo.checkRange("is_clean", off, size); err != nil {
		return false, err
	}
	ok, err := isClean(f.m, off, size, f.geo.WriteSegment)
	if err != nil {
		return false, &StorageError{Op: "is_clean", Device: f.geo.Name, Offset: off, Err: err}
	}
	return ok, nil
}

// Sync flushes the medium if it supports it.
func (f *Flash) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.inject(OpSync, 0, 0); err != nil {
		return err
	}
	if s, ok := f.m.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return &StorageError{Op: "sync", Device: f.geo.Name, Err: err}
		}
	}
	return nil
}

func (f *Flash) inject(op Op, off int64, n int) error {
	if f.fault == nil {
		return nil
	}
	if err := f.fault(op, off, n); err != nil {
		return &StorageError{Op: string(op), Device: f.geo.Name, Offset: off, Err: err}
	}
	return nil
}

// Memory is an in-memory Medium, initially erased.
type Memory struct {
	buf []byte
}

// NewMemory returns size bytes of erased memory.
func NewMemory(size int) *Memory {
	return &Memory{buf: bytes.Repeat([]byte{ErasedValue}, size)}
}

// Bytes exposes the underlying buffer.
func (m *Memory) Bytes() []byte {
	return m.buf
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write [%d, %d) past %d bytes", off, off+int64(len(p)), len(m.buf))
	}
	return copy(m.buf[off:], p), nil
}
