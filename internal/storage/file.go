package storage

import (
	"fmt"
	"os"
)

// File is a file-backed region such as an image on an SD card or a NAND
// partition behind a flash translation layer. Erase is a no-op and writes
// overwrite in place.
type File struct {
	geo Geometry
	f   *os.File
}

// OpenFile opens or creates path as a region of geo.Size bytes.
func OpenFile(path string, geo Geometry) (*File, error) {
	if err := geo.normalize(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < geo.Size {
		if err := f.Truncate(geo.Size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size region file: %w", err)
		}
	}
	return &File{geo: geo, f: f}, nil
}

func (r *File) ID() uint8         { return r.geo.ID }
func (r *File) Name() string      { return r.geo.Name }
func (r *File) Size() int64       { return r.geo.Size }
func (r *File) WriteSegment() int { return r.geo.WriteSegment }
func (r *File) EraseSegment() int { return r.geo.EraseSegment }

// Close closes the backing file.
func (r *File) Close() error {
	return r.f.Close()
}

func (r *File) ReadAt(p []byte, off int64) (int, error) {
	if err := r.geo.checkRange("read", off, int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.f.ReadAt(p, off)
	if err != nil {
		return n, &StorageError{Op: "read", Device: r.geo.Name, Offset: off, Err: err}
	}
	return n, nil
}

func (r *File) Write(off int64, data []byte) error {
	if err := r.geo.checkRange("write", off, int64(len(data))); err != nil {
		return err
	}
	return splitSegments(off, int64(len(data)), r.geo.WriteSegment, func(o, n int64) error {
		if _, err := r.f.WriteAt(data[o-off:o-off+n], o); err != nil {
			return &StorageError{Op: "write", Device: r.geo.Name, Offset: o, Err: err}
		}
		return nil
	})
}

// Erase only validates the range.
func (r *File) Erase(off, size int64) error {
	return r.geo.checkRange("erase", off, size)
}

func (r *File) IsClean(off, size int64) (bool, error) {
	if err := r.geo.checkRange("is_clean", off, size); err != nil {
		return false, err
	}
	ok, err := isClean(r.f, off, size, r.geo.WriteSegment)
	if err != nil {
		return false, &StorageError{Op: "is_clean", Device: r.geo.Name, Offset: off, Err: err}
	}
	return ok, nil
}

func (r *File) Sync() error {
	if err := r.f.Sync(); err != nil {
		return &StorageError{Op: "sync", Device: r.geo.Name, Err: err}
	}
	return nil
}
