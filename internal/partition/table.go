package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/bigbag/papyrix-ota/internal/storage"
)

// MaxPartitions is the fixed capacity of the table.
const MaxPartitions = 30

// Table blob layout: magic, u16 count, u16 reserved, MaxPartitions
// records, u32 CRC over everything before it.
var tableMagic = [4]byte{'P', 'A', 'R', 'T'}

// TableSize is the encoded size of a table.
const TableSize = 8 + MaxPartitions*RecordSize + 4

// ErrBadTable is returned when a stored table fails its checks.
var ErrBadTable = errors.New("bad partition table")

// Table is an immutable, validated set of partitions.
type Table struct {
	parts []Partition
}

// NewTable validates parts and returns a table.
func NewTable(parts []Partition) (*Table, error) {
	if len(parts) > MaxPartitions {
		return nil, fmt.Errorf("%d partitions, at most %d allowed", len(parts), MaxPartitions)
	}
	type key struct {
		fileID uint8
		mirror Mirror
	}
	seen := make(map[key]string)
	names := make(map[string]bool)
	temps := 0
	for i, p := range parts {
		if p.Type == TypeUnused {
			return nil, fmt.Errorf("partition %d (%s) has no type", i, p.Name)
		}
		if p.Name == "" || len(p.Name) > 8 {
			return nil, fmt.Errorf("partition %d: name %q must be 1-8 bytes", i, p.Name)
		}
		if names[p.Name] {
			return nil, fmt.Errorf("partition name %q used twice", p.Name)
		}
		names[p.Name] = true
		if p.Mirror != MirrorA && p.Mirror != MirrorB && p.Mirror != MirrorNone {
			return nil, fmt.Errorf("partition %s: invalid mirror %d", p.Name, p.Mirror)
		}
		if p.Size == 0 {
			return nil, fmt.Errorf("partition %s: zero size", p.Name)
		}
		k := key{p.FileID, p.Mirror}
		if other, ok := seen[k]; ok {
			return nil, fmt.Errorf("partitions %s and %s share file id %d mirror %s", other, p.Name, p.FileID, p.Mirror)
		}
		seen[k] = p.Name
		if p.Type == TypeTemp {
			temps++
		}
		for _, q := range parts[:i] {
			if q.StorageID == p.StorageID && uint64(p.Offset) < q.End() && uint64(q.Offset) < p.End() {
				return nil, fmt.Errorf("partitions %s and %s overlap on storage %d", q.Name, p.Name, p.StorageID)
			}
		}
	}
	if temps > 1 {
		return nil, fmt.Errorf("%d temp partitions, at most one allowed", temps)
	}
	for k, name := range seen {
		if k.mirror == MirrorNone {
			continue
		}
		if _, ok := seen[key{k.fileID, k.mirror.Other()}]; !ok {
			return nil, fmt.Errorf("partition %s has no %s mirror", name, k.mirror.Other())
		}
		if _, ok := seen[key{k.fileID, MirrorNone}]; ok {
			return nil, fmt.Errorf("file id %d is both mirrored and unmirrored", k.fileID)
		}
	}
	return &Table{parts: append([]Partition(nil), parts...)}, nil
}

// Partitions returns a copy of all entries in table order.
func (t *Table) Partitions() []Partition {
	return append([]Partition(nil), t.parts...)
}

// Find returns the partition with the given file id and mirror.
func (t *Table) Find(fileID uint8, mirror Mirror) (Partition, bool) {
	for _, p := range t.parts {
		if p.FileID == fileID && p.Mirror == mirror {
			return p, true
		}
	}
	return Partition{}, false
}

// ByType returns the first partition of type typ.
func (t *Table) ByType(typ Type) (Partition, bool) {
	for _, p := range t.parts {
		if p.Type == typ {
			return p, true
		}
	}
	return Partition{}, false
}

// Mirrored reports whether fileID has an A/B pair.
func (t *Table) Mirrored(fileID uint8) bool {
	_, ok := t.Find(fileID, MirrorA)
	return ok
}

// MarshalBinary encodes the table blob.
func (t *Table) MarshalBinary() ([]byte, error) {
	b := make([]byte, TableSize)
	copy(b[0:4], tableMagic[:])
	binary.LittleEndian.PutUint16(b[4:6], uint16(len(t.parts)))
	for i, p := range t.parts {
		rec, err := p.Encode()
		if err != nil {
			return nil, err
		}
		copy(b[8+i*RecordSize:], rec)
	}
	binary.LittleEndian.PutUint32(b[TableSize-4:], crc32.ChecksumIEEE(b[:TableSize-4]))
	return b, nil
}

// UnmarshalTable decodes and validates a table blob.
func UnmarshalTable(b []byte) (*Table, error) {
	if len(b) < TableSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadTable, len(b))
	}
	b = b[:TableSize]
	if !bytes.Equal(b[0:4], tableMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrBadTable)
	}
	if got, want := crc32.ChecksumIEEE(b[:TableSize-4]), binary.LittleEndian.Uint32(b[TableSize-4:]); got != want {
		return nil, fmt.Errorf("%w: crc 0x%08X, want 0x%08X", ErrBadTable, got, want)
	}
	n := int(binary.LittleEndian.Uint16(b[4:6]))
	if n > MaxPartitions {
		return nil, fmt.Errorf("%w: count %d", ErrBadTable, n)
	}
	parts := make([]Partition, 0, n)
	for i := 0; i < n; i++ {
		p, err := Decode(b[8+i*RecordSize:])
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return NewTable(parts)
}

// WriteTable erases the table location on dev and stores t there.
func WriteTable(dev storage.Device, off int64, t *Table) error {
	b, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	if err := dev.Erase(off, int64(len(b))); err != nil {
		return fmt.Errorf("failed to erase partition table: %w", err)
	}
	if err := dev.Write(off, b); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	return dev.Sync()
}

// ReadTable loads the table stored at off on dev.
func ReadTable(dev storage.Device, off int64) (*Table, error) {
	b := make([]byte, TableSize)
	if _, err := dev.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("failed to read partition table: %w", err)
	}
	return UnmarshalTable(b)
}
