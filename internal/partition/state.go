package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/storage"
)

// Progress is the in-progress transfer record used for resume.
type Progress struct {
	TargetFileID uint8
	TargetMirror Mirror
	Size         uint32
	HeadCRC      uint32
	Received     uint32
	UnitSize     uint32
}

// Active reports whether a transfer is recorded.
func (p Progress) Active() bool {
	return p.UnitSize != 0
}

// State is the persisted boot indicator plus the transfer progress.
type State struct {
	Seq           uint32
	CurrentFileID uint8
	CurrentMirror Mirror
	// Pending is the file id of an image waiting in the temp partition for
	// the recovery installer, or zero.
	Pending uint8
	// PendingSize is the payload length of the pending image.
	PendingSize uint32
	Version     uint32
	Progress    Progress
}

// stateSize is the on-flash size of one journal record.
const stateSize = 48

var stateMagic = [4]byte{'P', 'S', 'T', 'A'}

func (s State) encode() []byte {
	b := make([]byte, stateSize)
	copy(b[0:4], stateMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], s.Seq)
	b[8] = s.CurrentFileID
	b[9] = byte(s.CurrentMirror)
	b[10] = s.Pending
	binary.LittleEndian.PutUint32(b[12:16], s.Version)
	b[16] = s.Progress.TargetFileID
	b[17] = byte(s.Progress.TargetMirror)
	binary.LittleEndian.PutUint32(b[20:24], s.Progress.Size)
	binary.LittleEndian.PutUint32(b[24:28], s.Progress.HeadCRC)
	binary.LittleEndian.PutUint32(b[28:32], s.Progress.Received)
	binary.LittleEndian.PutUint32(b[32:36], s.Progress.UnitSize)
	binary.LittleEndian.PutUint32(b[36:40], s.PendingSize)
	binary.LittleEndian.PutUint32(b[stateSize-4:], crc32.ChecksumIEEE(b[:stateSize-4]))
	return b
}

func decodeState(b []byte) (State, bool) {
	if len(b) < stateSize || string(b[0:4]) != string(stateMagic[:]) {
		return State{}, false
	}
	if crc32.ChecksumIEEE(b[:stateSize-4]) != binary.LittleEndian.Uint32(b[stateSize-4:]) {
		return State{}, false
	}
	return State{
		Seq:           binary.LittleEndian.Uint32(b[4:8]),
		CurrentFileID: b[8],
		CurrentMirror: Mirror(b[9]),
		Pending:       b[10],
		PendingSize:   binary.LittleEndian.Uint32(b[36:40]),
		Version:       binary.LittleEndian.Uint32(b[12:16]),
		Progress: Progress{
			TargetFileID: b[16],
			TargetMirror: Mirror(b[17]),
			Size:         binary.LittleEndian.Uint32(b[20:24]),
			HeadCRC:      binary.LittleEndian.Uint32(b[24:28]),
			Received:     binary.LittleEndian.Uint32(b[28:32]),
			UnitSize:     binary.LittleEndian.Uint32(b[32:36]),
		},
	}, true
}

func blank(b []byte) bool {
	for _, v := range b {
		if v != storage.ErasedValue {
			return false
		}
	}
	return true
}

// ErrNoState is returned by Load when the journal holds no valid record.
var ErrNoState = errors.New("no persisted state")

// Journal stores State records append-only across two erase banks of the
// param partition. The valid record with the highest sequence wins, so each
// update is a single record write: a torn write fails its CRC and the
// previous record stays in force.
type Journal struct {
	dev      storage.Device
	off      int64
	bankSize int64
	slots    int

	loaded bool
	last   State
	bank   int
	next   int
}

// NewJournal lays a journal over [off, off+size) of dev. The region must
// hold two erase segments.
func NewJournal(dev storage.Device, off, size int64) (*Journal, error) {
	seg := int64(dev.EraseSegment())
	if off%seg != 0 {
		return nil, fmt.Errorf("journal offset 0x%X not aligned to erase segment 0x%X", off, seg)
	}
	bank := (size / 2) / seg * seg
	if bank == 0 {
		return nil, fmt.Errorf("journal region of %d bytes is smaller than two erase segments of %d", size, seg)
	}
	return &Journal{dev: dev, off: off, bankSize: bank, slots: int(bank / stateSize)}, nil
}

func (j *Journal) slotOffset(bank, slot int) int64 {
	return j.off + int64(bank)*j.bankSize + int64(slot)*stateSize
}

// Load scans both banks and returns the newest valid record.
func (j *Journal) Load() (State, error) {
	buf := make([]byte, stateSize)
	found := false
	j.bank, j.next = 0, 0
	for bank := 0; bank < 2; bank++ {
		for slot := 0; slot < j.slots; slot++ {
			if _, err := j.dev.ReadAt(buf, j.slotOffset(bank, slot)); err != nil {
				return State{}, fmt.Errorf("failed to read state record: %w", err)
			}
			if blank(buf) {
				break
			}
			s, ok := decodeState(buf)
			if !ok {
				klog.V(2).Infof("journal: skipping bad record at bank %d slot %d", bank, slot)
				continue
			}
			if !found || s.Seq > j.last.Seq {
				found = true
				j.last = s
				j.bank, j.next = bank, slot+1
			}
		}
	}
	j.loaded = true
	if !found {
		return State{}, ErrNoState
	}
	return j.last, nil
}

// Append persists s with the next sequence number and returns the stored
// record.
func (j *Journal) Append(s State) (State, error) {
	if !j.loaded {
		if _, err := j.Load(); err != nil && !errors.Is(err, ErrNoState) {
			return State{}, err
		}
	}
	s.Seq = j.last.Seq + 1
	bank, slot := j.bank, j.next
	if slot >= j.slots || !j.slotFree(bank, slot) {
		// Roll into the other bank. The active bank keeps the latest
		// record until the new one lands.
		bank, slot = 1-j.bank, 0
		if err := j.wipe(j.off+int64(bank)*j.bankSize, j.bankSize); err != nil {
			return State{}, fmt.Errorf("failed to erase journal bank: %w", err)
		}
	}
	if err := j.dev.Write(j.slotOffset(bank, slot), s.encode()); err != nil {
		return State{}, fmt.Errorf("failed to write state record: %w", err)
	}
	if err := j.dev.Sync(); err != nil {
		return State{}, fmt.Errorf("failed to sync state record: %w", err)
	}
	j.last, j.bank, j.next = s, bank, slot+1
	return s, nil
}

func (j *Journal) slotFree(bank, slot int) bool {
	ok, err := j.dev.IsClean(j.slotOffset(bank, slot), stateSize)
	return err == nil && ok
}

// wipe erases [off, off+size). Devices whose Erase leaves data in place,
// such as plain files, get the region overwritten with the erased value.
func (j *Journal) wipe(off, size int64) error {
	if err := j.dev.Erase(off, size); err != nil {
		return err
	}
	if ok, err := j.dev.IsClean(off, size); err != nil || ok {
		return err
	}
	if err := j.dev.Write(off, bytes.Repeat([]byte{storage.ErasedValue}, int(size))); err != nil {
		return err
	}
	return j.dev.Sync()
}

// Format erases both banks. Any previous state is lost.
func (j *Journal) Format() error {
	if err := j.wipe(j.off, 2*j.bankSize); err != nil {
		return fmt.Errorf("failed to erase journal: %w", err)
	}
	j.loaded, j.last, j.bank, j.next = true, State{}, 0, 0
	return nil
}
