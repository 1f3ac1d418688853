package partition

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bigbag/papyrix-ota/internal/storage"
)

func testParts() []Partition {
	return []Partition{
		{Name: "boot", Type: TypeBoot, FileID: 1, Mirror: MirrorNone, Offset: 0x0, Size: 0x10000, BootCheck: true},
		{Name: "sys_a", Type: TypeSystem, FileID: 2, Mirror: MirrorA, Offset: 0x10000, Size: 0x20000, CRC: true},
		{Name: "sys_b", Type: TypeSystem, FileID: 2, Mirror: MirrorB, Offset: 0x30000, Size: 0x20000, CRC: true},
		{Name: "temp", Type: TypeTemp, FileID: 0xFE, Mirror: MirrorNone, Offset: 0x50000, Size: 0x20000},
		{Name: "param", Type: TypeParam, FileID: 0xF0, Mirror: MirrorNone, Offset: 0x70000, Size: 0x2000},
	}
}

func newTestManager(t *testing.T) (*Manager, *storage.Flash) {
	t.Helper()
	fl, err := storage.NewFlash(storage.NewMemory(0x80000), storage.Geometry{Name: "nor", Size: 0x80000, WriteSegment: 256, EraseSegment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := storage.NewRegistry(fl)
	if err != nil {
		t.Fatal(err)
	}
	table, err := NewTable(testParts())
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	m, err := Open(table, reg, State{CurrentFileID: 2, CurrentMirror: MirrorA, Version: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return m, fl
}

func TestRecordRoundTrip(t *testing.T) {
	p := Partition{Name: "sys_b", Type: TypeSystem, FileID: 2, Mirror: MirrorB, StorageID: 3,
		CRC: true, BootCheck: true, UsedSector: true, Offset: 0x30000, Size: 0x20000, FileOffset: 0x200}
	b, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(b) != RecordSize {
		t.Fatalf("Encode() = %d bytes, want %d", len(b), RecordSize)
	}
	if b[10] != 0x31 {
		t.Errorf("mirror/storage byte = 0x%02X, want 0x31", b[10])
	}
	if b[11] != 0x0D {
		t.Errorf("flags byte = 0x%02X, want 0x0D", b[11])
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordEncodeErrors(t *testing.T) {
	if _, err := (Partition{Name: "ninebytes"}).Encode(); err == nil {
		t.Error("Encode() long name succeeded")
	}
	if _, err := (Partition{Name: "x", StorageID: 16}).Encode(); err == nil {
		t.Error("Encode() wide storage id succeeded")
	}
	if _, err := Decode(make([]byte, 10)); err == nil {
		t.Error("Decode() short record succeeded")
	}
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func([]Partition) []Partition
	}{
		{"too many", func(p []Partition) []Partition {
			for len(p) <= MaxPartitions {
				p = append(p, Partition{Name: "d", Type: TypeData, Size: 1})
			}
			return p
		}},
		{"overlap", func(p []Partition) []Partition { p[2].Offset = 0x20000; return p }},
		{"missing pair", func(p []Partition) []Partition { return append(p[:2:2], p[3:]...) }},
		{"duplicate name", func(p []Partition) []Partition { p[3].Name = "boot"; return p }},
		{"zero size", func(p []Partition) []Partition { p[0].Size = 0; return p }},
		{"two temps", func(p []Partition) []Partition {
			return append(p, Partition{Name: "temp2", Type: TypeTemp, FileID: 0xFD, Mirror: MirrorNone, Offset: 0x78000, Size: 0x1000})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.modify(testParts())); err == nil {
				t.Error("NewTable() succeeded, want error")
			}
		})
	}
}

func TestTableBlobRoundTrip(t *testing.T) {
	m, fl := newTestManager(t)
	if err := WriteTable(fl, 0x7E000, m.Table()); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}
	got, err := ReadTable(fl, 0x7E000)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	if diff := cmp.Diff(m.Table().Partitions(), got.Partitions()); diff != "" {
		t.Errorf("ReadTable() mismatch (-want +got):\n%s", diff)
	}

	// Clear the first byte of the boot record name.
	if err := fl.Write(0x7E000+8, []byte{0x00}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTable(fl, 0x7E000); !errors.Is(err, ErrBadTable) {
		t.Errorf("ReadTable() corrupted error = %v, want ErrBadTable", err)
	}
}

func TestLookups(t *testing.T) {
	m, _ := newTestManager(t)

	cur, ok := m.Current(2)
	if !ok || cur.Name != "sys_a" {
		t.Errorf("Current(2) = %v, %v, want sys_a", cur, ok)
	}
	mir, ok := m.Mirror(2)
	if !ok || mir.Name != "sys_b" {
		t.Errorf("Mirror(2) = %v, %v, want sys_b", mir, ok)
	}
	if _, ok := m.Mirror(1); ok {
		t.Error("Mirror(1) found a partition for an unmirrored file")
	}
	if p, ok := m.Current(1); !ok || p.Name != "boot" {
		t.Errorf("Current(1) = %v, %v, want boot", p, ok)
	}
	if p, ok := m.Temp(); !ok || p.Name != "temp" {
		t.Errorf("Temp() = %v, %v, want temp", p, ok)
	}
	if p, ok := m.Booting(); !ok || p.Name != "sys_a" {
		t.Errorf("Booting() = %v, %v, want sys_a", p, ok)
	}
}

func TestActivateFlipsMirror(t *testing.T) {
	m, fl := newTestManager(t)
	mir, _ := m.Mirror(2)
	if err := m.SaveProgress(Progress{TargetFileID: 2, TargetMirror: MirrorB, Size: 2048, Received: 512, UnitSize: 512}); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(mir, 2); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if p, _ := m.Booting(); p.Name != "sys_b" {
		t.Errorf("Booting() after Activate = %s, want sys_b", p.Name)
	}
	if m.State().Progress.Active() {
		t.Error("progress survived activation")
	}

	// A fresh manager over the same flash sees the flip.
	reg, _ := storage.NewRegistry(fl)
	again, err := Open(m.Table(), reg, State{CurrentFileID: 2, CurrentMirror: MirrorA})
	if err != nil {
		t.Fatal(err)
	}
	st := again.State()
	if st.CurrentMirror != MirrorB || st.Version != 2 {
		t.Errorf("reloaded state = %+v, want mirror B version 2", st)
	}
	if p, _ := again.Mirror(2); p.Name != "sys_a" {
		t.Errorf("Mirror(2) after flip = %s, want sys_a", p.Name)
	}
}

func TestPendingSurvivesReload(t *testing.T) {
	m, fl := newTestManager(t)
	if err := m.SetPending(2, 0x1234); err != nil {
		t.Fatalf("SetPending() error = %v", err)
	}
	reg, _ := storage.NewRegistry(fl)
	again, err := Open(m.Table(), reg, State{})
	if err != nil {
		t.Fatal(err)
	}
	want := State{Seq: 1, CurrentFileID: 2, CurrentMirror: MirrorA, Pending: 2, PendingSize: 0x1234, Version: 1}
	if diff := cmp.Diff(want, again.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	if err := again.ClearPending(); err != nil {
		t.Fatal(err)
	}
	if st := again.State(); st.Pending != 0 || st.PendingSize != 0 {
		t.Errorf("state after ClearPending = %+v", st)
	}
}

func TestInstall(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.SetPending(1, 100); err != nil {
		t.Fatal(err)
	}
	boot, _ := m.Current(1)
	if err := m.Install(boot, 5); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	st := m.State()
	if st.CurrentFileID != 2 || st.Version != 5 || st.Pending != 0 || st.PendingSize != 0 {
		t.Errorf("state after installing boot = %+v, want file 2 version 5 nothing pending", st)
	}

	sys, _ := m.Mirror(2)
	sys.Mirror = MirrorNone
	if err := m.Install(sys, 6); err != nil {
		t.Fatal(err)
	}
	if st := m.State(); st.CurrentFileID != 2 || st.CurrentMirror != MirrorA || st.Version != 6 {
		t.Errorf("state after installing system = %+v", st)
	}
}

func TestJournalRollsOverBanks(t *testing.T) {
	m, fl := newTestManager(t)
	// 4096/48 = 85 slots per bank; write enough to wrap twice.
	for i := 0; i < 200; i++ {
		if err := m.SaveProgress(Progress{TargetFileID: 2, TargetMirror: MirrorB, Size: 1 << 20, Received: uint32(i), UnitSize: 512}); err != nil {
			t.Fatalf("SaveProgress(%d) error = %v", i, err)
		}
	}
	reg, _ := storage.NewRegistry(fl)
	again, err := Open(m.Table(), reg, State{})
	if err != nil {
		t.Fatal(err)
	}
	if got := again.State().Progress.Received; got != 199 {
		t.Errorf("Received after reload = %d, want 199", got)
	}
	if got := again.State().Seq; got != 200 {
		t.Errorf("Seq after reload = %d, want 200", got)
	}
}

func TestTornRecordKeepsPreviousState(t *testing.T) {
	m, fl := newTestManager(t)
	if err := m.Format(State{CurrentFileID: 2, CurrentMirror: MirrorA, Version: 1}); err != nil {
		t.Fatal(err)
	}
	mir, _ := m.Mirror(2)

	// Cut power before the activation record is synced.
	boom := errors.New("power cut")
	fl.SetFault(func(op storage.Op, off int64, n int) error {
		if op == storage.OpSync {
			return boom
		}
		return nil
	})
	if err := m.Activate(mir, 2); !errors.Is(err, boom) {
		t.Fatalf("Activate() error = %v, want %v", err, boom)
	}
	fl.SetFault(nil)
	// Clear the magic of the record just written to simulate a partial
	// program.
	if err := fl.Write(0x70000+stateSize, []byte{0x00}); err != nil {
		t.Fatal(err)
	}

	reg, _ := storage.NewRegistry(fl)
	again, err := Open(m.Table(), reg, State{})
	if err != nil {
		t.Fatal(err)
	}
	if st := again.State(); st.CurrentMirror != MirrorA || st.Version != 1 {
		t.Errorf("state after torn flip = %+v, want mirror A version 1", st)
	}
}

func TestFormatOverFileRegion(t *testing.T) {
	geo := storage.Geometry{Name: "sd", Size: 0x80000, WriteSegment: 512, EraseSegment: 4096}
	path := filepath.Join(t.TempDir(), "flash.img")
	open := func() (*Manager, *storage.File) {
		t.Helper()
		f, err := storage.OpenFile(path, geo)
		if err != nil {
			t.Fatalf("OpenFile() error = %v", err)
		}
		reg, err := storage.NewRegistry(f)
		if err != nil {
			t.Fatal(err)
		}
		table, err := NewTable(testParts())
		if err != nil {
			t.Fatal(err)
		}
		m, err := Open(table, reg, State{})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return m, f
	}
	defaults := State{CurrentFileID: 2, CurrentMirror: MirrorA, Version: 1}

	m, f := open()
	if err := m.Format(defaults); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	// Fill past one bank so both hold records, then format again.
	for i := 0; i < 100; i++ {
		mir, _ := m.Mirror(2)
		if err := m.Activate(mir, uint32(i+2)); err != nil {
			t.Fatalf("Activate(%d) error = %v", i, err)
		}
	}
	if err := m.Format(defaults); err != nil {
		t.Fatalf("second Format() error = %v", err)
	}
	f.Close()

	again, f := open()
	defer f.Close()
	want := defaults
	want.Seq = 1
	if diff := cmp.Diff(want, again.State()); diff != "" {
		t.Errorf("state after reformat (-want +got):\n%s", diff)
	}

	// The wiped banks take new records in order.
	mir, _ := again.Mirror(2)
	if err := again.Activate(mir, 9); err != nil {
		t.Fatal(err)
	}
	if st := again.State(); st.Seq != 2 || st.CurrentMirror != MirrorB || st.Version != 9 {
		t.Errorf("state after activate = %+v, want seq 2 mirror B version 9", st)
	}
}

func TestDeviceBounds(t *testing.T) {
	m, _ := newTestManager(t)
	p := Partition{Name: "far", StorageID: 0, Offset: 0x7F000, Size: 0x2000}
	if _, err := m.Device(p); err == nil {
		t.Error("Device() past end succeeded")
	}
	if _, err := m.Device(Partition{Name: "ext", StorageID: 9, Size: 1}); err == nil {
		t.Error("Device() unknown storage succeeded")
	}
}

func TestParseHelpers(t *testing.T) {
	if typ, err := ParseType("System"); err != nil || typ != TypeSystem {
		t.Errorf("ParseType(System) = %v, %v", typ, err)
	}
	if _, err := ParseType("bogus"); err == nil {
		t.Error("ParseType(bogus) succeeded")
	}
	if mir, err := ParseMirror("b"); err != nil || mir != MirrorB {
		t.Errorf("ParseMirror(b) = %v, %v", mir, err)
	}
	if MirrorA.Other() != MirrorB || MirrorNone.Other() != MirrorNone {
		t.Error("Other() mismatch")
	}
}
