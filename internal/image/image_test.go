package image

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testParts() []Part {
	return []Part{
		{Name: "app", FileID: 2, Data: bytes.Repeat([]byte{0xA5}, 1500)},
		{Name: "res", FileID: 5, Data: bytes.Repeat([]byte{0x5A}, 548)},
	}
}

func TestBuild(t *testing.T) {
	d, payload, err := Build(7, 2, testParts())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if d.Size != 2048 || len(payload) != 2048 {
		t.Errorf("Size = %d, payload = %d, want 2048", d.Size, len(payload))
	}
	if d.HeadCRC != crc32.ChecksumIEEE(payload) {
		t.Errorf("HeadCRC = 0x%08X, want CRC of payload", d.HeadCRC)
	}
	if d.Files[1].Offset != 1500 || d.Files[1].Size != 548 {
		t.Errorf("second file = %+v, want offset 1500 size 548", d.Files[1])
	}
}

func TestDescriptorTLVRoundTrip(t *testing.T) {
	d, _, err := Build(3, 2, testParts())
	if err != nil {
		t.Fatal(err)
	}
	d.Flags = FlagEncrypted
	d.Signature = []byte("signed note")

	got, err := ParseDescriptor(d.AppendTLV(nil))
	if err != nil {
		t.Fatalf("ParseDescriptor() error = %v", err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("ParseDescriptor() mismatch (-want +got):\n%s", diff)
	}
	if !got.Encrypted() {
		t.Error("Encrypted() = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"empty", Descriptor{}, false},
		{"no files", Descriptor{Size: 10}, true},
		{"in bounds", Descriptor{Size: 10, Files: []File{{Offset: 0, Size: 4}, {Offset: 4, Size: 6}}}, true},
		{"past end", Descriptor{Size: 10, Files: []File{{Offset: 8, Size: 4}}}, false},
		{"overlap", Descriptor{Size: 10, Files: []File{{Offset: 0, Size: 6}, {Offset: 4, Size: 2}}}, false},
		{"long name", Descriptor{Size: 10, Files: []File{{Name: "ninechars", Size: 1}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCrossed(t *testing.T) {
	d, _, err := Build(1, 2, testParts())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		from, to uint32
		want     []string
	}{
		{0, 512, nil},
		{1024, 1536, []string{"app"}},
		{1536, 2048, []string{"res"}},
		{0, 2048, []string{"app", "res"}},
		{1500, 1536, nil},
	}
	for _, tt := range tests {
		var names []string
		for _, f := range d.Crossed(tt.from, tt.to) {
			names = append(names, f.Name)
		}
		if diff := cmp.Diff(tt.want, names); diff != "" {
			t.Errorf("Crossed(%d, %d) mismatch (-want +got):\n%s", tt.from, tt.to, diff)
		}
	}
}

func TestContainerRoundTrip(t *testing.T) {
	d, payload, err := Build(9, 2, testParts())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteContainer(&buf, d, payload); err != nil {
		t.Fatalf("WriteContainer() error = %v", err)
	}

	c, err := Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if diff := cmp.Diff(d, c.Descriptor); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	sum, err := Checksum(c.Payload, 0, int64(d.Size))
	if err != nil {
		t.Fatal(err)
	}
	if sum != d.HeadCRC {
		t.Errorf("Checksum() = 0x%08X, want 0x%08X", sum, d.HeadCRC)
	}
}

func TestReadHeaderAtOffset(t *testing.T) {
	d, _, err := Build(3, 2, testParts())
	if err != nil {
		t.Fatal(err)
	}
	hdr := Header(d)
	blob := append(bytes.Repeat([]byte{0xFF}, 100), hdr...)

	got, n, err := ReadHeader(bytes.NewReader(blob), 100, int64(len(hdr)))
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if n != int64(len(hdr)) {
		t.Errorf("ReadHeader() length = %d, want %d", n, len(hdr))
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if _, _, err := ReadHeader(bytes.NewReader(blob), 100, int64(len(hdr))-1); !errors.Is(err, ErrInvalid) {
		t.Errorf("ReadHeader() short limit error = %v, want ErrInvalid", err)
	}
	if _, _, err := ReadHeader(bytes.NewReader(blob), 0, int64(len(blob))); !errors.Is(err, ErrInvalid) {
		t.Errorf("ReadHeader() on erased bytes error = %v, want ErrInvalid", err)
	}
}

func TestOpenRejectsCorruptContainer(t *testing.T) {
	d, payload, err := Build(9, 2, testParts())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteContainer(&buf, d, payload); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	badMagic := append([]byte(nil), raw...)
	badMagic[0] = 'X'
	if _, err := Open(bytes.NewReader(badMagic), int64(len(badMagic))); !errors.Is(err, ErrInvalid) {
		t.Errorf("Open() bad magic error = %v, want ErrInvalid", err)
	}

	short := raw[:len(raw)-1]
	if _, err := Open(bytes.NewReader(short), int64(len(short))); !errors.Is(err, ErrInvalid) {
		t.Errorf("Open() truncated error = %v, want ErrInvalid", err)
	}
}

func TestChecksumShortRead(t *testing.T) {
	if _, err := Checksum(bytes.NewReader([]byte{1, 2, 3}), 0, 10); err == nil {
		t.Error("Checksum() past end succeeded, want error")
	}
}
