package slip

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}
}

func TestEncode_NoSpecialBytes(t *testing.T) {
	input := []byte{0x01, 0x02, 0x03, 0x04}
	result := Encode(input)
	expected := []byte{End, 0x01, 0x02, 0x03, 0x04, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeSpecialBytes(t *testing.T) {
	input := []byte{End, Esc, End, Esc}
	result := Encode(input)
	expected := []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, Esc, EscEsc, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestReader_RoundTrip(t *testing.T) {
	frames := [][]byte{
		{0x01},
		{End, Esc, 0x00, 0xFF},
		bytes.Repeat([]byte{0xC0}, 100),
	}
	var stream bytes.Buffer
	w := NewWriter(&stream)
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	r := NewReader(&stream, 1024)
	for i, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() %d error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadFrame() %d = %v, want %v", i, got, want)
		}
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestReader_SkipsEmptyFrames(t *testing.T) {
	stream := []byte{End, End, End, 0x05, End}
	got, err := NewReader(bytes.NewReader(stream), 16).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0x05}) {
		t.Errorf("ReadFrame() = %v, want [5]", got)
	}
}

func TestReader_LeadingGarbageIsAFrame(t *testing.T) {
	// Bytes before the first END form their own frame, which the
	// protocol layer rejects.
	stream := []byte{0xAA, 0xBB, End, 0x01, End}
	r := NewReader(bytes.NewReader(stream), 16)
	first, _ := r.ReadFrame()
	second, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, []byte{0xAA, 0xBB}) || !bytes.Equal(second, []byte{0x01}) {
		t.Errorf("frames = %v, %v", first, second)
	}
}

func TestReader_IncompleteFrame(t *testing.T) {
	stream := []byte{End, 0x01, 0x02}
	_, err := NewReader(bytes.NewReader(stream), 16).ReadFrame()
	if err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_TooLarge(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(bytes.Repeat([]byte{0x11}, 20))...)
	stream = append(stream, Encode([]byte{0x22})...)

	r := NewReader(bytes.NewReader(stream), 8)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame() error = %v, want ErrFrameTooLarge", err)
	}
	// The reader resynchronizes on the next frame.
	got, err := r.ReadFrame()
	if err != nil || !bytes.Equal(got, []byte{0x22}) {
		t.Errorf("ReadFrame() after oversize = %v, %v, want [34]", got, err)
	}
}

func TestReader_BadEscape(t *testing.T) {
	stream := []byte{End, 0x01, Esc, 0x42, 0x02, End, 0x03, End}
	r := NewReader(bytes.NewReader(stream), 16)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrBadEscape) {
		t.Fatalf("ReadFrame() error = %v, want ErrBadEscape", err)
	}
	got, err := r.ReadFrame()
	if err != nil || !bytes.Equal(got, []byte{0x03}) {
		t.Errorf("ReadFrame() after bad escape = %v, %v", got, err)
	}
}
