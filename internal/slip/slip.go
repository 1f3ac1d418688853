// Package slip frames OTA commands on byte-stream links (UART, TCP)
// using SLIP (RFC 1055) delimiters.
package slip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrFrameTooLarge is returned when a frame exceeds the reader limit. The
// rest of the oversized frame is discarded.
var ErrFrameTooLarge = errors.New("slip: frame too large")

// ErrBadEscape is returned for an escape byte followed by anything other
// than EscEnd or EscEsc.
var ErrBadEscape = errors.New("slip: bad escape sequence")

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Reader extracts frames from a byte stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader returns a Reader that rejects frames longer than max bytes
// after unescaping.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{br: bufio.NewReader(r), max: max}
}

// ReadFrame returns the next non-empty frame. Empty frames between
// back-to-back END bytes are skipped. The returned slice is freshly
// allocated.
func (r *Reader) ReadFrame() ([]byte, error) {
	var frame []byte
	var bad error
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(frame) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		switch b {
		case End:
			if bad != nil {
				return nil, bad
			}
			if len(frame) == 0 {
				continue
			}
			return frame, nil
		case Esc:
			next, err := r.br.ReadByte()
			if err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			switch next {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			case End:
				// Truncated escape right before the delimiter.
				return nil, ErrBadEscape
			default:
				if bad == nil {
					bad = fmt.Errorf("%w: 0x%02X", ErrBadEscape, next)
				}
				continue
			}
		}

		if bad != nil {
			continue
		}
		if len(frame) >= r.max {
			bad = fmt.Errorf("%w: limit %d", ErrFrameTooLarge, r.max)
			frame = nil
			continue
		}
		frame = append(frame, b)
	}
}

// Writer writes whole frames. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes and writes data as one frame.
func (w *Writer) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(Encode(data))
	return err
}
