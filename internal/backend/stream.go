package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/slip"
	"github.com/bigbag/papyrix-ota/internal/tlv"
)

// DefaultTick is how often the stream checks its timeouts.
const DefaultTick = 200 * time.Millisecond

// Stream runs the device side protocol over a SLIP framed byte stream
// such as a serial port or a TCP connection.
type Stream struct {
	name string
	rw   io.ReadWriteCloser
	tick time.Duration
	now  func() time.Time

	mu     sync.Mutex
	neg    *protocol.Negotiator
	w      *slip.Writer
	opened bool
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithTick sets the timeout check period.
func WithTick(d time.Duration) StreamOption {
	return func(s *Stream) { s.tick = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StreamOption {
	return func(s *Stream) { s.now = now }
}

// NewStream wraps rw. name identifies the link in logs.
func NewStream(name string, rw io.ReadWriteCloser, limits protocol.Limits, opts ...StreamOption) *Stream {
	s := &Stream{
		name: name,
		rw:   rw,
		tick: DefaultTick,
		now:  time.Now,
		neg:  protocol.NewNegotiator(limits),
		w:    slip.NewWriter(rw),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Type implements Backend.
func (s *Stream) Type() string {
	return "stream:" + s.name
}

// Open starts the receive loop.
func (s *Stream) Open(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.opened:
		return ErrOpen
	}
	s.opened = true

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(frames, readErr)
	go s.loop(ctx, sink, frames, readErr)
	return nil
}

func (s *Stream) readLoop(frames chan<- []byte, readErr chan<- error) {
	r := slip.NewReader(s.rw, tlv.HeaderSize+tlv.MaxLen)
	for {
		frame, err := r.ReadFrame()
		switch {
		case errors.Is(err, slip.ErrFrameTooLarge), errors.Is(err, slip.ErrBadEscape):
			// A nil frame marks a framing error; the next frame resyncs.
			klog.V(1).Infof("%s: %v", s.name, err)
			frame = nil
		case err != nil:
			readErr <- err
			return
		}
		select {
		case frames <- frame:
		case <-s.stop:
			return
		}
	}
}

func (s *Stream) loop(ctx context.Context, sink Sink, frames <-chan []byte, readErr <-chan error) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		var o protocol.Outcome
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case err := <-readErr:
			if s.isClosed() {
				return
			}
			klog.Warningf("%s: link lost: %v", s.name, err)
			sink(protocol.LinkFailed{Err: fmt.Errorf("%s: read: %w", s.name, err)})
			return
		case frame := <-frames:
			s.mu.Lock()
			if frame == nil {
				o = s.neg.Reject(errors.New("undecodable frame"))
			} else {
				o = s.neg.HandleFrame(frame, s.now())
			}
			s.mu.Unlock()
		case <-ticker.C:
			s.mu.Lock()
			o = s.neg.Tick(s.now())
			s.mu.Unlock()
		}

		if o.Err != nil {
			klog.V(1).Infof("%s: %v", s.name, o.Err)
		}
		if err := s.send(o.Replies); err != nil {
			sink(protocol.LinkFailed{Err: err})
			return
		}
		for _, e := range o.Events {
			sink(e)
		}
	}
}

// Ioctl implements Backend.
func (s *Stream) Ioctl(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var o protocol.Outcome
	switch r := req.(type) {
	case Accept:
		o = s.neg.Accept(r.Result, s.now())
	case RequireData:
		o = s.neg.Start(r.Offset, r.Length, s.now())
	case Ack:
		o = s.neg.Ack(r.PSN, r.Received, r.Committed)
	case ReportValidation:
		o.Replies = []protocol.Command{protocol.ValidateImage{Result: r.Result}}
	case ReportStatus:
		o = s.neg.Finish(nil, r.State, r.Result)
	default:
		o.Err = fmt.Errorf("unsupported request %T", req)
	}
	s.mu.Unlock()

	if o.Err != nil {
		return o.Err
	}
	return s.send(o.Replies)
}

func (s *Stream) send(replies []protocol.Command) error {
	for _, c := range replies {
		frame, err := protocol.Encode(c)
		if err != nil {
			return err
		}
		if err := s.w.WriteFrame(frame); err != nil {
			return fmt.Errorf("%s: write 0x%02X: %w", s.name, c.Code(), err)
		}
	}
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the loops and closes the link.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		opened := s.opened
		s.mu.Unlock()

		close(s.stop)
		err = s.rw.Close()
		if opened {
			<-s.done
		}
	})
	return err
}
