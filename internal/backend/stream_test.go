package backend

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/slip"
	"github.com/bigbag/papyrix-ota/internal/tlv"
)

type pipeLink struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeLink) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

// testHost is the far end of a pipe.
type testHost struct {
	t    *testing.T
	link pipeLink
	r    *slip.Reader
	w    *slip.Writer
}

func newPipe(t *testing.T) (pipeLink, *testHost) {
	t.Helper()
	toDev, fromHost := io.Pipe()
	toHost, fromDev := io.Pipe()
	dev := pipeLink{PipeReader: toDev, PipeWriter: fromDev}
	host := pipeLink{PipeReader: toHost, PipeWriter: fromHost}
	h := &testHost{t: t, link: host, r: slip.NewReader(host, tlv.HeaderSize+tlv.MaxLen), w: slip.NewWriter(host)}
	t.Cleanup(func() { host.Close() })
	return dev, h
}

func (h *testHost) send(c protocol.Command) {
	h.t.Helper()
	frame, err := protocol.Encode(c)
	if err != nil {
		h.t.Fatal(err)
	}
	h.sendRaw(frame)
}

func (h *testHost) sendRaw(frame []byte) {
	h.t.Helper()
	if err := h.w.WriteFrame(frame); err != nil {
		h.t.Fatalf("host write: %v", err)
	}
}

func (h *testHost) recv() protocol.Command {
	h.t.Helper()
	frame, err := h.r.ReadFrame()
	if err != nil {
		h.t.Fatalf("host read: %v", err)
	}
	c, err := protocol.Decode(frame)
	if err != nil {
		h.t.Fatalf("host decode: %v", err)
	}
	return c
}

type eventLog chan protocol.Event

func (l eventLog) sink(e protocol.Event) { l <- e }

func (l eventLog) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case e := <-l:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

// ioctl runs Ioctl concurrently with the host read that unblocks it.
func ioctl(t *testing.T, b Backend, req Request) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Ioctl(context.Background(), req) }()
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	if err := <-done; err != nil {
		t.Fatalf("Ioctl() error = %v", err)
	}
}

func negotiateStream(t *testing.T, s *Stream, h *testHost, events eventLog) {
	t.Helper()
	desc := image.Descriptor{Version: 2, Size: 1024, TargetFileID: 2}
	h.send(protocol.RequestUpgrade{Image: desc, Features: protocol.DeviceFeatures})
	req, ok := events.next(t).(protocol.UpgradeRequested)
	if !ok || req.Request.Image.Size != 1024 {
		t.Fatalf("event = %#v, want UpgradeRequested", req)
	}

	done := ioctl(t, s, Accept{Result: protocol.CodeSuccess})
	if r, ok := h.recv().(protocol.UpgradeReply); !ok || !r.Result.OK() {
		t.Fatalf("reply = %#v, want successful UpgradeReply", r)
	}
	wait(t, done)

	params := protocol.Params{WaitTimeout: 5, RestartTimeout: 10, UnitSize: 512}
	h.send(protocol.ConnectNegotiation{Params: params, Features: protocol.DeviceFeatures})
	if r, ok := h.recv().(protocol.ConnectNegotiation); !ok || !r.Result.OK() {
		t.Fatalf("reply = %#v, want agreed ConnectNegotiation", r)
	}
	h.send(protocol.NegotiationResult{Result: protocol.CodeSuccess})
	if neg, ok := events.next(t).(protocol.Negotiated); !ok || neg.Params != params {
		t.Fatalf("event = %#v, want Negotiated", neg)
	}
}

func TestStream_Session(t *testing.T) {
	dev, h := newPipe(t)
	s := NewStream("pipe", dev, protocol.DefaultLimits())
	events := make(eventLog, 8)
	if err := s.Open(context.Background(), events.sink); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	negotiateStream(t, s, h, events)

	done := ioctl(t, s, RequireData{Offset: 0, Length: 1024})
	if diff := cmp.Diff(protocol.RequireImageData{Offset: 0, Length: 1024}, h.recv()); diff != "" {
		t.Errorf("RequireImageData mismatch (-want +got):\n%s", diff)
	}
	wait(t, done)

	unit := protocol.ImageData{PSN: 0, Data: make([]byte, 512), CRC: 1, HasCRC: true}
	h.send(unit)
	got, ok := events.next(t).(protocol.UnitReceived)
	if !ok {
		t.Fatalf("event = %#v, want UnitReceived", got)
	}
	if diff := cmp.Diff(unit, got.Unit); diff != "" {
		t.Errorf("unit mismatch (-want +got):\n%s", diff)
	}

	done = ioctl(t, s, Ack{PSN: 0, Received: 512, Committed: true})
	if diff := cmp.Diff(protocol.ReceivedDataCount{Received: 512, LastPSN: 0}, h.recv()); diff != "" {
		t.Errorf("ack mismatch (-want +got):\n%s", diff)
	}
	wait(t, done)

	done = ioctl(t, s, ReportValidation{Result: protocol.CodeSuccess})
	if diff := cmp.Diff(protocol.ValidateImage{Result: protocol.CodeSuccess}, h.recv()); diff != "" {
		t.Errorf("validation mismatch (-want +got):\n%s", diff)
	}
	wait(t, done)

	done = ioctl(t, s, ReportStatus{State: protocol.StatusDone, Result: protocol.CodeSuccess})
	if diff := cmp.Diff(protocol.ReportStatus{State: protocol.StatusDone, Result: protocol.CodeSuccess}, h.recv()); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	wait(t, done)

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := s.Ioctl(context.Background(), Ack{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Ioctl() after Close error = %v, want ErrClosed", err)
	}
}

func TestStream_GarbageEscalates(t *testing.T) {
	dev, h := newPipe(t)
	s := NewStream("pipe", dev, protocol.DefaultLimits())
	defer s.Close()
	events := make(eventLog, 8)
	if err := s.Open(context.Background(), events.sink); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < protocol.DefaultLimits().MaxProtocolErrors; i++ {
		h.sendRaw([]byte{0x42, 0x00, 0x00})
		if r, ok := h.recv().(protocol.ReportStatus); !ok || r.Result != protocol.CodeProtocol {
			t.Fatalf("reply %d = %#v, want protocol error status", i, r)
		}
	}
	if _, ok := events.next(t).(protocol.LinkFailed); !ok {
		t.Error("no LinkFailed after repeated garbage")
	}
}

func TestStream_WaitTimeout(t *testing.T) {
	dev, h := newPipe(t)
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	s := NewStream("pipe", dev, protocol.DefaultLimits(), WithTick(5*time.Millisecond), WithClock(now))
	defer s.Close()
	events := make(eventLog, 8)
	if err := s.Open(context.Background(), events.sink); err != nil {
		t.Fatal(err)
	}
	negotiateStream(t, s, h, events)

	// Erasing before the data request does not count against the wait.
	clock.Add(int64(time.Minute))
	time.Sleep(20 * time.Millisecond)
	select {
	case e := <-events:
		t.Fatalf("event before RequireData = %#v", e)
	default:
	}
	done := ioctl(t, s, RequireData{Offset: 0, Length: 1024})
	if _, ok := h.recv().(protocol.RequireImageData); !ok {
		t.Fatal("no RequireImageData")
	}
	wait(t, done)

	clock.Add(int64(6 * time.Second))
	c, ok := events.next(t).(protocol.Cancelled)
	if !ok || !errors.Is(c.Err, protocol.ErrTimeout) {
		t.Errorf("event = %#v, want Cancelled(ErrTimeout)", c)
	}
}

func TestStream_LinkLoss(t *testing.T) {
	dev, h := newPipe(t)
	s := NewStream("pipe", dev, protocol.DefaultLimits())
	defer s.Close()
	events := make(eventLog, 8)
	if err := s.Open(context.Background(), events.sink); err != nil {
		t.Fatal(err)
	}
	h.link.Close()
	if _, ok := events.next(t).(protocol.LinkFailed); !ok {
		t.Error("no LinkFailed after host hung up")
	}
}

func TestStream_OpenTwice(t *testing.T) {
	dev, _ := newPipe(t)
	s := NewStream("pipe", dev, protocol.DefaultLimits())
	defer s.Close()
	sink := func(protocol.Event) {}
	if err := s.Open(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(context.Background(), sink); !errors.Is(err, ErrOpen) {
		t.Errorf("second Open() error = %v, want ErrOpen", err)
	}
	if s.Type() != "stream:pipe" {
		t.Errorf("Type() = %q", s.Type())
	}
}
