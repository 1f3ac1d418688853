package backend

import (
	"context"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// Local replays an image already on the device, such as a container file
// on an SD card or an image staged in the temp partition. It produces the
// same event sequence a host would, with one unit in flight.
type Local struct {
	name    string
	desc    image.Descriptor
	payload io.ReaderAt
	unit    uint32

	mu      sync.Mutex
	opened  bool
	closed  bool
	pending []protocol.Event
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	// Final verdict reported by the orchestrator.
	validation *protocol.Code
	status     *ReportStatus
}

// NewLocal serves desc with its payload read from payload, in units of
// unitSize bytes.
func NewLocal(name string, desc *image.Descriptor, payload io.ReaderAt, unitSize uint16) (*Local, error) {
	if unitSize == 0 || unitSize > protocol.MaxUnitSize {
		return nil, fmt.Errorf("unit size %d outside [1, %d]", unitSize, protocol.MaxUnitSize)
	}
	return &Local{
		name:    name,
		desc:    *desc,
		payload: payload,
		unit:    uint32(unitSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// NewLocalContainer serves an opened container.
func NewLocalContainer(name string, c *image.Container, unitSize uint16) (*Local, error) {
	return NewLocal(name, c.Descriptor, c.Payload, unitSize)
}

// Type implements Backend.
func (l *Local) Type() string {
	return "local:" + l.name
}

// Open posts the upgrade request.
func (l *Local) Open(ctx context.Context, sink Sink) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.opened:
		l.mu.Unlock()
		return ErrOpen
	}
	l.opened = true
	l.mu.Unlock()

	go l.deliver(ctx, sink)
	l.post(protocol.UpgradeRequested{Request: protocol.RequestUpgrade{
		Image:    l.desc,
		Features: protocol.FeatureUnitAck,
	}})
	return nil
}

func (l *Local) deliver(ctx context.Context, sink Sink) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-l.wake:
		}
		l.mu.Lock()
		events := l.pending
		l.pending = nil
		l.mu.Unlock()
		for _, e := range events {
			sink(e)
		}
	}
}

func (l *Local) post(e protocol.Event) {
	l.mu.Lock()
	l.pending = append(l.pending, e)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Ioctl implements Backend.
func (l *Local) Ioctl(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	switch r := req.(type) {
	case Accept:
		if !r.Result.OK() {
			klog.Infof("%s: upgrade refused: %s", l.Type(), r.Result)
			return nil
		}
		l.post(protocol.Negotiated{
			Params:   protocol.Params{UnitSize: uint16(l.unit)},
			Features: protocol.FeatureUnitAck,
		})
	case RequireData:
		return l.sendUnit(r.Offset / l.unit)
	case Ack:
		next := r.PSN
		if r.Committed {
			next++
		}
		if next*l.unit >= l.desc.Size {
			return nil
		}
		return l.sendUnit(next)
	case ReportValidation:
		l.mu.Lock()
		code := r.Result
		l.validation = &code
		l.mu.Unlock()
	case ReportStatus:
		l.mu.Lock()
		st := r
		l.status = &st
		l.mu.Unlock()
	default:
		return fmt.Errorf("unsupported request %T", req)
	}
	return nil
}

func (l *Local) sendUnit(psn uint32) error {
	off := psn * l.unit
	if off >= l.desc.Size {
		return fmt.Errorf("%s: unit %d starts past image end", l.Type(), psn)
	}
	n := l.unit
	if rest := l.desc.Size - off; rest < n {
		n = rest
	}
	data := make([]byte, n)
	if got, err := l.payload.ReadAt(data, int64(off)); err != nil && !(err == io.EOF && got == len(data)) {
		return fmt.Errorf("%s: read unit %d: %w", l.Type(), psn, err)
	}
	l.post(protocol.UnitReceived{Unit: protocol.ImageData{PSN: psn, Data: data}})
	return nil
}

// Result returns the last validation verdict and status the orchestrator
// reported, if any.
func (l *Local) Result() (validation *protocol.Code, status *ReportStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validation, l.status
}

// Close stops delivery. The payload source is left open.
func (l *Local) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		opened := l.opened
		l.mu.Unlock()
		close(l.stop)
		if opened {
			<-l.done
		}
	})
	return nil
}
