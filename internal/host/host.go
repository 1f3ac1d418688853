// Package host drives an upgrade from the sending side: it requests the
// upgrade, negotiates parameters and streams the image to a device.
package host

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/slip"
	"github.com/bigbag/papyrix-ota/internal/tlv"
)

const (
	DefaultReplyTimeout  = 5 * time.Second
	DefaultCommitTimeout = 60 * time.Second
	DefaultRetries       = 5
)

// ErrNoReply is returned when the device stays silent past the timeout.
var ErrNoReply = errors.New("no reply from device")

// DefaultParams returns the parameters proposed when none are given.
func DefaultParams() protocol.Params {
	return protocol.Params{WaitTimeout: 30, RestartTimeout: 10, UnitSize: 1024}
}

// DeviceError is a failure reported by the device.
type DeviceError struct {
	Stage  string
	Result protocol.Code
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device failed %s: %s", e.Stage, e.Result)
}

func (e *DeviceError) Code() protocol.Code { return e.Result }

// ProgressCallback is called as the device commits units.
type ProgressCallback func(committed, total uint32)

// Report describes a finished push.
type Report struct {
	Params   protocol.Params
	Features uint8
	// Offset is where the device asked the transfer to start.
	Offset      uint32
	Units       int
	Retransmits int
	Validation  protocol.Code
}

// Pusher sends images over one link.
type Pusher struct {
	rw            io.ReadWriteCloser
	w             *slip.Writer
	params        protocol.Params
	features      uint8
	replyTimeout  time.Duration
	commitTimeout time.Duration
	retries       int
	progress      ProgressCallback

	once      sync.Once
	closeOnce sync.Once
	frames    chan protocol.Command
	done      chan struct{}
	linkErr   error
	stash     []protocol.Command
}

// Option configures a Pusher.
type Option func(*Pusher)

// WithParams sets the proposed transfer parameters.
func WithParams(p protocol.Params) Option {
	return func(h *Pusher) { h.params = p }
}

// WithFeatures sets the feature bits offered to the device.
func WithFeatures(f uint8) Option {
	return func(h *Pusher) { h.features = f }
}

// WithTimeouts sets the per-reply timeout and the timeout for replies that
// follow erase or validation work on the device.
func WithTimeouts(reply, commit time.Duration) Option {
	return func(h *Pusher) { h.replyTimeout, h.commitTimeout = reply, commit }
}

// WithRetries bounds retransmissions of a single unit.
func WithRetries(n int) Option {
	return func(h *Pusher) { h.retries = n }
}

// New returns a Pusher over rw. Close closes rw.
func New(rw io.ReadWriteCloser, opts ...Option) *Pusher {
	p := &Pusher{
		rw:            rw,
		w:             slip.NewWriter(rw),
		params:        DefaultParams(),
		features:      protocol.DeviceFeatures,
		replyTimeout:  DefaultReplyTimeout,
		commitTimeout: DefaultCommitTimeout,
		retries:       DefaultRetries,
		frames:        make(chan protocol.Command, 16),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetProgressCallback sets the progress callback function.
func (p *Pusher) SetProgressCallback(cb ProgressCallback) {
	p.progress = cb
}

func (p *Pusher) reportProgress(committed, total uint32) {
	if p.progress != nil {
		p.progress(committed, total)
	}
}

// Close stops the reader and closes the link.
func (p *Pusher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.rw.Close()
	})
	return err
}

func (p *Pusher) start() {
	p.once.Do(func() { go p.readLoop() })
}

func (p *Pusher) readLoop() {
	defer close(p.frames)
	r := slip.NewReader(p.rw, tlv.HeaderSize+tlv.MaxLen)
	for {
		frame, err := r.ReadFrame()
		switch {
		case errors.Is(err, slip.ErrFrameTooLarge), errors.Is(err, slip.ErrBadEscape):
			klog.Warningf("host: %v", err)
			continue
		case err != nil:
			p.linkErr = fmt.Errorf("link: %w", err)
			return
		}
		cmd, err := protocol.Decode(frame)
		if err != nil {
			klog.Warningf("host: dropping frame: %v", err)
			continue
		}
		klog.V(2).Infof("host: <- %T %+v", cmd, cmd)
		select {
		case p.frames <- cmd:
		case <-p.done:
			return
		}
	}
}

func (p *Pusher) send(c protocol.Command) error {
	frame, err := protocol.Encode(c)
	if err != nil {
		return err
	}
	return p.w.WriteFrame(frame)
}

// await returns the first command accepted by match. A failed status from
// the device ends the wait with a DeviceError.
func (p *Pusher) await(ctx context.Context, timeout time.Duration, stage string, match func(protocol.Command) bool) (protocol.Command, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		cmd, err := p.next(ctx, timer.C, stage)
		if err != nil {
			return nil, err
		}
		if match(cmd) {
			return cmd, nil
		}
		if st, ok := cmd.(protocol.ReportStatus); ok {
			if st.State == protocol.StatusFailed {
				return nil, &DeviceError{Stage: stage, Result: st.Result}
			}
			if !st.Result.OK() {
				klog.Warningf("host: device reported %s during %s", st.Result, stage)
			}
			continue
		}
		klog.V(1).Infof("host: ignoring %T during %s", cmd, stage)
	}
}

// next returns a stashed command or waits for the next frame.
func (p *Pusher) next(ctx context.Context, timeout <-chan time.Time, stage string) (protocol.Command, error) {
	if len(p.stash) > 0 {
		cmd := p.stash[0]
		p.stash = p.stash[1:]
		return cmd, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%s: %w", stage, ErrNoReply)
	case cmd, ok := <-p.frames:
		if !ok {
			return nil, p.linkErr
		}
		return cmd, nil
	}
}

// Cancel asks the device to abandon the upgrade.
func (p *Pusher) Cancel() error {
	return p.send(protocol.CancelUpgrade{})
}

// Push upgrades the device with desc and its payload.
func (p *Pusher) Push(ctx context.Context, desc *image.Descriptor, payload io.ReaderAt) (*Report, error) {
	p.start()
	p.stash = nil
	rep := &Report{}
	if err := p.request(ctx, desc); err != nil {
		return rep, err
	}
	if err := p.negotiate(ctx, rep); err != nil {
		return rep, err
	}

	cmd, err := p.await(ctx, p.commitTimeout, "data request", func(c protocol.Command) bool {
		switch c.(type) {
		case protocol.RequireImageData, protocol.ValidateImage:
			return true
		}
		return false
	})
	if err != nil {
		return rep, err
	}
	var verdict *protocol.ValidateImage
	switch c := cmd.(type) {
	case protocol.RequireImageData:
		rep.Offset = c.Offset
		klog.Infof("host: device requests [%d, %d)", c.Offset, c.Offset+c.Length)
		verdict, err = p.stream(ctx, rep, desc, payload, c.Offset)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if cerr := p.Cancel(); cerr != nil {
					klog.Warningf("host: cancel: %v", cerr)
				}
			}
			return rep, err
		}
	case protocol.ValidateImage:
		// The device already holds the whole image.
		rep.Offset = desc.Size
		verdict = &c
	}
	return rep, p.complete(ctx, rep, verdict)
}

func (p *Pusher) request(ctx context.Context, desc *image.Descriptor) error {
	for attempt := 0; ; attempt++ {
		if err := p.send(protocol.RequestUpgrade{Image: *desc, Features: p.features}); err != nil {
			return err
		}
		cmd, err := p.await(ctx, p.replyTimeout, "upgrade request", isType[protocol.UpgradeReply])
		if errors.Is(err, ErrNoReply) && attempt < p.retries {
			continue
		}
		if err != nil {
			return err
		}
		if r := cmd.(protocol.UpgradeReply); !r.Result.OK() {
			return &DeviceError{Stage: "upgrade request", Result: r.Result}
		}
		return nil
	}
}

func (p *Pusher) negotiate(ctx context.Context, rep *Report) error {
	params := p.params
	for attempt := 0; ; attempt++ {
		if err := p.send(protocol.ConnectNegotiation{Params: params, Features: p.features}); err != nil {
			return err
		}
		cmd, err := p.await(ctx, p.replyTimeout, "negotiation", isType[protocol.ConnectNegotiation])
		if err != nil {
			return err
		}
		r := cmd.(protocol.ConnectNegotiation)
		if r.Result.OK() {
			rep.Params, rep.Features = r.Params, r.Features
			break
		}
		if r.Result != protocol.CodeNegotiation || attempt > 0 {
			return &DeviceError{Stage: "negotiation", Result: r.Result}
		}
		params = fit(params, r.Params)
		klog.Infof("host: device proposed %+v, retrying with %+v", r.Params, params)
	}
	klog.Infof("host: agreed unit %d, wait %ds, features 0x%02X", rep.Params.UnitSize, rep.Params.WaitTimeout, rep.Features)
	return p.send(protocol.NegotiationResult{Result: protocol.CodeSuccess})
}

// fit clamps the proposal to the device limits.
func fit(want, limit protocol.Params) protocol.Params {
	if want.UnitSize == 0 || want.UnitSize > limit.UnitSize {
		want.UnitSize = limit.UnitSize
	}
	if want.WaitTimeout == 0 || want.WaitTimeout > limit.WaitTimeout {
		want.WaitTimeout = limit.WaitTimeout
	}
	if want.RestartTimeout == 0 {
		want.RestartTimeout = limit.RestartTimeout
	}
	return want
}

// stream sends units from offset until the device has the whole image.
// Without unit acks the verdict may arrive here and is returned.
func (p *Pusher) stream(ctx context.Context, rep *Report, desc *image.Descriptor, payload io.ReaderAt, offset uint32) (*protocol.ValidateImage, error) {
	unit := uint32(rep.Params.UnitSize)
	size := desc.Size
	withCRC := rep.Features&protocol.FeatureUnitCRC != 0
	acked := rep.Features&protocol.FeatureUnitAck != 0
	interval := time.Duration(rep.Params.Interval) * time.Millisecond
	buf := make([]byte, unit)

	psn := offset / unit
	tries := 0
	for {
		for uint64(psn)*uint64(unit) < uint64(size) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end, err := p.sendUnit(payload, buf, psn, unit, size, withCRC)
			if err != nil {
				return nil, err
			}
			rep.Units++

			if !acked {
				psn++
				p.reportProgress(end, size)
				if err := pace(ctx, interval); err != nil {
					return nil, err
				}
				if c, ok := p.pendingCount(); ok && c.Received < end {
					psn = c.Received / unit
					rep.Retransmits++
				}
				continue
			}

			cmd, err := p.await(ctx, p.replyTimeout, fmt.Sprintf("unit %d", psn), isType[protocol.ReceivedDataCount])
			switch {
			case errors.Is(err, ErrNoReply) && tries < p.retries:
				tries++
				rep.Retransmits++
				continue
			case err != nil:
				return nil, err
			}
			c := cmd.(protocol.ReceivedDataCount)
			if c.LastPSN == psn && c.Received == end {
				psn++
				tries = 0
				p.reportProgress(end, size)
				if err := pace(ctx, interval); err != nil {
					return nil, err
				}
				continue
			}
			// Rejected, or a repeated ack: resume from what the device
			// has committed.
			tries++
			if tries > p.retries {
				return nil, fmt.Errorf("unit %d: no progress after %d retransmissions", psn, p.retries)
			}
			rep.Retransmits++
			psn = c.Received / unit
		}
		if acked {
			return nil, nil
		}

		cmd, err := p.await(ctx, p.commitTimeout, "validation", func(c protocol.Command) bool {
			switch c := c.(type) {
			case protocol.ValidateImage:
				return true
			case protocol.ReceivedDataCount:
				return c.Received < size
			}
			return false
		})
		if err != nil {
			return nil, err
		}
		switch c := cmd.(type) {
		case protocol.ValidateImage:
			return &c, nil
		case protocol.ReceivedDataCount:
			psn = c.Received / unit
			rep.Retransmits++
		}
	}
}

func (p *Pusher) sendUnit(payload io.ReaderAt, buf []byte, psn, unit, size uint32, withCRC bool) (uint32, error) {
	off := psn * unit
	n := unit
	if size-off < n {
		n = size - off
	}
	data := buf[:n]
	if _, err := payload.ReadAt(data, int64(off)); err != nil && !(errors.Is(err, io.EOF) && len(data) == int(n)) {
		return 0, fmt.Errorf("read unit %d: %w", psn, err)
	}
	u := protocol.ImageData{PSN: psn, Data: data}
	if withCRC {
		u.CRC, u.HasCRC = crc32.ChecksumIEEE(data), true
	}
	if err := p.send(u); err != nil {
		return 0, fmt.Errorf("send unit %d: %w", psn, err)
	}
	return off + n, nil
}

// pendingCount returns a queued received-data count without blocking.
// Other queued commands are stashed for the next wait.
func (p *Pusher) pendingCount() (protocol.ReceivedDataCount, bool) {
	for {
		select {
		case cmd, ok := <-p.frames:
			if !ok {
				return protocol.ReceivedDataCount{}, false
			}
			if c, ok := cmd.(protocol.ReceivedDataCount); ok {
				return c, true
			}
			p.stash = append(p.stash, cmd)
		default:
			return protocol.ReceivedDataCount{}, false
		}
	}
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// complete waits for the verdict and the final status.
func (p *Pusher) complete(ctx context.Context, rep *Report, verdict *protocol.ValidateImage) error {
	if verdict == nil {
		cmd, err := p.await(ctx, p.commitTimeout, "validation", isType[protocol.ValidateImage])
		if err != nil {
			return err
		}
		v := cmd.(protocol.ValidateImage)
		verdict = &v
	}
	rep.Validation = verdict.Result
	cmd, err := p.await(ctx, p.commitTimeout, "commit", func(c protocol.Command) bool {
		st, ok := c.(protocol.ReportStatus)
		return ok && (st.State == protocol.StatusDone || st.State == protocol.StatusFailed)
	})
	if err != nil {
		return err
	}
	st := cmd.(protocol.ReportStatus)
	switch {
	case !verdict.Result.OK():
		return &DeviceError{Stage: "validation", Result: verdict.Result}
	case st.State == protocol.StatusFailed:
		return &DeviceError{Stage: "commit", Result: st.Result}
	}
	klog.Infof("host: upgrade complete, %d units, %d retransmitted", rep.Units, rep.Retransmits)
	return nil
}

func isType[T protocol.Command](c protocol.Command) bool {
	_, ok := c.(T)
	return ok
}
