package ota

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/backend"
	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/metrics"
	"github.com/bigbag/papyrix-ota/internal/partition"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

// Result summarizes a finished session.
type Result struct {
	ID       uuid.UUID
	State    State
	Target   string
	Version  uint32
	Size     uint32
	Received uint32
	// Resumed is the offset the transfer restarted from.
	Resumed uint32
}

// Session is one upgrade attempt. Run drives it from a single goroutine;
// storage jobs run on a worker and complete before the next event that
// depends on them is acted upon.
type Session struct {
	id      uuid.UUID
	eng     *Engine
	cfg     Config
	allowed map[uint8]bool
	fsm     *fsm.FSM

	mu       sync.Mutex
	backend  backend.Backend
	detached chan struct{}
	running  bool

	events  chan protocol.Event
	stopped chan struct{}

	// Owned by the Run loop, and by the worker while busy.
	ctx      context.Context
	b        backend.Backend
	jobs     chan<- func() error
	busy     bool
	onDone   func(error)
	abort    error
	err      error
	backlog  []protocol.Event
	desc     *image.Descriptor
	target   partition.Partition
	dev      storage.Device
	resume   uint32
	unit     uint32
	features uint8
	received uint32
	resumed  uint32
	erasedTo int64
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.fsm.Current()) }

func (s *Session) short() string { return s.id.String()[:8] }

func (s *Session) enterState(next, prev State) {
	klog.Infof("ota[%s]: %s -> %s", s.short(), prev, next)
	if next.Terminal() {
		s.metrics().Session(string(next))
	}
	if s.cfg.Notify != nil {
		s.cfg.Notify(next, prev)
	}
}

func (s *Session) metrics() *metrics.Metrics { return s.eng.metrics }

// AttachBackend binds b to the session. Only one backend may be attached
// engine wide.
func (s *Session) AttachBackend(b backend.Backend) error {
	if s.State().Terminal() {
		return ErrTerminal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return fmt.Errorf("%w: session already has %s", ErrBusy, s.backend.Type())
	}
	if err := s.eng.acquire(s); err != nil {
		return err
	}
	s.backend = b
	s.detached = make(chan struct{})
	klog.Infof("ota[%s]: attached %s", s.short(), b.Type())
	return nil
}

// DetachBackend closes and releases the attached backend. Bytes already
// written stay in place. A running session fails.
func (s *Session) DetachBackend() {
	s.mu.Lock()
	b, ch := s.backend, s.detached
	s.backend, s.detached = nil, nil
	s.mu.Unlock()
	if b == nil {
		return
	}
	close(ch)
	if err := b.Close(); err != nil {
		klog.Warningf("ota[%s]: closing %s: %v", s.short(), b.Type(), err)
	}
	s.eng.release(s)
	klog.Infof("ota[%s]: detached %s", s.short(), b.Type())
}

// Run drives the session until it is done or failed.
func (s *Session) Run(ctx context.Context) (Result, error) {
	s.mu.Lock()
	b, detached := s.backend, s.detached
	switch {
	case s.State().Terminal():
		s.mu.Unlock()
		return s.result(), ErrTerminal
	case s.running:
		s.mu.Unlock()
		return s.result(), errors.New("session already running")
	case b == nil:
		s.mu.Unlock()
		return s.result(), ErrNoBackend
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx, s.b = ctx, b

	jobs := make(chan func() error)
	results := make(chan error, 1)
	go func() {
		for job := range jobs {
			results <- job()
		}
	}()
	defer close(jobs)
	s.jobs = jobs

	sink := func(e protocol.Event) {
		select {
		case s.events <- e:
		case <-detached:
		case <-s.stopped:
		}
	}
	if err := b.Open(ctx, sink); err != nil {
		s.fail(fmt.Errorf("open %s: %w", b.Type(), err))
		return s.result(), s.err
	}

	done := ctx.Done()
	for !s.State().Terminal() || s.busy {
		select {
		case <-done:
			done = nil
			s.stop(fmt.Errorf("%w: %v", protocol.ErrCancelled, ctx.Err()))
		case <-detached:
			detached = nil
			s.stop(ErrDetached)
		case e := <-s.events:
			s.handle(e)
		case err := <-results:
			fn := s.onDone
			s.busy, s.onDone = false, nil
			fn(err)
		}
		s.drain()
	}
	return s.result(), s.err
}

func (s *Session) result() Result {
	r := Result{ID: s.id, State: s.State(), Received: s.received, Resumed: s.resumed}
	if s.desc != nil {
		r.Target, r.Version, r.Size = s.target.Name, s.desc.Version, s.desc.Size
	}
	return r
}

func (s *Session) submit(job func() error, onDone func(error)) {
	s.busy, s.onDone = true, onDone
	s.jobs <- job
}

// stop ends the session at the next unit boundary.
func (s *Session) stop(err error) {
	if s.State().Terminal() {
		return
	}
	s.backlog = nil
	if s.busy {
		if s.abort == nil {
			s.abort = err
		}
		return
	}
	s.fail(err)
}

func (s *Session) drain() {
	if s.busy || s.State().Terminal() {
		return
	}
	if s.abort != nil {
		err := s.abort
		s.abort = nil
		s.fail(err)
		return
	}
	for !s.busy && len(s.backlog) > 0 && !s.State().Terminal() {
		e := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.dispatch(e)
	}
}

// handle acts on cancellation at once. Everything else waits for the job
// in flight.
func (s *Session) handle(e protocol.Event) {
	switch ev := e.(type) {
	case protocol.Cancelled:
		klog.Infof("ota[%s]: cancelled: %v", s.short(), ev.Err)
		s.stop(ev.Err)
	case protocol.LinkFailed:
		klog.Warningf("ota[%s]: link failed: %v", s.short(), ev.Err)
		s.stop(ev.Err)
	default:
		if s.busy {
			s.backlog = append(s.backlog, e)
			return
		}
		s.dispatch(e)
	}
}

func (s *Session) dispatch(e protocol.Event) {
	switch ev := e.(type) {
	case protocol.UpgradeRequested:
		s.request(ev.Request)
	case protocol.Negotiated:
		s.negotiated(ev)
	case protocol.UnitReceived:
		if s.State() != StateRunning {
			klog.V(1).Infof("ota[%s]: dropping unit %d in %s", s.short(), ev.Unit.PSN, s.State())
			return
		}
		s.unitReceived(ev.Unit)
	}
}

func (s *Session) ioctl(req backend.Request) error {
	return s.b.Ioctl(context.WithoutCancel(s.ctx), req)
}

func (s *Session) fail(err error) {
	if s.State().Terminal() {
		return
	}
	s.err = err
	s.backlog = nil
	klog.Errorf("ota[%s]: upgrade failed: %v", s.short(), err)
	if ferr := s.fsm.Event("fail"); ferr != nil {
		klog.Errorf("ota[%s]: %v", s.short(), ferr)
	}
	if rerr := s.ioctl(backend.ReportStatus{State: protocol.StatusFailed, Result: CodeOf(err)}); rerr != nil {
		klog.V(1).Infof("ota[%s]: failure not reported: %v", s.short(), rerr)
	}
}

func (s *Session) request(req protocol.RequestUpgrade) {
	if s.State() != StateInit || s.desc != nil {
		klog.V(1).Infof("ota[%s]: ignoring repeated upgrade request", s.short())
		return
	}
	desc := req.Image
	target, dev, err := s.prepare(&desc)
	if err != nil {
		if aerr := s.ioctl(backend.Accept{Result: CodeOf(err)}); aerr != nil {
			klog.V(1).Infof("ota[%s]: refusal not reported: %v", s.short(), aerr)
		}
		s.fail(fmt.Errorf("refusing upgrade: %w", err))
		return
	}
	s.desc, s.target, s.dev = &desc, target, dev

	pr := s.eng.parts.State().Progress
	if pr.Active() && pr.TargetFileID == target.FileID && pr.TargetMirror == target.Mirror &&
		pr.Size == desc.Size && pr.HeadCRC == desc.HeadCRC {
		s.resume = pr.Received
	}
	klog.Infof("ota[%s]: image version %d, %d bytes, crc 0x%08X -> %s (resume at %d)",
		s.short(), desc.Version, desc.Size, desc.HeadCRC, target, s.resume)

	staging := target.Type == partition.TypeTemp
	s.submit(func() error {
		if s.resume == 0 {
			if err := s.eng.parts.ClearProgress(); err != nil {
				return err
			}
		}
		if staging {
			return s.eng.parts.ClearPending()
		}
		return nil
	}, func(err error) {
		if err != nil {
			if aerr := s.ioctl(backend.Accept{Result: CodeOf(err)}); aerr != nil {
				klog.V(1).Infof("ota[%s]: refusal not reported: %v", s.short(), aerr)
			}
			s.fail(err)
			return
		}
		if err := s.ioctl(backend.Accept{Result: protocol.CodeSuccess}); err != nil {
			s.fail(err)
		}
	})
}

// prepare checks the request and picks the target.
func (s *Session) prepare(desc *image.Descriptor) (partition.Partition, storage.Device, error) {
	if err := desc.Validate(); err != nil {
		return partition.Partition{}, nil, &ValidationError{Check: "descriptor", Err: err}
	}
	parts := s.eng.parts
	st := parts.State()
	if !s.cfg.NoVersionControl && desc.Version <= st.Version {
		return partition.Partition{}, nil, fmt.Errorf("%w: image %d, running %d", errVersion, desc.Version, st.Version)
	}
	target, err := s.selectTarget(desc.TargetFileID)
	if err != nil {
		return partition.Partition{}, nil, err
	}
	if booting, ok := parts.Booting(); ok && booting.Name == target.Name {
		return partition.Partition{}, nil, fmt.Errorf("%w: %s is booting", errTarget, target.Name)
	}
	if s.allowed != nil && !s.allowed[target.StorageID] {
		return partition.Partition{}, nil, fmt.Errorf("%w: %s is on storage %d outside this session", errTarget, target.Name, target.StorageID)
	}
	dev, err := parts.Device(target)
	if err != nil {
		return partition.Partition{}, nil, fmt.Errorf("%w: %v", errTarget, err)
	}
	seg := dev.EraseSegment()
	if int64(target.Offset)%int64(seg) != 0 || int64(target.Size)%int64(seg) != 0 {
		return partition.Partition{}, nil, fmt.Errorf("%w: %s is not aligned to the %d byte erase segment", errTarget, target.Name, seg)
	}
	need := int64(desc.Size)
	if target.Type == partition.TypeTemp {
		need = storage.AlignUp(need, seg) + int64(len(image.Header(desc)))
	}
	if need > int64(target.Size) {
		return partition.Partition{}, nil, fmt.Errorf("%w: %d bytes into %s of %d", errNoSpace, need, target.Name, target.Size)
	}
	return target, dev, nil
}

func (s *Session) selectTarget(fileID uint8) (partition.Partition, error) {
	parts := s.eng.parts
	if _, ok := parts.Current(fileID); !ok {
		return partition.Partition{}, fmt.Errorf("%w: unknown file %d", errTarget, fileID)
	}
	switch {
	case s.cfg.UseRecoveryApp:
		if p, ok := parts.Mirror(fileID); ok {
			return p, nil
		}
		p, _ := parts.Current(fileID)
		if p.Type == partition.TypeTemp {
			return partition.Partition{}, fmt.Errorf("%w: file %d is the temp partition", errTarget, fileID)
		}
		return p, nil
	case s.cfg.UseRecovery || !parts.Table().Mirrored(fileID):
		if p, ok := parts.Temp(); ok {
			return p, nil
		}
		return partition.Partition{}, fmt.Errorf("%w: file %d has no mirror and there is no temp partition", errTarget, fileID)
	}
	if p, ok := parts.Mirror(fileID); ok {
		return p, nil
	}
	return partition.Partition{}, fmt.Errorf("%w: file %d has no inactive mirror", errTarget, fileID)
}

func (s *Session) progress() partition.Progress {
	return partition.Progress{
		TargetFileID: s.target.FileID,
		TargetMirror: s.target.Mirror,
		Size:         s.desc.Size,
		HeadCRC:      s.desc.HeadCRC,
		Received:     s.received,
		UnitSize:     s.unit,
	}
}

func (s *Session) negotiated(ev protocol.Negotiated) {
	if s.State() != StateInit || s.desc == nil {
		klog.V(1).Infof("ota[%s]: ignoring negotiation in %s", s.short(), s.State())
		return
	}
	if ev.Params.UnitSize == 0 {
		s.fail(&protocol.NegotiationError{Param: "unit_size", Reason: "must be positive"})
		return
	}
	s.unit, s.features = uint32(ev.Params.UnitSize), ev.Features

	var off uint32
	if s.resume > 0 {
		off = s.resume
		if off > s.desc.Size {
			off = 0
		}
		off = off / s.unit * s.unit
	}
	s.received, s.resumed = off, off
	if err := s.fsm.Event("start"); err != nil {
		s.fail(err)
		return
	}

	seg := s.dev.EraseSegment()
	s.erasedTo = storage.AlignUp(int64(off), seg)
	wipe := off == 0 && (s.cfg.EraseBeforeWrite || (s.target.Type == partition.TypeTemp && !s.cfg.KeepTempPart))
	s.submit(func() error {
		if wipe {
			if err := s.eraseRange(0, int64(s.target.Size)); err != nil {
				return err
			}
			s.erasedTo = int64(s.target.Size)
		}
		return s.eng.parts.SaveProgress(s.progress())
	}, func(err error) {
		if err != nil {
			s.fail(err)
			return
		}
		if s.received >= s.desc.Size {
			s.finish()
			return
		}
		if err := s.ioctl(backend.RequireData{Offset: off, Length: s.desc.Size - off}); err != nil {
			s.fail(err)
		}
	})
}

// eraseRange erases [from, to) of the target, skipping clean segments.
func (s *Session) eraseRange(from, to int64) error {
	seg := int64(s.dev.EraseSegment())
	for o := from; o < to; o += seg {
		n := seg
		if o+n > to {
			n = to - o
		}
		abs := int64(s.target.Offset) + o
		clean, err := s.dev.IsClean(abs, n)
		if err != nil {
			return err
		}
		if clean {
			continue
		}
		start := time.Now()
		if err := s.dev.Erase(abs, n); err != nil {
			return err
		}
		s.metrics().Observe("erase", start)
	}
	return nil
}

func (s *Session) reject(u protocol.ImageData, reason string) {
	err := &protocol.TransferError{PSN: u.PSN, Reason: reason}
	klog.Warningf("ota[%s]: %v", s.short(), err)
	s.metrics().Unit(metrics.UnitRejected)
	if aerr := s.ioctl(backend.Ack{PSN: u.PSN, Received: s.received, Committed: false}); aerr != nil {
		s.fail(aerr)
	}
}

func (s *Session) unitReceived(u protocol.ImageData) {
	if u.HasCRC || s.features&protocol.FeatureUnitCRC != 0 {
		if !u.HasCRC {
			s.reject(u, "missing unit crc")
			return
		}
		if got := crc32.ChecksumIEEE(u.Data); got != u.CRC {
			s.reject(u, fmt.Sprintf("crc 0x%08X, want 0x%08X", got, u.CRC))
			return
		}
	}

	off := uint64(u.PSN) * uint64(s.unit)
	n := uint64(len(u.Data))
	received := uint64(s.received)
	size := uint64(s.desc.Size)
	switch {
	case off < received && off+n <= received:
		klog.V(2).Infof("ota[%s]: unit %d already committed", s.short(), u.PSN)
		s.metrics().Unit(metrics.UnitReplayed)
		if err := s.ioctl(backend.Ack{PSN: u.PSN, Received: s.received, Committed: true}); err != nil {
			s.fail(err)
		}
		return
	case off != received:
		s.reject(u, fmt.Sprintf("offset %d, expected %d", off, received))
		return
	case n == 0 || n > uint64(s.unit):
		s.reject(u, fmt.Sprintf("%d bytes in a %d byte unit", n, s.unit))
		return
	case off+n > size:
		s.reject(u, fmt.Sprintf("overruns image size %d", size))
		return
	case n < uint64(s.unit) && off+n != size:
		s.reject(u, fmt.Sprintf("short unit of %d bytes before the end", n))
		return
	}

	psn, data := u.PSN, u.Data
	end := int64(off + n)
	abs := int64(s.target.Offset) + int64(off)
	seg := s.dev.EraseSegment()
	s.submit(func() error {
		if end > s.erasedTo {
			to := storage.AlignUp(end, seg)
			if err := s.eraseRange(s.erasedTo, to); err != nil {
				return err
			}
			s.erasedTo = to
		}
		start := time.Now()
		if err := s.dev.Write(abs, data); err != nil {
			return err
		}
		if err := s.dev.Sync(); err != nil {
			return err
		}
		s.metrics().Observe("write", start)
		pr := s.progress()
		pr.Received = uint32(end)
		return s.eng.parts.SaveProgress(pr)
	}, func(err error) {
		if err != nil {
			s.fail(fmt.Errorf("unit %d: %w", psn, err))
			return
		}
		prev := s.received
		s.received = uint32(end)
		s.metrics().Unit(metrics.UnitAccepted)
		s.metrics().Written(len(data))
		klog.V(2).Infof("ota[%s]: unit %d committed, %d/%d", s.short(), psn, s.received, s.desc.Size)
		if err := s.ioctl(backend.Ack{PSN: psn, Received: s.received, Committed: true}); err != nil {
			s.fail(err)
			return
		}
		if s.cfg.OnProgress != nil {
			s.cfg.OnProgress(s.received, s.desc.Size)
		}
		for _, f := range s.desc.Crossed(prev, s.received) {
			klog.Infof("ota[%s]: sub-file %s written", s.short(), f.Name)
			if s.cfg.OnFile != nil {
				s.cfg.OnFile(f)
			}
		}
		if s.received == s.desc.Size {
			s.finish()
		}
	})
}

// finish validates and activates the target. A stop parked while the last
// unit was written ends the session instead.
func (s *Session) finish() {
	if s.abort != nil {
		return
	}
	s.submit(func() error {
		if err := s.validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				if cerr := s.eng.parts.ClearProgress(); cerr != nil {
					klog.Warningf("ota[%s]: %v", s.short(), cerr)
				}
			}
			return err
		}
		return s.commit()
	}, func(err error) {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			if rerr := s.ioctl(backend.ReportValidation{Result: protocol.CodeValidation}); rerr != nil {
				klog.V(1).Infof("ota[%s]: validation failure not reported: %v", s.short(), rerr)
			}
			s.fail(err)
			return
		case err != nil:
			s.fail(err)
			return
		}
		if err := s.ioctl(backend.ReportValidation{Result: protocol.CodeSuccess}); err != nil {
			klog.V(1).Infof("ota[%s]: validation not reported: %v", s.short(), err)
		}
		if err := s.fsm.Event("complete"); err != nil {
			klog.Errorf("ota[%s]: %v", s.short(), err)
		}
		if err := s.ioctl(backend.ReportStatus{State: protocol.StatusDone, Result: protocol.CodeSuccess}); err != nil {
			klog.V(1).Infof("ota[%s]: completion not reported: %v", s.short(), err)
		}
	})
}

// validate rereads the target and applies the partition checks.
func (s *Session) validate() error {
	payload := io.NewSectionReader(s.dev, int64(s.target.Offset), int64(s.desc.Size))
	start := time.Now()
	sum, err := image.Checksum(payload, 0, int64(s.desc.Size))
	if err != nil {
		return err
	}
	s.metrics().Observe("verify", start)
	if sum != s.desc.HeadCRC {
		return &ValidationError{Check: "head crc", Err: fmt.Errorf("got 0x%08X, want 0x%08X", sum, s.desc.HeadCRC)}
	}
	if s.target.CRC {
		for _, f := range s.desc.Files {
			got, err := image.Checksum(payload, int64(f.Offset), int64(f.Size))
			if err != nil {
				return err
			}
			if got != f.CRC {
				return &ValidationError{Check: "sub-file " + f.Name, Err: fmt.Errorf("got 0x%08X, want 0x%08X", got, f.CRC)}
			}
		}
	}
	if s.target.Encrypted && !s.desc.Encrypted() {
		return &ValidationError{Check: "encryption", Err: errors.New("partition requires an encrypted image")}
	}
	if s.target.BootCheck {
		if s.eng.verifier == nil {
			return &ValidationError{Check: "signature", Err: errors.New("no verifier configured")}
		}
		ok, err := s.eng.verifier.Verify(context.WithoutCancel(s.ctx), s.desc, payload)
		switch {
		case err != nil:
			return &ValidationError{Check: "signature", Err: err}
		case !ok:
			return &ValidationError{Check: "signature"}
		}
	}
	return nil
}

// commit flips the boot indicator for a mirror, records an in place
// install, or stages the image for the recovery installer when the target
// is the temp partition.
func (s *Session) commit() error {
	switch {
	case s.target.Type != partition.TypeTemp && s.target.Mirror != partition.MirrorNone:
		return s.eng.parts.Activate(s.target, s.desc.Version)
	case s.target.Type != partition.TypeTemp:
		return s.eng.parts.Install(s.target, s.desc.Version)
	}
	hdr := image.Header(s.desc)
	seg := s.dev.EraseSegment()
	off := storage.AlignUp(int64(s.desc.Size), seg)
	if err := s.eraseRange(off, storage.AlignUp(off+int64(len(hdr)), seg)); err != nil {
		return err
	}
	if err := s.dev.Write(int64(s.target.Offset)+off, hdr); err != nil {
		return err
	}
	if err := s.dev.Sync(); err != nil {
		return err
	}
	return s.eng.parts.SetPending(s.desc.TargetFileID, s.desc.Size)
}
