package ota

import (
	"bytes"
	"context"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigbag/papyrix-ota/internal/backend"
	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/metrics"
	"github.com/bigbag/papyrix-ota/internal/partition"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/storage"
	"github.com/bigbag/papyrix-ota/internal/verify"
)

const (
	sysA  = 0x10000
	sysB  = 0x30000
	temp  = 0x50000
	param = 0x70000
	res   = 0x72000
)

func testTable(t *testing.T) *partition.Table {
	t.Helper()
	table, err := partition.NewTable([]partition.Partition{
		{Name: "boot", Type: partition.TypeBoot, FileID: 1, Mirror: partition.MirrorNone, Offset: 0, Size: 0x10000},
		{Name: "sys_a", Type: partition.TypeSystem, FileID: 2, Mirror: partition.MirrorA, Offset: sysA, Size: 0x20000, CRC: true, BootCheck: true},
		{Name: "sys_b", Type: partition.TypeSystem, FileID: 2, Mirror: partition.MirrorB, Offset: sysB, Size: 0x20000, CRC: true, BootCheck: true},
		{Name: "temp", Type: partition.TypeTemp, FileID: 0xFE, Mirror: partition.MirrorNone, Offset: temp, Size: 0x20000},
		{Name: "param", Type: partition.TypeParam, FileID: 0xF0, Mirror: partition.MirrorNone, Offset: param, Size: 0x2000},
		{Name: "res", Type: partition.TypeData, FileID: 3, Mirror: partition.MirrorNone, Offset: res, Size: 0xE000},
	})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	return table
}

// rig is a device: one NOR chip, the partition manager and an engine.
type rig struct {
	t        *testing.T
	flash    *storage.Flash
	table    *partition.Table
	parts    *partition.Manager
	eng      *Engine
	reg      *prometheus.Registry
	metrics  *metrics.Metrics
	verifier verify.Verifier
}

func newRig(t *testing.T) *rig {
	t.Helper()
	fl, err := storage.NewFlash(storage.NewMemory(0x80000), storage.Geometry{Name: "nor", Size: 0x80000, WriteSegment: 256, EraseSegment: 4096})
	if err != nil {
		t.Fatal(err)
	}
	r := &rig{t: t, flash: fl, table: testTable(t), verifier: verify.Nop{}}
	r.reboot()
	return r
}

// reboot rebuilds the manager and engine from what is on flash.
func (r *rig) reboot() {
	r.t.Helper()
	reg, err := storage.NewRegistry(r.flash)
	if err != nil {
		r.t.Fatal(err)
	}
	r.parts, err = partition.Open(r.table, reg, partition.State{CurrentFileID: 2, CurrentMirror: partition.MirrorA, Version: 1})
	if err != nil {
		r.t.Fatalf("partition.Open() error = %v", err)
	}
	r.reg = prometheus.NewRegistry()
	r.metrics = metrics.New(r.reg)
	r.eng, err = NewEngine(EngineConfig{Storage: reg, Partitions: r.parts, Verifier: r.verifier, Metrics: r.metrics})
	if err != nil {
		r.t.Fatal(err)
	}
}

func (r *rig) read(off, n int) []byte {
	r.t.Helper()
	b := make([]byte, n)
	if _, err := r.flash.ReadAt(b, int64(off)); err != nil {
		r.t.Fatal(err)
	}
	return b
}

type runResult struct {
	res Result
	err error
}

// run attaches a fake backend to a new session and starts it.
func (r *rig) run(cfg Config) (*Session, *fakeBackend, <-chan runResult) {
	r.t.Helper()
	s, err := r.eng.Init(cfg)
	if err != nil {
		r.t.Fatalf("Init() error = %v", err)
	}
	fb := newFake()
	if err := s.AttachBackend(fb); err != nil {
		r.t.Fatalf("AttachBackend() error = %v", err)
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := s.Run(context.Background())
		done <- runResult{res, err}
	}()
	r.t.Cleanup(s.DetachBackend)
	return s, fb, done
}

func finished(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return runResult{}
	}
}

type fakeBackend struct {
	mu     sync.Mutex
	sink   backend.Sink
	opened chan struct{}
	closed bool
	reqs   chan backend.Request
}

func newFake() *fakeBackend {
	return &fakeBackend{opened: make(chan struct{}), reqs: make(chan backend.Request, 64)}
}

func (f *fakeBackend) Type() string { return "fake" }

func (f *fakeBackend) Open(_ context.Context, sink backend.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	close(f.opened)
	return nil
}

func (f *fakeBackend) Ioctl(_ context.Context, req backend.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return backend.ErrClosed
	}
	f.reqs <- req
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) post(e protocol.Event) {
	<-f.opened
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(e)
}

func expect[T backend.Request](t *testing.T, f *fakeBackend) T {
	t.Helper()
	select {
	case req := <-f.reqs:
		got, ok := req.(T)
		if !ok {
			var want T
			t.Fatalf("request = %#v, want %T", req, want)
		}
		return got
	case <-time.After(5 * time.Second):
		var want T
		t.Fatalf("no %T request", want)
		return want
	}
}

func quiet(t *testing.T, f *fakeBackend) {
	t.Helper()
	select {
	case req := <-f.reqs:
		t.Fatalf("unexpected request %#v", req)
	case <-time.After(20 * time.Millisecond):
	}
}

// testImage builds a version v image for file 2 with two sub-files.
func testImage(t *testing.T, v uint32, size int) (*image.Descriptor, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	split := size * 5 / 8
	d, payload, err := image.Build(v, 2, []image.Part{
		{Name: "app", FileID: 2, Data: data[:split]},
		{Name: "font", FileID: 2, Data: data[split:]},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, payload
}

func unitOf(payload []byte, psn, unit int) protocol.ImageData {
	off := psn * unit
	end := off + unit
	if end > len(payload) {
		end = len(payload)
	}
	data := append([]byte(nil), payload[off:end]...)
	return protocol.ImageData{PSN: uint32(psn), Data: data, CRC: crc32.ChecksumIEEE(data), HasCRC: true}
}

// handshake drives request and negotiation and returns the data request.
func handshake(t *testing.T, fb *fakeBackend, d *image.Descriptor, unit uint16) backend.RequireData {
	t.Helper()
	fb.post(protocol.UpgradeRequested{Request: protocol.RequestUpgrade{Image: *d, Features: protocol.DeviceFeatures}})
	if a := expect[backend.Accept](t, fb); !a.Result.OK() {
		t.Fatalf("Accept = %s, want success", a.Result)
	}
	fb.post(protocol.Negotiated{
		Params:   protocol.Params{WaitTimeout: 5, RestartTimeout: 10, UnitSize: unit},
		Features: protocol.DeviceFeatures,
	})
	return expect[backend.RequireData](t, fb)
}

// sendUnits sends units [from, to) and checks each ack.
func sendUnits(t *testing.T, fb *fakeBackend, payload []byte, unit, from, to int) {
	t.Helper()
	for psn := from; psn < to; psn++ {
		u := unitOf(payload, psn, unit)
		fb.post(protocol.UnitReceived{Unit: u})
		ack := expect[backend.Ack](t, fb)
		want := backend.Ack{PSN: uint32(psn), Received: uint32(psn*unit + len(u.Data)), Committed: true}
		if ack != want {
			t.Fatalf("ack = %+v, want %+v", ack, want)
		}
	}
}

func expectDone(t *testing.T, fb *fakeBackend, done <-chan runResult) Result {
	t.Helper()
	if v := expect[backend.ReportValidation](t, fb); !v.Result.OK() {
		t.Fatalf("validation = %s, want success", v.Result)
	}
	if st := expect[backend.ReportStatus](t, fb); st.State != protocol.StatusDone || !st.Result.OK() {
		t.Fatalf("status = %+v, want done", st)
	}
	r := finished(t, done)
	if r.err != nil || r.res.State != StateDone {
		t.Fatalf("Run() = %+v, %v, want done", r.res, r.err)
	}
	return r.res
}

type transitions struct {
	mu  sync.Mutex
	got [][2]State
}

func (tr *transitions) notify(next, prev State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, [2]State{prev, next})
}

func (tr *transitions) list() [][2]State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([][2]State(nil), tr.got...)
}

func erased(b []byte) bool {
	return bytes.Count(b, []byte{storage.ErasedValue}) == len(b)
}
