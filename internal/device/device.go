// Package device assembles an OTA engine from a configuration: storage
// devices, the stored partition table, the boot indicator and metrics.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/backend"
	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/metrics"
	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/partition"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

// ErrNotFormatted is returned by Open when the table location holds no
// valid partition table.
var ErrNotFormatted = errors.New("device is not formatted")

// Device is an opened device with its engine.
type Device struct {
	Config  *config.Config
	Storage *storage.Registry
	Parts   *partition.Manager
	Engine  *ota.Engine
	Metrics *metrics.Metrics

	closers []io.Closer
}

// Open opens the storages of cfg and reads the partition table from
// flash. Metrics are registered on reg when it is non-nil.
func Open(cfg *config.Config, reg prometheus.Registerer) (*Device, error) {
	d := &Device{Config: cfg}
	if err := d.openStorages(); err != nil {
		d.Close()
		return nil, err
	}

	ts, off, err := cfg.TableLocation()
	if err != nil {
		d.Close()
		return nil, err
	}
	dev, _ := d.Storage.Get(ts.ID)
	table, err := partition.ReadTable(dev, off)
	if err != nil {
		d.Close()
		if errors.Is(err, partition.ErrBadTable) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFormatted, ts.Path, err)
		}
		return nil, err
	}
	if want, err := cfg.PartitionTable(); err == nil && !sameTable(table, want) {
		klog.Warningf("device: stored partition table differs from configuration, using the stored one")
	}

	defaults, err := cfg.BootDefaults()
	if err != nil {
		d.Close()
		return nil, err
	}
	if d.Parts, err = partition.Open(table, d.Storage, defaults); err != nil {
		d.Close()
		return nil, err
	}
	verifier, err := cfg.Verifier()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Metrics = metrics.New(reg)
	eng, err := ota.NewEngine(ota.EngineConfig{
		Storage:    d.Storage,
		Partitions: d.Parts,
		Verifier:   verifier,
		Metrics:    d.Metrics,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Engine = eng
	return d, nil
}

// Format writes the configured partition table and an empty boot
// indicator holding the configured defaults. Existing images are left in
// place.
func Format(cfg *config.Config) error {
	d := &Device{Config: cfg}
	defer d.Close()
	if err := d.openStorages(); err != nil {
		return err
	}
	table, err := cfg.PartitionTable()
	if err != nil {
		return err
	}
	ts, off, err := cfg.TableLocation()
	if err != nil {
		return err
	}
	dev, _ := d.Storage.Get(ts.ID)
	if err := partition.WriteTable(dev, off, table); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	defaults, err := cfg.BootDefaults()
	if err != nil {
		return err
	}
	parts, err := partition.Open(table, d.Storage, defaults)
	if err != nil {
		return err
	}
	if err := parts.Format(defaults); err != nil {
		return fmt.Errorf("failed to format boot indicator: %w", err)
	}
	klog.Infof("device: formatted %d partitions on %s", len(table.Partitions()), ts.Name)
	return d.sync()
}

// Upgrade runs one session with b attached. b is closed when the session
// ends.
func (d *Device) Upgrade(ctx context.Context, cfg ota.Config, b backend.Backend) (ota.Result, error) {
	s, err := d.Engine.Init(cfg)
	if err != nil {
		b.Close()
		return ota.Result{}, err
	}
	if err := s.AttachBackend(b); err != nil {
		b.Close()
		return ota.Result{}, err
	}
	defer s.DetachBackend()
	return s.Run(ctx)
}

// InstallStaged runs the recovery installer over the image staged in the
// temp partition.
func (d *Device) InstallStaged(ctx context.Context, cfg ota.Config, unitSize uint16) (ota.Result, error) {
	desc, src, err := ota.Staged(d.Parts)
	if err != nil {
		return ota.Result{}, err
	}
	local, err := backend.NewLocal("temp", desc, src, unitSize)
	if err != nil {
		return ota.Result{}, err
	}
	cfg.UseRecovery, cfg.UseRecoveryApp = true, true
	return d.Upgrade(ctx, cfg, local)
}

func (d *Device) openStorages() error {
	d.Storage, _ = storage.NewRegistry()
	for _, sc := range d.Config.Storages {
		var (
			dev storage.Device
			c   io.Closer
		)
		switch sc.Kind {
		case config.KindFile:
			f, err := storage.OpenFile(sc.Path, sc.Geometry())
			if err != nil {
				return fmt.Errorf("storage %q: %w", sc.Name, err)
			}
			dev, c = f, f
		default:
			fl, f, err := storage.OpenFlashFile(sc.Path, sc.Geometry())
			if err != nil {
				return fmt.Errorf("storage %q: %w", sc.Name, err)
			}
			dev, c = fl, f
		}
		d.closers = append(d.closers, c)
		if err := d.Storage.Add(dev); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) sync() error {
	if d.Storage == nil {
		return nil
	}
	for _, dev := range d.Storage.Devices() {
		if err := dev.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes every storage.
func (d *Device) Close() error {
	if d.closers == nil {
		return nil
	}
	err := d.sync()
	for _, c := range d.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	d.closers = nil
	return err
}

func sameTable(a, b *partition.Table) bool {
	pa, pb := a.Partitions(), b.Partitions()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}
