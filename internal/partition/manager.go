package partition

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/storage"
)

// Manager answers current/mirror/temp lookups against the persisted
// indicator and performs the activation switch.
type Manager struct {
	table   *Table
	devs    *storage.Registry
	journal *Journal

	mu    sync.Mutex
	state State
}

// Open loads the indicator from the param partition. When the journal is
// empty the indicator starts at defaults.
func Open(table *Table, devs *storage.Registry, defaults State) (*Manager, error) {
	param, ok := table.ByType(TypeParam)
	if !ok {
		return nil, errors.New("partition table has no param partition")
	}
	dev, ok := devs.Get(param.StorageID)
	if !ok {
		return nil, fmt.Errorf("param partition %s: storage %d not registered", param.Name, param.StorageID)
	}
	j, err := NewJournal(dev, int64(param.Offset), int64(param.Size))
	if err != nil {
		return nil, fmt.Errorf("param partition %s: %w", param.Name, err)
	}
	m := &Manager{table: table, devs: devs, journal: j}

	st, err := j.Load()
	switch {
	case errors.Is(err, ErrNoState):
		klog.Infof("partition: no persisted indicator, booting file %d mirror %s", defaults.CurrentFileID, defaults.CurrentMirror)
		m.state = defaults
	case err != nil:
		return nil, err
	default:
		m.state = st
	}
	return m, nil
}

// Format resets the param partition and persists st as the first record.
func (m *Manager) Format(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.journal.Format(); err != nil {
		return err
	}
	saved, err := m.journal.Append(st)
	if err != nil {
		return err
	}
	m.state = saved
	return nil
}

// Table returns the partition table.
func (m *Manager) Table() *Table {
	return m.table
}

// State returns a snapshot of the persisted state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsMirror reports whether p is the inactive copy of a pair.
func (m *Manager) IsMirror(p Partition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.Mirror != MirrorNone && p.Mirror != m.state.CurrentMirror
}

// Current returns the booting copy for fileID.
func (m *Manager) Current(fileID uint8) (Partition, bool) {
	for _, p := range m.table.parts {
		if p.FileID == fileID && !m.IsMirror(p) {
			return p, true
		}
	}
	return Partition{}, false
}

// Mirror returns the inactive copy for fileID.
func (m *Manager) Mirror(fileID uint8) (Partition, bool) {
	for _, p := range m.table.parts {
		if p.FileID == fileID && m.IsMirror(p) {
			return p, true
		}
	}
	return Partition{}, false
}

// Temp returns the scratch partition used when no mirror exists.
func (m *Manager) Temp() (Partition, bool) {
	return m.table.ByType(TypeTemp)
}

// Booting returns the partition the bootloader starts.
func (m *Manager) Booting() (Partition, bool) {
	return m.Current(m.State().CurrentFileID)
}

// Device returns the storage device holding p.
func (m *Manager) Device(p Partition) (storage.Device, error) {
	dev, ok := m.devs.Get(p.StorageID)
	if !ok {
		return nil, fmt.Errorf("partition %s: storage %d not registered", p.Name, p.StorageID)
	}
	if p.End() > uint64(dev.Size()) {
		return nil, fmt.Errorf("partition %s ends at 0x%X past %s (0x%X bytes)", p.Name, p.End(), dev.Name(), dev.Size())
	}
	return dev, nil
}

// Activate makes p the booting partition and records version. The
// indicator pair and the cleared progress land in one record write.
func (m *Manager) Activate(p Partition, version uint32) error {
	return m.update(func(s *State) {
		s.CurrentFileID = p.FileID
		if p.Mirror != MirrorNone {
			s.CurrentMirror = p.Mirror
		}
		s.Version = version
		s.Pending, s.PendingSize = 0, 0
		s.Progress = Progress{}
	}, "activate %s version %d", p.Name, version)
}

// Install records an unmirrored image written in place by the recovery
// installer. A system image becomes the boot target.
func (m *Manager) Install(p Partition, version uint32) error {
	return m.update(func(s *State) {
		if p.Type == TypeSystem {
			s.CurrentFileID = p.FileID
		}
		s.Version = version
		s.Pending, s.PendingSize = 0, 0
		s.Progress = Progress{}
	}, "install %s version %d", p.Name, version)
}

// SetPending marks a size byte image in the temp partition for the
// recovery installer.
func (m *Manager) SetPending(fileID uint8, size uint32) error {
	return m.update(func(s *State) {
		s.Pending, s.PendingSize = fileID, size
		s.Progress = Progress{}
	}, "pending install of file %d (%d bytes)", fileID, size)
}

// ClearPending drops the pending install marker.
func (m *Manager) ClearPending() error {
	if m.State().Pending == 0 {
		return nil
	}
	return m.update(func(s *State) { s.Pending, s.PendingSize = 0, 0 }, "clear pending install")
}

// SaveProgress records transfer progress.
func (m *Manager) SaveProgress(pr Progress) error {
	return m.update(func(s *State) { s.Progress = pr }, "")
}

// ClearProgress drops the transfer record.
func (m *Manager) ClearProgress() error {
	if !m.State().Progress.Active() {
		return nil
	}
	return m.update(func(s *State) { s.Progress = Progress{} }, "clear progress")
}

func (m *Manager) update(fn func(*State), format string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state
	fn(&next)
	saved, err := m.journal.Append(next)
	if err != nil {
		return err
	}
	m.state = saved
	if format != "" {
		klog.Infof("partition: "+format, args...)
	}
	return nil
}
