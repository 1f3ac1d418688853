package ota

import (
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/image"
)

// State is the session state.
type State string

const (
	StateInit    State = "init"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFail    State = "fail"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFail
}

// Config is the per-session configuration accepted by Init.
type Config struct {
	// StorageName restricts targets to this device; StorageExt names an
	// optional second device. Empty allows any registered device.
	StorageName string
	StorageExt  string

	// UseRecovery stages the image in the temp partition for the recovery
	// installer instead of writing the inactive mirror.
	UseRecovery bool
	// UseRecoveryApp runs the session as the recovery installer: the image
	// goes to the non-booting partition of its file and clears the pending
	// marker. It requires UseRecovery.
	UseRecoveryApp bool
	// NoVersionControl accepts images not newer than the running one.
	NoVersionControl bool
	// EraseBeforeWrite erases the whole target before the first unit.
	EraseBeforeWrite bool
	// KeepTempPart skips the up front wipe of the temp partition.
	KeepTempPart bool

	// Notify observes every state transition.
	Notify func(next, prev State)
	// OnFile is called as each sub-file is fully written.
	OnFile func(f image.File)
	// OnProgress reports committed bytes.
	OnProgress func(received, total uint32)

	// QueueSize bounds the session event queue.
	QueueSize int
}

const defaultQueueSize = 16

// Validate checks flag combinations.
func (c Config) Validate() error {
	if c.EraseBeforeWrite && c.KeepTempPart {
		return fmt.Errorf("%w: erase before write conflicts with keep temp partition", ErrInvalidConfig)
	}
	if c.UseRecoveryApp && !c.UseRecovery {
		return fmt.Errorf("%w: recovery app mode requires use recovery", ErrInvalidConfig)
	}
	if c.StorageExt != "" && c.StorageName == "" {
		return fmt.Errorf("%w: secondary storage without a primary", ErrInvalidConfig)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: negative queue size", ErrInvalidConfig)
	}
	return nil
}
