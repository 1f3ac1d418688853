package config

import (
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/partition"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/storage"
	"github.com/bigbag/papyrix-ota/internal/verify"
)

// storageByName returns the named storage, or the first one for "".
func (c *Config) storageByName(name string) (StorageConfig, bool) {
	if name == "" && len(c.Storages) > 0 {
		return c.Storages[0], true
	}
	for _, s := range c.Storages {
		if s.Name == name {
			return s, true
		}
	}
	return StorageConfig{}, false
}

// Geometry returns the device geometry of s.
func (s StorageConfig) Geometry() storage.Geometry {
	return storage.Geometry{
		ID:           s.ID,
		Name:         s.Name,
		Size:         s.Size,
		WriteSegment: s.WriteSegment,
		EraseSegment: s.EraseSegment,
	}
}

// TableLocation returns the storage and offset of the partition table.
func (c *Config) TableLocation() (StorageConfig, int64, error) {
	s, ok := c.storageByName(c.Table.Storage)
	if !ok {
		return StorageConfig{}, 0, fmt.Errorf("table: unknown storage %q", c.Table.Storage)
	}
	return s, c.Table.Offset, nil
}

// PartitionTable builds the partition table.
func (c *Config) PartitionTable() (*partition.Table, error) {
	parts := make([]partition.Partition, 0, len(c.Partitions))
	for _, pc := range c.Partitions {
		p, err := c.partition(pc)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return partition.NewTable(parts)
}

func (c *Config) partition(pc PartitionConfig) (partition.Partition, error) {
	typ, err := partition.ParseType(pc.Type)
	if err != nil {
		return partition.Partition{}, fmt.Errorf("partition %q: %w", pc.Name, err)
	}
	mirror, err := partition.ParseMirror(pc.Mirror)
	if err != nil {
		return partition.Partition{}, fmt.Errorf("partition %q: %w", pc.Name, err)
	}
	s, ok := c.storageByName(pc.Storage)
	if !ok {
		return partition.Partition{}, fmt.Errorf("partition %q: unknown storage %q", pc.Name, pc.Storage)
	}
	return partition.Partition{
		Name:       pc.Name,
		Type:       typ,
		FileID:     pc.FileID,
		Mirror:     mirror,
		StorageID:  s.ID,
		CRC:        pc.CRC,
		Encrypted:  pc.Encrypted,
		BootCheck:  pc.BootCheck,
		UsedSector: pc.UsedSector,
		Offset:     pc.Offset,
		Size:       pc.Size,
		FileOffset: pc.FileOffset,
	}, nil
}

// BootDefaults returns the indicator used when the param partition is
// blank.
func (c *Config) BootDefaults() (partition.State, error) {
	m, err := partition.ParseMirror(c.Boot.Mirror)
	if err != nil {
		return partition.State{}, fmt.Errorf("boot: %w", err)
	}
	return partition.State{CurrentFileID: c.Boot.FileID, CurrentMirror: m, Version: c.Boot.Version}, nil
}

// Session returns the per-session upgrade options.
func (c *Config) Session() ota.Config {
	return ota.Config{
		StorageName:      c.OTA.Storage,
		StorageExt:       c.OTA.StorageExt,
		UseRecovery:      c.OTA.UseRecovery,
		UseRecoveryApp:   c.OTA.UseRecoveryApp,
		NoVersionControl: c.OTA.NoVersionControl,
		EraseBeforeWrite: c.OTA.EraseBeforeWrite,
		KeepTempPart:     c.OTA.KeepTempPart,
		QueueSize:        c.OTA.QueueSize,
	}
}

// ProtocolLimits returns the negotiation limits, defaulting zero fields.
func (c *Config) ProtocolLimits() protocol.Limits {
	l := protocol.DefaultLimits()
	if c.Limits.MinUnitSize != 0 {
		l.MinUnitSize = c.Limits.MinUnitSize
	}
	if c.Limits.MaxUnitSize != 0 {
		l.MaxUnitSize = c.Limits.MaxUnitSize
	}
	if c.Limits.MaxWaitTimeout != 0 {
		l.MaxWaitTimeout = c.Limits.MaxWaitTimeout
	}
	if c.Limits.HandshakeTimeout != 0 {
		l.HandshakeTimeout = c.Limits.HandshakeTimeout
	}
	if c.Limits.MaxProtocolErrors != 0 {
		l.MaxProtocolErrors = c.Limits.MaxProtocolErrors
	}
	return l
}

// Verifier returns a note verifier for the configured keys, or nil when
// there are none.
func (c *Config) Verifier() (verify.Verifier, error) {
	if len(c.Verify.Keys) == 0 {
		return nil, nil
	}
	v, err := verify.NewNoteVerifier(c.Verify.Keys...)
	if err != nil {
		return nil, err
	}
	return v, nil
}
