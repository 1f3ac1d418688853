package config

import (
	"errors"
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/partition"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if len(cfg.Storages) == 0 {
		return errors.New("no storages defined")
	}
	names := make(map[string]bool)
	ids := make(map[uint8]string)
	for _, s := range cfg.Storages {
		if s.Name == "" {
			return fmt.Errorf("storage %d has no name", s.ID)
		}
		if names[s.Name] {
			return fmt.Errorf("storage name %q used twice", s.Name)
		}
		names[s.Name] = true
		if prev, ok := ids[s.ID]; ok {
			return fmt.Errorf("storages %q and %q share id %d", prev, s.Name, s.ID)
		}
		ids[s.ID] = s.Name
		if s.Kind != "" && s.Kind != KindNOR && s.Kind != KindFile {
			return fmt.Errorf("storage %q: unknown kind %q", s.Name, s.Kind)
		}
		if s.Size <= 0 {
			return fmt.Errorf("storage %q: size must be positive", s.Name)
		}
	}

	table, err := cfg.PartitionTable()
	if err != nil {
		return err
	}
	if _, ok := table.ByType(partition.TypeParam); !ok {
		return errors.New("no param partition for the boot indicator")
	}
	for _, pc := range cfg.Partitions {
		s, _ := cfg.storageByName(pc.Storage)
		if uint64(pc.Offset)+uint64(pc.Size) > uint64(s.Size) {
			return fmt.Errorf("partition %q: ends at 0x%X past storage %q (0x%X bytes)",
				pc.Name, uint64(pc.Offset)+uint64(pc.Size), s.Name, s.Size)
		}
	}

	ts, off, err := cfg.TableLocation()
	if err != nil {
		return err
	}
	end := off + partition.TableSize
	if off < 0 || end > ts.Size {
		return fmt.Errorf("table: 0x%X+0x%X does not fit storage %q", off, partition.TableSize, ts.Name)
	}
	for _, p := range table.Partitions() {
		if p.StorageID == ts.ID && off < int64(p.End()) && int64(p.Offset) < end {
			return fmt.Errorf("table: overlaps partition %q", p.Name)
		}
	}

	boot, err := cfg.BootDefaults()
	if err != nil {
		return err
	}
	if _, ok := table.Find(boot.CurrentFileID, boot.CurrentMirror); !ok {
		return fmt.Errorf("boot: no partition for file %d mirror %s", boot.CurrentFileID, boot.CurrentMirror)
	}

	for _, name := range []string{cfg.OTA.Storage, cfg.OTA.StorageExt} {
		if name != "" && !names[name] {
			return fmt.Errorf("ota: unknown storage %q", name)
		}
	}
	if err := cfg.Session().Validate(); err != nil {
		return fmt.Errorf("ota: %w", err)
	}
	if err := cfg.ProtocolLimits().Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if _, err := cfg.Verifier(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}
