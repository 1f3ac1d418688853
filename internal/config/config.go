// Package config loads the device description: storage devices, the
// partition layout, the boot indicator defaults and upgrade options.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/papyrix-ota/embedded"
)

type Config struct {
	Storages   []StorageConfig   `yaml:"storages"`
	Table      TableConfig       `yaml:"table"`
	Partitions []PartitionConfig `yaml:"partitions"`
	Boot       BootConfig        `yaml:"boot"`
	OTA        OTAConfig         `yaml:"ota"`
	Limits     LimitsConfig      `yaml:"limits"`
	Verify     VerifyConfig      `yaml:"verify"`
}

// ---- STORAGE ----

// Storage kinds.
const (
	KindNOR  = "nor"
	KindFile = "file"
)

type StorageConfig struct {
	Name string `yaml:"name"`
	ID   uint8  `yaml:"id"`
	// Kind is KindNOR (default), emulating NOR flash over the file, or
	// KindFile for a plain region that is overwritten in place.
	Kind string `yaml:"kind"`
	// Path is the flash image file backing the device.
	Path         string `yaml:"path"`
	Size         int64  `yaml:"size"`
	WriteSegment int    `yaml:"write_segment"`
	EraseSegment int    `yaml:"erase_segment"`
}

// ---- PARTITIONS ----

// TableConfig locates the stored partition table.
type TableConfig struct {
	Storage string `yaml:"storage"`
	Offset  int64  `yaml:"offset"`
}

type PartitionConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	FileID     uint8  `yaml:"file_id"`
	Mirror     string `yaml:"mirror"`
	Storage    string `yaml:"storage"` // defaults to the first storage
	Offset     uint32 `yaml:"offset"`
	Size       uint32 `yaml:"size"`
	FileOffset uint32 `yaml:"file_offset"`
	CRC        bool   `yaml:"crc"`
	Encrypted  bool   `yaml:"encrypted"`
	BootCheck  bool   `yaml:"boot_check"`
	UsedSector bool   `yaml:"used_sector"`
}

// BootConfig is the indicator assumed on a blank param partition.
type BootConfig struct {
	FileID  uint8  `yaml:"file_id"`
	Mirror  string `yaml:"mirror"`
	Version uint32 `yaml:"version"`
}

// ---- UPGRADE ----

type OTAConfig struct {
	Storage          string `yaml:"storage"`
	StorageExt       string `yaml:"storage_ext"`
	UseRecovery      bool   `yaml:"use_recovery"`
	UseRecoveryApp   bool   `yaml:"use_recovery_app"`
	NoVersionControl bool   `yaml:"no_version_control"`
	EraseBeforeWrite bool   `yaml:"erase_before_write"`
	KeepTempPart     bool   `yaml:"keep_temp_part"`
	QueueSize        int    `yaml:"queue_size"`
}

// LimitsConfig bounds negotiation. Zero fields take the protocol defaults.
type LimitsConfig struct {
	MinUnitSize       uint16        `yaml:"min_unit_size"`
	MaxUnitSize       uint16        `yaml:"max_unit_size"`
	MaxWaitTimeout    uint16        `yaml:"max_wait_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	MaxProtocolErrors int           `yaml:"max_protocol_errors"`
}

type VerifyConfig struct {
	// Keys are signed note verifier keys.
	Keys []string `yaml:"keys"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML config. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := Parse(embedded.DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("embedded config: %v", err))
	}
	return cfg
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
