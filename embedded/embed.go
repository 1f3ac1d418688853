package embedded

import (
	_ "embed"
)

//go:embed default.yaml
var defaultConfig []byte

// DefaultConfig returns the built-in device config: a 4 MiB NOR chip
// with mirrored system partitions.
func DefaultConfig() []byte {
	return defaultConfig
}
