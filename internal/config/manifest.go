package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/papyrix-ota/internal/image"
)

// Manifest describes a composite image for the pack command.
type Manifest struct {
	Version   uint32         `yaml:"version"`
	Target    uint8          `yaml:"target"`
	Encrypted bool           `yaml:"encrypted"`
	Parts     []ManifestPart `yaml:"parts"`

	dir string
}

type ManifestPart struct {
	Name   string `yaml:"name"`
	FileID uint8  `yaml:"file_id"`
	// Path is relative to the manifest file.
	Path string `yaml:"path"`
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.Parts) == 0 {
		return nil, errors.New("manifest lists no parts")
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// Build reads every part and lays out the image.
func (m *Manifest) Build() (*image.Descriptor, []byte, error) {
	parts := make([]image.Part, 0, len(m.Parts))
	for _, mp := range m.Parts {
		path := mp.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("part %s: %w", mp.Name, err)
		}
		fileID := mp.FileID
		if fileID == 0 {
			fileID = m.Target
		}
		parts = append(parts, image.Part{Name: mp.Name, FileID: fileID, Data: data})
	}
	d, payload, err := image.Build(m.Version, m.Target, parts)
	if err != nil {
		return nil, nil, err
	}
	if m.Encrypted {
		d.Flags |= image.FlagEncrypted
	}
	return d, payload, nil
}
