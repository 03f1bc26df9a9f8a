package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is an optional, higher-level declarative alternative to the
// INI file: a single YAML document naming the module, its board
// dimensions, and archive path, in the apiVersion/kind/metadata shape the
// teacher's own FunctionSpec uses for its YAML-described resources.
type Manifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   ManifestMeta   `yaml:"metadata"`
	Spec       ManifestSpec   `yaml:"spec"`
}

// ManifestMeta carries the run's identifying name, mirroring
// FunctionSpec's metadata block.
type ManifestMeta struct {
	Name string `yaml:"name"`
}

// ManifestSpec carries the board/module/archive configuration a manifest
// contributes on top of (or instead of) the INI file.
type ManifestSpec struct {
	Module  string `yaml:"module"`
	Archive string `yaml:"archive"`
	Board   struct {
		X int `yaml:"x"`
		Y int `yaml:"y"`
		Z int `yaml:"z"`
	} `yaml:"board"`
	CheckpointBatch int  `yaml:"checkpointBatch"`
	NoBackup        bool `yaml:"noBackup"`
}

// LoadManifest reads and validates a run manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	if m.Kind != "MechanicRun" {
		return nil, fmt.Errorf("config: manifest %s: unsupported kind %q", path, m.Kind)
	}
	return &m, nil
}

// ApplyManifest merges a manifest's values into cfg, only overwriting
// fields the manifest actually sets.
func ApplyManifest(cfg *Config, m *Manifest) {
	if m.Spec.Module != "" {
		cfg.ModuleName = m.Spec.Module
	}
	if m.Spec.Archive != "" {
		cfg.ArchivePath = m.Spec.Archive
	}
	if m.Spec.Board.X > 0 {
		cfg.BoardX = m.Spec.Board.X
	}
	if m.Spec.Board.Y > 0 {
		cfg.BoardY = m.Spec.Board.Y
	}
	if m.Spec.Board.Z > 0 {
		cfg.BoardZ = m.Spec.Board.Z
	}
	if m.Spec.CheckpointBatch > 0 {
		cfg.CheckpointBatch = m.Spec.CheckpointBatch
	}
	cfg.NoBackup = cfg.NoBackup || m.Spec.NoBackup
}
