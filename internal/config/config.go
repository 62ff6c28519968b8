/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config loads the kernel's YAML configuration file (spec §6's
// config surface) into a flat options struct, parsing human-readable
// byte sizes ("64MB") with docker/go-units the way a deployment
// manifest would write them.
package config

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// BackendKind selects which StorageBackend implementation to construct.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendLocal  BackendKind = "local"
	BackendS3     BackendKind = "s3"
)

// StorageConfig selects and configures a backend.
type StorageConfig struct {
	Kind BackendKind `yaml:"kind"`

	// local
	Root string `yaml:"root,omitempty"`

	// s3
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	ForcePathStyle  bool   `yaml:"forcePathStyle,omitempty"`
}

// CompactionConfig mirrors the compaction sub-object of §6, with
// human-readable byte sizes ("64MB") instead of raw integers.
type CompactionConfig struct {
	SegmentMaxRows    int    `yaml:"segmentMaxRows"`
	SegmentMaxBytes   string `yaml:"segmentMaxBytes"`
	SnapshotThreshold int    `yaml:"snapshotThreshold"`
}

// ParsedSegmentMaxBytes resolves SegmentMaxBytes ("64MB", "1GiB", ...)
// into a byte count, 0 if unset.
func (c CompactionConfig) ParsedSegmentMaxBytes() (int64, error) {
	if c.SegmentMaxBytes == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.SegmentMaxBytes)
	if err != nil {
		return 0, fmt.Errorf("config: segmentMaxBytes %q: %w", c.SegmentMaxBytes, err)
	}
	return n, nil
}

// LoggingConfig mirrors internal/telemetry.Config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"jsonOutput"`
}

// Config is the top-level kerndb configuration document.
type Config struct {
	Dataset      string           `yaml:"dataset"`
	Storage      StorageConfig    `yaml:"storage"`
	MaxCacheSize int              `yaml:"maxCacheSize"`
	Compaction   CompactionConfig `yaml:"compaction"`
	Logging      LoggingConfig    `yaml:"logging"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
