// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates the settings needed to open a
// BehaviorDB engine: the on-disk layout, the address evaluator's size
// classes, and the handle range.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// Config is the engine's open-time configuration, unmarshaled from a
// YAML file with the same struct-tag-driven style the teacher uses
// for its JSON-shaped config types.
type Config struct {
	RootDir   string `json:"root_dir"`
	PoolDir   string `json:"pool_dir,omitempty"`
	TransDir  string `json:"trans_dir,omitempty"`
	HeaderDir string `json:"header_dir,omitempty"`
	LogDir    string `json:"log_dir,omitempty"`

	MinSize    uint32 `json:"min_size"`
	PrefixBits uint   `json:"prefix_bits"`
	DirCount   uint32 `json:"dir_count"`

	Beg uint32 `json:"beg"`
	End uint32 `json:"end"`

	// RotateSize bounds access.log/error.log before bdblog rotates
	// them; 0 disables rotation.
	RotateSize int64 `json:"rotate_size,omitempty"`
}

// Load reads and unmarshals a YAML config file at path, then runs
// Validate.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects the configurations §6 calls out explicitly: zero
// min_size, zero dir_count, inverted or overlapping handle ranges, and
// a prefix_bits that can't address every pool's slots: internal
// addresses pack as (dir<<prefix_bits)|slot (§3), so prefix_bits must
// be nonzero (prefix_bits=0 collapses every slot in a pool onto slot
// 0) and must leave enough of the remaining high bits free to tell
// dir_count directories apart.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("config: root_dir is required")
	}
	if c.MinSize == 0 {
		return fmt.Errorf("config: min_size must be nonzero")
	}
	if c.DirCount == 0 {
		return fmt.Errorf("config: dir_count must be nonzero")
	}
	if c.Beg >= c.End {
		return fmt.Errorf("config: handle range [beg, end) is empty or inverted (beg=%d end=%d)", c.Beg, c.End)
	}
	if c.PrefixBits == 0 || c.PrefixBits >= 32 {
		return fmt.Errorf("config: prefix_bits must be in [1,31] to address any pool slot, got %d", c.PrefixBits)
	}
	if maxDirs := uint32(1) << (32 - c.PrefixBits); c.DirCount > maxDirs {
		return fmt.Errorf("config: prefix_bits=%d leaves only %d addressable dirs, too few for dir_count=%d", c.PrefixBits, maxDirs, c.DirCount)
	}
	return nil
}

func (c *Config) dir(override string) string {
	if override != "" {
		return override
	}
	return c.RootDir
}

// PoolPath, TransPath, and HeaderPath name the per-size-class files
// for dir, falling back to RootDir when the specific subdirectory
// override is empty. Per §6 the file stem is the size class's
// directory index in 4-digit hex.
func (c *Config) PoolPath(dir uint32) string {
	return filepath.Join(c.dir(c.PoolDir), fmt.Sprintf("%04x.pool", dir))
}

func (c *Config) TransPath(dir uint32) string {
	return filepath.Join(c.dir(c.TransDir), fmt.Sprintf("%04x.tran", dir))
}

func (c *Config) HeaderPath(dir uint32) string {
	return filepath.Join(c.dir(c.HeaderDir), fmt.Sprintf("%04x.header", dir))
}

// LogPath is the directory access.log/error.log live in.
func (c *Config) LogPath() string { return c.dir(c.LogDir) }

// GlobalTransPath is the handle table's own transaction journal,
// always rooted at RootDir regardless of TransDir (§6: "global_id.trans
// in root_dir").
func (c *Config) GlobalTransPath() string {
	return filepath.Join(c.RootDir, "global_id.trans")
}

// LockPath is the advisory lock file taken over RootDir at engine
// open.
func (c *Config) LockPath() string {
	return filepath.Join(c.RootDir, ".bdb.lock")
}
