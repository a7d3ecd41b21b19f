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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bdb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `
root_dir: /var/lib/bdb
min_size: 32
prefix_bits: 20
dir_count: 16
beg: 0
end: 100000
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.MinSize != 32 || c.DirCount != 16 {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestValidateRejectsZeroMinSize(t *testing.T) {
	c := Config{RootDir: "x", MinSize: 0, DirCount: 1, Beg: 0, End: 10}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero min_size")
	}
}

func TestValidateRejectsZeroDirCount(t *testing.T) {
	c := Config{RootDir: "x", MinSize: 32, DirCount: 0, Beg: 0, End: 10}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero dir_count")
	}
}

func TestValidateRejectsInvertedRange(t *testing.T) {
	c := Config{RootDir: "x", MinSize: 32, DirCount: 1, Beg: 100, End: 10}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for inverted handle range")
	}
}

func TestValidateRejectsZeroPrefixBits(t *testing.T) {
	c := Config{RootDir: "x", MinSize: 32, DirCount: 1, Beg: 0, End: 10, PrefixBits: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero prefix_bits")
	}
}

func TestValidateRejectsPrefixBitsTooSmallForDirCount(t *testing.T) {
	// 31 prefix bits leaves only 1 high bit, addressing 2 dirs.
	c := Config{RootDir: "x", MinSize: 32, DirCount: 4, Beg: 0, End: 10, PrefixBits: 31}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when prefix_bits leaves too few dir bits")
	}
}

func TestValidateAcceptsWorkablePrefixBits(t *testing.T) {
	c := Config{RootDir: "x", MinSize: 32, DirCount: 16, Beg: 0, End: 10, PrefixBits: 20}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPathOverridesFallBackToRootDir(t *testing.T) {
	c := Config{RootDir: "/root"}
	if got, want := c.PoolPath(0), filepath.Join("/root", "0000.pool"); got != want {
		t.Fatalf("PoolPath = %q, want %q", got, want)
	}
	c.PoolDir = "/pools"
	if got, want := c.PoolPath(3), filepath.Join("/pools", "0003.pool"); got != want {
		t.Fatalf("PoolPath override = %q, want %q", got, want)
	}
}
