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

package bdblog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAccessWriteFormat(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenAccess(dir, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Write(OpPut, 0x10, 0x2, 0)
	a.Close()
	data, err := os.ReadFile(filepath.Join(dir, "access.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected banner + 1 line, got %d: %q", len(lines), lines)
	}
	fields := strings.Fields(lines[1])
	if len(fields) != 4 || fields[0] != "put" || fields[1] != "00000010" || fields[2] != "00000002" {
		t.Fatalf("unexpected access line: %q", lines[1])
	}
}

func TestErrorLogHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenErrorLog(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.Write(ErrorEvent{PoolID: 3, Line: 42, Message: "disk_failure"})
	e.Write(ErrorEvent{PoolID: 3, Line: 43, Message: "disk_failure"})
	e.Close()
	data, _ := os.ReadFile(filepath.Join(dir, "error.log"))
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d: %q", len(lines), lines)
	}
	if lines[0] != strings.TrimRight(errorLogHeader, "\n") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
}

func TestErrorLogHeaderNotRepeatedOnReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenErrorLog(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.Write(ErrorEvent{PoolID: 1, Line: 1, Message: "x"})
	e.Close()

	e2, err := OpenErrorLog(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	e2.Write(ErrorEvent{PoolID: 2, Line: 2, Message: "y"})
	e2.Close()

	data, _ := os.ReadFile(filepath.Join(dir, "error.log"))
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected exactly one header row across reopen, got %d: %q", len(lines), lines)
	}
}

func TestRotationCompressesOldLog(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "x.log"), 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.writeLine("12345678"); err != nil {
		t.Fatal(err)
	}
	if err := l.writeLine("triggers rotation\n"); err != nil {
		t.Fatal(err)
	}
	l.Close()
	if _, err := os.Stat(filepath.Join(dir, "x.log.1.fl")); err != nil {
		t.Fatalf("expected rotated compressed file: %v", err)
	}
}
