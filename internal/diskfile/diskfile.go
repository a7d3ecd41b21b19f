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

// Package diskfile holds the small set of platform-specific file
// operations the pool and header files and the engine's directory
// lock need: growing a
// file to a target size without leaving a sparse hole that later
// writes have to fault in page-by-page, and taking an advisory lock
// that detects a second engine opening the same directory.
package diskfile

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrLocked is returned by OpenLock when another process or Engine
// instance already holds the directory lock.
var ErrLocked = errors.New("diskfile: directory already locked by another engine instance")

// Grow extends f to at least size bytes, preallocating the backing
// blocks where the platform supports it (see grow_linux.go) so that
// subsequent sequential writes to the pool/header files don't pay for
// block allocation on every write.
func Grow(f *os.File, size int64) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= size {
		return nil
	}
	return grow(f, size)
}

// Lock is a held advisory exclusive lock on a directory, released by
// Close. Open fails with an error wrapping ErrLocked if another
// process (or another Engine in this process) already holds it.
type Lock struct {
	f *os.File
}

// OpenLock creates (or reopens) dir/name and takes an exclusive,
// non-blocking advisory lock on it. token, if non-empty, is written to
// the file so a failed second open can report who holds it.
func OpenLock(dir, name, token string) (*Lock, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	if token != "" {
		f.Truncate(0)
		f.WriteAt([]byte(token), 0)
	}
	return &Lock{f: f}, nil
}

// Close releases the lock and removes the underlying lock file.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	name := l.f.Name()
	err := unlock(l.f)
	l.f.Close()
	os.Remove(name)
	return err
}
