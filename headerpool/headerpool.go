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

// Package headerpool implements the per-pool sidecar file that holds
// one fixed-width header record per chunk slot. Today a header only
// carries the slot's logical (used) byte length, but it is encoded as
// a small fixed-width struct so a future field can be added without
// reflowing the file.
package headerpool

import (
	"encoding/binary"
	"os"

	"github.com/behaviordb/behaviordb/bdberr"
	"github.com/behaviordb/behaviordb/internal/diskfile"
)

// Header is the metadata stored for one chunk slot.
type Header struct {
	Size uint32 // bytes of the slot's body currently in use
}

// RecordSize is the on-disk, fixed-width encoding of a Header: one
// little-endian uint32. The spec asks that metadata records "pick and
// fix an endianness"; this package always uses little-endian.
const RecordSize = 4

// Pool is the fixed-width header array backing one chunk pool's size
// class.
type Pool struct {
	f *os.File
}

// Open creates or opens the header file at path.
func Open(path string) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, bdberr.New(bdberr.HeaderPool, bdberr.DiskFailure, 0, err)
	}
	return &Pool{f: f}, nil
}

// Read returns the header for slot. Reading a slot that was never
// written returns a zero-valued Header (Size 0), not an error.
func (p *Pool) Read(slot uint32) (Header, error) {
	var buf [RecordSize]byte
	n, err := p.f.ReadAt(buf[:], int64(slot)*RecordSize)
	if err != nil && n == 0 {
		return Header{}, nil
	}
	if err != nil && n < RecordSize {
		return Header{}, nil
	}
	return Header{Size: binary.LittleEndian.Uint32(buf[:])}, nil
}

// Write stores h at slot, extending the file if slot is past its
// current length.
func (p *Pool) Write(slot uint32, h Header) error {
	end := (int64(slot) + 1) * RecordSize
	if err := diskfile.Grow(p.f, end); err != nil {
		return bdberr.New(bdberr.HeaderPool, bdberr.DiskFailure, 0, err)
	}
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint32(buf[:], h.Size)
	if _, err := p.f.WriteAt(buf[:], int64(slot)*RecordSize); err != nil {
		return bdberr.New(bdberr.HeaderPool, bdberr.DiskFailure, 0, err)
	}
	return nil
}

// Close closes the backing file.
func (p *Pool) Close() error { return p.f.Close() }
