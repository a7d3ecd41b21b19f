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

package chunkpool

import "os"

// SourceKind tags the three kinds of range WriteScatter can splice
// together when building a chunk: raw in-memory bytes, an unspecified
// gap that is left zero (used to preallocate a hole a stream will
// fill later), and a range copied out of another pool's chunk file.
type SourceKind int

const (
	SourceRaw SourceKind = iota
	SourceGap
	SourceFile
)

// ScatterSource is one range WriteScatter copies into the destination
// slot, in order.
type ScatterSource struct {
	Kind SourceKind

	Raw []byte // SourceRaw

	Length uint32 // SourceGap, SourceFile

	File       *os.File // SourceFile
	FileOffset int64    // SourceFile
}

func (s ScatterSource) size() uint32 {
	if s.Kind == SourceRaw {
		return uint32(len(s.Raw))
	}
	return s.Length
}

// Raw builds a ScatterSource copying data verbatim.
func Raw(data []byte) ScatterSource {
	return ScatterSource{Kind: SourceRaw, Raw: data}
}

// Gap builds a ScatterSource that leaves size bytes zero-filled,
// a hole a stream write will fill in later.
func Gap(size uint32) ScatterSource {
	return ScatterSource{Kind: SourceGap, Length: size}
}

// FileRange builds a ScatterSource copying length bytes out of an
// already-open pool file at the given offset.
func FileRange(f *os.File, offset int64, length uint32) ScatterSource {
	return ScatterSource{Kind: SourceFile, File: f, FileOffset: offset, Length: length}
}
