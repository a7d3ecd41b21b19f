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

// Package addr implements the pure address arithmetic that maps a
// payload size to a pool (size class), and packs/unpacks internal
// chunk addresses as (dir, slot) pairs.
//
// None of the functions in this package touch disk or hold state
// beyond the Evaluator's own configuration; they are safe to call
// concurrently from any number of goroutines.
package addr

import "golang.org/x/exp/constraints"

// None is returned by Directory when no configured size class can
// hold a payload of the requested size.
const None = ^uint32(0)

// CSEFunc returns the chunk size (in bytes) of the size class at dir.
// It must be monotonically non-decreasing in dir.
type CSEFunc func(dir uint32) uint32

// DirCountFunc returns the number of configured size classes.
type DirCountFunc func() uint32

// DefaultCSE returns minSize<<dir, the default size-class progression
// used throughout spec.md's worked examples (min_size=32 doubles at
// every successive dir).
func DefaultCSE(minSize uint32) CSEFunc {
	return func(dir uint32) uint32 {
		return minSize << dir
	}
}

// Evaluator maps payload sizes to size classes (dirs) and packs/unpacks
// internal addresses. It is configured once at engine open and never
// mutated afterward, so a single Evaluator may be shared by every pool.
type Evaluator struct {
	minSize    uint32
	prefixBits uint
	cse        CSEFunc
	dirCount   DirCountFunc
}

// NewEvaluator builds an Evaluator. prefixBits is the number of low
// bits of a 32-bit internal address dedicated to the slot index within
// a dir's pool (per §3/§6, internal = (dir<<prefixBits) | slot); the
// dir index occupies the remaining high bits, starting at bit
// prefixBits. prefixBits must be large enough to address every slot a
// pool can hold and must leave enough high bits free for dirCount()
// dirs — see Config.Validate, which enforces both.
func NewEvaluator(minSize uint32, prefixBits uint, cse CSEFunc, dirCount DirCountFunc) *Evaluator {
	return &Evaluator{
		minSize:    minSize,
		prefixBits: prefixBits,
		cse:        cse,
		dirCount:   dirCount,
	}
}

// ChunkSize returns cse(dir).
func (e *Evaluator) ChunkSize(dir uint32) uint32 { return e.cse(dir) }

// DirCount returns the configured number of size classes.
func (e *Evaluator) DirCount() uint32 { return e.dirCount() }

// MinSize returns the chunk size of dir 0.
func (e *Evaluator) MinSize() uint32 { return e.minSize }

// Directory returns the least dir such that ChunkSize(dir) >= size,
// or None if size exceeds the largest configured size class.
func (e *Evaluator) Directory(size uint32) uint32 {
	n := e.dirCount()
	for dir := uint32(0); dir < n; dir++ {
		if e.cse(dir) >= size {
			return dir
		}
	}
	return None
}

// CapacityTest reports whether a chunk in dir can hold size bytes.
func (e *Evaluator) CapacityTest(dir uint32, size uint32) bool {
	return e.cse(dir) >= size
}

// GlobalAddr packs (dir, slot) into a single internal address.
func (e *Evaluator) GlobalAddr(dir, slot uint32) uint32 {
	return (dir << e.prefixBits) | (slot & e.slotMask())
}

// AddrToDir returns the dir component of an internal address.
func (e *Evaluator) AddrToDir(internal uint32) uint32 {
	return internal >> e.prefixBits
}

// LocalAddr returns the slot component of an internal address.
func (e *Evaluator) LocalAddr(internal uint32) uint32 {
	return internal & e.slotMask()
}

func (e *Evaluator) slotMask() uint32 {
	return (uint32(1) << e.prefixBits) - 1
}

// SlotCount returns the number of distinct slot values a single pool's
// internal address can encode: 2^prefixBits. Each chunkpool.Pool must
// cap its own id allocator to this range, otherwise an id beyond it
// would alias another slot once packed through GlobalAddr/LocalAddr.
func (e *Evaluator) SlotCount() uint32 {
	if e.prefixBits >= 32 {
		return 0
	}
	return e.slotMask() + 1
}

// Clamp restricts v to [lo, hi].
func Clamp[T constraints.Integer](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Min returns the smaller of a and b.
func Min[T constraints.Integer](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Integer](a, b T) T {
	if a > b {
		return a
	}
	return b
}
