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

// Package stats builds a point-in-time occupancy snapshot purely from
// idpool's existing read-only operations (Begin/End/NextUsed), rather
// than a dedicated counter threaded through every Acquire/Release —
// the statistics snapshotter is an external collaborator per the
// spec, not a core subsystem, so it earns no write path of its own.
package stats

// IDPool is the subset of idpool.Pool's read-only surface stats needs,
// kept narrow so this package doesn't import idpool just to read three
// fields.
type IDPool interface {
	Begin() uint32
	End() uint32
	NextUsed(id uint32) uint32
}

// PoolOccupancy is one size class's occupancy at the moment it was
// sampled.
type PoolOccupancy struct {
	Dir      uint32
	Begin    uint32
	End      uint32
	Acquired uint32
	Free     uint32
}

// Occupancy walks p's acquired ids via repeated NextUsed calls and
// reports how many of [Begin, End) are in use.
func Occupancy(dir uint32, p IDPool) PoolOccupancy {
	beg, end := p.Begin(), p.End()
	var acquired uint32
	for id := p.NextUsed(beg); id < end; id = p.NextUsed(id + 1) {
		acquired++
	}
	return PoolOccupancy{
		Dir:      dir,
		Begin:    beg,
		End:      end,
		Acquired: acquired,
		Free:     (end - beg) - acquired,
	}
}

// Snapshot is the full engine's point-in-time statistics: one
// PoolOccupancy per chunk-pool size class plus the handle table's own
// occupancy.
type Snapshot struct {
	Pools  []PoolOccupancy
	Handle PoolOccupancy
}

// handleDir is the sentinel directory index used to tag the handle
// table's occupancy within a Snapshot.
const handleDir = ^uint32(0)

// Collect builds a full Snapshot given the chunk pools' id allocators
// (in directory order) and the handle table's id-value pool.
func Collect(pools []IDPool, handle IDPool) Snapshot {
	s := Snapshot{Pools: make([]PoolOccupancy, len(pools))}
	for i, p := range pools {
		s.Pools[i] = Occupancy(uint32(i), p)
	}
	s.Handle = Occupancy(handleDir, handle)
	return s
}
