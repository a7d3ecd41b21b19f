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

package stats

import "testing"

// fakePool is a minimal IDPool stand-in so this package's tests don't
// need to depend on idpool.
type fakePool struct {
	beg, end uint32
	used     map[uint32]bool
}

func (f *fakePool) Begin() uint32 { return f.beg }
func (f *fakePool) End() uint32   { return f.end }
func (f *fakePool) NextUsed(id uint32) uint32 {
	for i := id; i < f.end; i++ {
		if f.used[i] {
			return i
		}
	}
	return f.end
}

func TestOccupancyCounts(t *testing.T) {
	p := &fakePool{beg: 0, end: 10, used: map[uint32]bool{2: true, 5: true, 9: true}}
	o := Occupancy(4, p)
	if o.Acquired != 3 {
		t.Fatalf("Acquired = %d, want 3", o.Acquired)
	}
	if o.Free != 7 {
		t.Fatalf("Free = %d, want 7", o.Free)
	}
	if o.Dir != 4 {
		t.Fatalf("Dir = %d, want 4", o.Dir)
	}
}

func TestOccupancyEmptyPool(t *testing.T) {
	p := &fakePool{beg: 0, end: 5, used: map[uint32]bool{}}
	o := Occupancy(0, p)
	if o.Acquired != 0 || o.Free != 5 {
		t.Fatalf("unexpected occupancy: %+v", o)
	}
}

func TestCollectIncludesHandleTable(t *testing.T) {
	p0 := &fakePool{beg: 0, end: 4, used: map[uint32]bool{1: true}}
	handle := &fakePool{beg: 0, end: 100, used: map[uint32]bool{50: true}}
	snap := Collect([]IDPool{p0}, handle)
	if len(snap.Pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(snap.Pools))
	}
	if snap.Handle.Acquired != 1 {
		t.Fatalf("handle Acquired = %d, want 1", snap.Handle.Acquired)
	}
}
