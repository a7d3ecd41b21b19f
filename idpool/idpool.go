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

// Package idpool implements the store's durable bitmap allocator: an
// integer range [beg, end) with acquire/release/lock/unlock, backed by
// an append-only transaction journal that is replayed at open to
// reconstruct the in-memory bitmap.
package idpool

import (
	"github.com/behaviordb/behaviordb/bdberr"
)

// Notice is called once if journal replay discovers a torn tail
// record; wire it to the engine's diagnostic log.
type Notice func(path string, goodRecords, discardedBytes int)

// Pool is a durable bitmap allocator over [beg, end).
type Pool struct {
	beg, end uint32
	acquired bitset
	locked   bitset
	j        *journal
}

const initialBitsetSize = 1024

// Open creates or reopens a Pool whose transaction journal lives at
// journalPath, replaying any existing journal to reconstruct state.
func Open(journalPath string, beg, end uint32, notice Notice) (*Pool, error) {
	if beg > end {
		return nil, bdberr.New(bdberr.IDPool, bdberr.SystemError, 0, nil)
	}
	p := &Pool{
		beg:      beg,
		end:      end,
		acquired: newBitset(min32u(initialBitsetSize, end-beg)),
		locked:   newBitset(min32u(initialBitsetSize, end-beg)),
	}
	apply := func(op Op, id uint32, _ []byte) {
		p.applyRecord(op, id)
	}
	var n func(string, int, int)
	if notice != nil {
		n = func(path string, good, discarded int) { notice(path, good, discarded) }
	}
	j, err := openJournal(journalPath, 0, apply, n)
	if err != nil {
		return nil, bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	p.j = j
	return p, nil
}

func (p *Pool) applyRecord(op Op, id uint32) {
	rel := id - p.beg
	switch op {
	case OpAcquire, OpAcquireValue:
		p.acquired.set(rel, true)
	case OpRelease:
		p.acquired.set(rel, false)
		p.locked.set(rel, false)
	case OpLock:
		p.locked.set(rel, true)
	case OpUnlock:
		p.locked.set(rel, false)
	}
}

func min32u(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Begin returns the lower bound of the managed range.
func (p *Pool) Begin() uint32 { return p.beg }

// End returns the (exclusive) upper bound of the managed range.
func (p *Pool) End() uint32 { return p.end }

// Avail reports whether at least one id in [beg, end) is free.
func (p *Pool) Avail() bool {
	_, ok := p.acquired.firstZero(0, p.end-p.beg)
	return ok
}

// findFree returns the lowest free id, without journaling anything.
func (p *Pool) findFree() (uint32, *bdberr.Error) {
	rel, ok := p.acquired.firstZero(0, p.end-p.beg)
	if !ok {
		return 0, bdberr.New(bdberr.IDPool, bdberr.MemoryFull, 0, nil)
	}
	return p.beg + rel, nil
}

// Acquire returns the lowest free id and marks it acquired. The
// mutation is appended to the journal but not fsynced; call Commit to
// make it durable.
func (p *Pool) Acquire() (uint32, error) {
	id, ferr := p.findFree()
	if ferr != nil {
		return 0, ferr
	}
	p.acquired.set(id-p.beg, true)
	if err := p.j.append(OpAcquire, id, nil); err != nil {
		p.acquired.set(id-p.beg, false)
		return 0, bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	return id, nil
}

// Release marks an acquired id free. Releasing an already-free id is
// a no-op that still succeeds (idempotent), per §4.2.
func (p *Pool) Release(id uint32) error {
	if !p.inRange(id) {
		return bdberr.New(bdberr.IDPool, bdberr.WrongAddress, 0, nil)
	}
	rel := id - p.beg
	wasAcquired := p.acquired.get(rel)
	p.acquired.set(rel, false)
	p.locked.set(rel, false)
	if err := p.j.append(OpRelease, id, nil); err != nil {
		if wasAcquired {
			p.acquired.set(rel, true)
		}
		return bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	return nil
}

// Lock sets the per-id lock flag used by the engine to exclude a
// second concurrent writer.
func (p *Pool) Lock(id uint32) error {
	if !p.IsAcquired(id) {
		return bdberr.New(bdberr.IDPool, bdberr.NonExist, 0, nil)
	}
	rel := id - p.beg
	p.locked.set(rel, true)
	if err := p.j.append(OpLock, id, nil); err != nil {
		p.locked.set(rel, false)
		return bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	return nil
}

// Unlock clears the per-id lock flag.
func (p *Pool) Unlock(id uint32) error {
	if !p.inRange(id) {
		return bdberr.New(bdberr.IDPool, bdberr.WrongAddress, 0, nil)
	}
	rel := id - p.beg
	p.locked.set(rel, false)
	if err := p.j.append(OpUnlock, id, nil); err != nil {
		p.locked.set(rel, true)
		return bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	return nil
}

// IsLocked reports the per-id lock flag.
func (p *Pool) IsLocked(id uint32) bool {
	if !p.inRange(id) {
		return false
	}
	return p.locked.get(id - p.beg)
}

// IsAcquired is an O(1) test of whether id is currently acquired.
func (p *Pool) IsAcquired(id uint32) bool {
	if !p.inRange(id) {
		return false
	}
	return p.acquired.get(id - p.beg)
}

// NextUsed returns the lowest acquired id >= id, or End() if none.
func (p *Pool) NextUsed(id uint32) uint32 {
	from := id
	if from < p.beg {
		from = p.beg
	}
	rel, ok := p.acquired.firstSet(from - p.beg)
	if !ok {
		return p.end
	}
	return p.beg + rel
}

// Commit flushes and fsyncs the journal so every record appended since
// the last Commit becomes crash-safe. The id parameter mirrors the
// original per-id commit signature; the flush itself is whole-journal.
func (p *Pool) Commit(id uint32) error {
	if err := p.j.commit(); err != nil {
		return bdberr.New(bdberr.IDPool, bdberr.CommitFailure, 0, err)
	}
	return nil
}

// Close flushes outstanding writes and closes the journal file.
func (p *Pool) Close() error {
	return p.j.close()
}

func (p *Pool) inRange(id uint32) bool {
	return id >= p.beg && id < p.end
}
