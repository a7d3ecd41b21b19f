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

package idpool

import (
	"encoding/binary"

	"github.com/behaviordb/behaviordb/bdberr"
)

// ValuePool extends Pool so each acquired id also carries a uint32
// value; the engine uses one to implement the global handle table,
// whose value is the internal (dir, slot) address a handle resolves
// to.
type ValuePool struct {
	*Pool
	values map[uint32]uint32
}

const valueLen = 4

// OpenValuePool creates or reopens a ValuePool whose transaction
// journal lives at journalPath.
func OpenValuePool(journalPath string, beg, end uint32, notice Notice) (*ValuePool, error) {
	if beg > end {
		return nil, bdberr.New(bdberr.IDPool, bdberr.SystemError, 0, nil)
	}
	v := &ValuePool{
		Pool: &Pool{
			beg:      beg,
			end:      end,
			acquired: newBitset(min32u(initialBitsetSize, end-beg)),
			locked:   newBitset(min32u(initialBitsetSize, end-beg)),
		},
		values: make(map[uint32]uint32),
	}
	apply := func(op Op, id uint32, value []byte) {
		switch op {
		case OpAcquireValue:
			v.Pool.applyRecord(OpAcquire, id)
			v.values[id] = binary.LittleEndian.Uint32(value)
		case OpUpdateValue:
			v.values[id] = binary.LittleEndian.Uint32(value)
		default:
			v.Pool.applyRecord(op, id)
			if op == OpRelease {
				delete(v.values, id)
			}
		}
	}
	var n func(string, int, int)
	if notice != nil {
		n = func(path string, good, discarded int) { notice(path, good, discarded) }
	}
	j, err := openJournal(journalPath, valueLen, apply, n)
	if err != nil {
		return nil, bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	v.Pool.j = j
	return v, nil
}

// Acquire returns the lowest free id, associates it with value, and
// marks it acquired. Durable only after Commit.
func (v *ValuePool) Acquire(value uint32) (uint32, error) {
	id, ferr := v.Pool.findFree()
	if ferr != nil {
		return 0, ferr
	}
	rel := id - v.beg
	v.acquired.set(rel, true)
	var buf [valueLen]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := v.j.append(OpAcquireValue, id, buf[:]); err != nil {
		v.acquired.set(rel, false)
		return 0, bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	v.values[id] = value
	return id, nil
}

// Find returns the value associated with id and whether id is
// currently acquired.
func (v *ValuePool) Find(id uint32) (uint32, bool) {
	if !v.IsAcquired(id) {
		return 0, false
	}
	val, ok := v.values[id]
	return val, ok
}

// Update changes the value associated with an already-acquired id.
// Durable only after Commit.
func (v *ValuePool) Update(id uint32, value uint32) error {
	if !v.IsAcquired(id) {
		return bdberr.New(bdberr.IDPool, bdberr.NonExist, 0, nil)
	}
	var buf [valueLen]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := v.j.append(OpUpdateValue, id, buf[:]); err != nil {
		return bdberr.New(bdberr.IDPool, bdberr.DiskFailure, 0, err)
	}
	v.values[id] = value
	return nil
}

// Release marks id free and forgets its value. Durable only after
// Commit.
func (v *ValuePool) Release(id uint32) error {
	delete(v.values, id)
	return v.Pool.Release(id)
}
