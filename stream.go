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

package behaviordb

import (
	"github.com/behaviordb/behaviordb/addr"
	"github.com/behaviordb/behaviordb/bdblog"
	"github.com/behaviordb/behaviordb/chunkpool"
)

// streamDirection tags whether a stream session is producing or
// consuming bytes.
type streamDirection int

const (
	streamWrite streamDirection = iota
	streamRead
)

// streamState is one of the six states in §4.5's stream state machine.
type streamState int

const (
	StateWritingFresh streamState = iota
	StateWritingOverExisting
	StateReading
	StatePaused
	StateFinalized
	StateAborted
)

// stream is one in-flight read or write session, keyed by a session
// id the engine hands back from ostream/istream. It is never exposed
// by pointer to callers — only the id and, after pause, an obfuscated
// token — so the engine is free to move or garbage-collect the
// backing struct.
type stream struct {
	direction streamDirection
	existed   bool
	handle    uint32 // external handle, for existed==true

	srcDir, srcSlot   uint32
	destDir, destSlot uint32

	offset uint32
	size   uint32
	used   uint32

	state, prevState streamState
	failed           bool
}

// streamTable is the arena of in-flight stream sessions. Every method
// assumes the caller already holds Engine.mu.
type streamTable struct {
	next    uint32
	byID    map[uint32]*stream
	paused  map[uint32]bool // obfuscated tokens currently parked
}

// pauseXOR is the constant §4.5 XORs a stream session id with to
// produce its client-facing pause token; it is not a security
// measure, only an encoding, and the paused set is the authoritative
// liveness check.
const pauseXOR = 0xDEA3

func newStreamTable() *streamTable {
	return &streamTable{byID: make(map[uint32]*stream), paused: make(map[uint32]bool)}
}

func (t *streamTable) add(s *stream) uint32 {
	t.next++
	id := t.next
	t.byID[id] = s
	return id
}

func (t *streamTable) get(id uint32) (*stream, error) {
	s, ok := t.byID[id]
	if !ok {
		return nil, newErr(CategoryBDB, NotFound, nil)
	}
	return s, nil
}

func (t *streamTable) remove(id uint32) {
	delete(t.byID, id)
}

// OStream preallocates an empty slot in the first-fit pool for a
// brand-new handle and returns a stream session id for stream_write
// calls to target.
func (e *Engine) OStream(size uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access.Write(bdblog.OpOStream, uint64(size), 0, 0)

	dir, slot, err := e.allocate(nil, size)
	if err != nil {
		return 0, err
	}
	st := &stream{
		direction: streamWrite,
		existed:   false,
		destDir:   dir,
		destSlot:  slot,
		size:      size,
		state:     StateWritingFresh,
	}
	return e.streams.add(st), nil
}

// OStreamAt preallocates a destination chunk for a streamed insert
// into an existing handle's blob: it locks the handle, computes the
// combined size, and uses merge_copy with a gap to materialize the
// target chunk with room for the streamed bytes at offset.
func (e *Engine) OStreamAt(size, handle, offset uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access.Write(bdblog.OpOStream, uint64(size), uint64(handle), uint64(offset))

	if e.handles.IsLocked(handle) {
		return 0, newErr(CategoryBDB, PoolLocked, nil)
	}
	_, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	if err := e.handles.Lock(handle); err != nil {
		return 0, err
	}
	if err := e.handles.Commit(handle); err != nil {
		e.handles.Unlock(handle)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}

	h, err := e.pools[dir].Head(slot)
	if err != nil {
		e.handles.Unlock(handle)
		return 0, err
	}
	combined := h.Size + size
	var destPool *chunkpool.Pool
	destDir := dir
	if !e.eval.CapacityTest(dir, combined) {
		nd := e.eval.Directory(combined)
		if nd == addr.None {
			e.handles.Unlock(handle)
			return 0, newErr(CategoryBDB, DataTooBig, nil)
		}
		destDir = nd
		destPool = e.pools[nd]
	} else {
		destPool = e.pools[dir]
	}

	newSlot, err := e.pools[dir].MergeCopy(nil, size, slot, offset, destPool)
	if err != nil {
		e.handles.Unlock(handle)
		return 0, err
	}

	st := &stream{
		direction: streamWrite,
		existed:   true,
		handle:    handle,
		srcDir:    dir,
		srcSlot:   slot,
		destDir:   destDir,
		destSlot:  newSlot,
		offset:    offset,
		size:      size,
		state:     StateWritingOverExisting,
	}
	return e.streams.add(st), nil
}

// IStream begins a streamed read of handle's blob starting at offset,
// registering the source address in the in-reading map so a
// concurrent writer defers freeing it until every reader finishes.
func (e *Engine) IStream(size, handle, offset uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access.Write(bdblog.OpIStream, uint64(size), uint64(handle), uint64(offset))

	if e.handles.IsLocked(handle) {
		return 0, newErr(CategoryBDB, PoolLocked, nil)
	}
	internal, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	e.inReading[internal]++

	st := &stream{
		direction: streamRead,
		existed:   true,
		handle:    handle,
		srcDir:    dir,
		srcSlot:   slot,
		offset:    offset,
		size:      size,
		state:     StateReading,
	}
	return e.streams.add(st), nil
}

// StreamWrite appends data to an in-flight write session at its
// current cursor.
func (e *Engine) StreamWrite(id uint32, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.streams.get(id)
	if err != nil {
		return err
	}
	if st.direction != streamWrite || (st.state != StateWritingFresh && st.state != StateWritingOverExisting) {
		return newErr(CategoryBDB, WrongAddress, nil)
	}
	size := uint32(len(data))
	e.access.Write(bdblog.OpStreamW, uint64(size), uint64(id), uint64(st.offset+st.used))

	if err := e.pools[st.destDir].Overwrite(data, size, st.destSlot, st.offset+st.used); err != nil {
		st.failed = true
		e.drainPoolErrors(st.destDir)
		return err
	}
	st.used += size
	return nil
}

// StreamRead copies up to len(output) bytes from an in-flight read
// session's cursor, advancing it, and returns the number of bytes
// copied.
func (e *Engine) StreamRead(id uint32, output []byte) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.streams.get(id)
	if err != nil {
		return 0, err
	}
	if st.direction != streamRead || st.state != StateReading {
		return 0, newErr(CategoryBDB, WrongAddress, nil)
	}
	e.access.Write(bdblog.OpStreamR, uint64(len(output)), uint64(id), uint64(st.offset+st.used))

	n, err := e.pools[st.srcDir].Read(output, uint32(len(output)), st.srcSlot, st.offset+st.used)
	if err != nil {
		st.failed = true
		e.drainPoolErrors(st.srcDir)
		return 0, err
	}
	st.used += n
	return n, nil
}

// finishReading is the shared tail of stream_finish/stream_abort for
// a READING session: decrement the in-reading refcount, and if this
// was the last reader, perform any writer's deferred free.
func (e *Engine) finishReading(st *stream) {
	internal := e.eval.GlobalAddr(st.srcDir, st.srcSlot)
	e.inReading[internal]--
	if e.inReading[internal] > 0 {
		return
	}
	delete(e.inReading, internal)
	if e.pools[st.srcDir].IsPinned(st.srcSlot) {
		e.pools[st.srcDir].Unpin(st.srcSlot)
		e.pools[st.srcDir].Free(st.srcSlot)
	}
}

// StreamFinish completes an in-flight session: for a fresh write it
// allocates and binds the new handle; for a write over an existing
// handle it rebinds the handle (pinning the old chunk if a reader is
// still active); for a read it simply releases the reader's refcount.
// Any failure, or a write finished with used < size, is treated as
// stream_abort.
func (e *Engine) StreamFinish(id uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.streams.get(id)
	if err != nil {
		return 0, err
	}
	e.access.Write(bdblog.OpStreamFin, uint64(st.used), uint64(id), 0)

	if st.direction == streamRead {
		e.finishReading(st)
		st.state = StateFinalized
		e.streams.remove(id)
		return st.handle, nil
	}

	if st.failed || st.used != st.size {
		e.abortLocked(st)
		e.streams.remove(id)
		return 0, newErr(CategoryBDB, CommitFailure, nil)
	}

	destAddr := e.eval.GlobalAddr(st.destDir, st.destSlot)

	if !st.existed {
		handle, err := e.handles.Acquire(destAddr)
		if err != nil {
			e.pools[st.destDir].Free(st.destSlot)
			e.streams.remove(id)
			return 0, newErr(CategoryBDB, AddressOverflow, err)
		}
		if err := e.handles.Commit(handle); err != nil {
			e.handles.Release(handle)
			e.pools[st.destDir].Free(st.destSlot)
			e.streams.remove(id)
			return 0, newErr(CategoryBDB, CommitFailure, err)
		}
		st.state = StateFinalized
		e.streams.remove(id)
		return handle, nil
	}

	srcInternal := e.eval.GlobalAddr(st.srcDir, st.srcSlot)
	if e.inReading[srcInternal] > 0 {
		e.pools[st.srcDir].Pin(st.srcSlot)
	} else {
		e.pools[st.srcDir].Free(st.srcSlot)
	}
	if err := e.handles.Update(st.handle, destAddr); err != nil {
		e.abortLocked(st)
		e.streams.remove(id)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	if err := e.handles.Commit(st.handle); err != nil {
		e.handles.Update(st.handle, srcInternal)
		e.abortLocked(st)
		e.streams.remove(id)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	e.handles.Unlock(st.handle)
	st.state = StateFinalized
	e.streams.remove(id)
	return st.handle, nil
}

// abortLocked tears down a write session's destination chunk and, for
// an existing-handle stream, unlocks the handle. Caller holds e.mu.
func (e *Engine) abortLocked(st *stream) {
	if st.direction == streamRead {
		e.finishReading(st)
		return
	}
	e.pools[st.destDir].Free(st.destSlot)
	if st.existed {
		e.handles.Unlock(st.handle)
	}
	st.state = StateAborted
}

// StreamAbort tears down an in-flight session without finalizing it.
func (e *Engine) StreamAbort(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.streams.get(id)
	if err != nil {
		return err
	}
	e.access.Write(bdblog.OpStreamAbrt, uint64(st.used), uint64(id), 0)
	e.abortLocked(st)
	e.streams.remove(id)
	return nil
}

// StreamPause parks an in-flight session and returns an obfuscated
// token the caller can hold onto across a suspension point instead of
// the raw session id.
func (e *Engine) StreamPause(id uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.streams.get(id)
	if err != nil {
		return 0, err
	}
	e.access.Write(bdblog.OpStreamPaus, 0, uint64(id), 0)
	st.prevState = st.state
	st.state = StatePaused
	token := id ^ pauseXOR
	e.streams.paused[token] = true
	return token, nil
}

// StreamResume looks up a token issued by StreamPause, removing it
// from the paused set and returning the underlying session id for
// further stream_write/stream_read/stream_finish calls.
func (e *Engine) StreamResume(token uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.streams.paused[token] {
		return 0, newErr(CategoryBDB, NotFound, nil)
	}
	delete(e.streams.paused, token)
	id := token ^ pauseXOR
	st, err := e.streams.get(id)
	if err != nil {
		return 0, err
	}
	e.access.Write(bdblog.OpStreamResu, 0, uint64(id), 0)
	st.state = st.prevState
	return id, nil
}

// StreamExpire resumes a paused session and immediately aborts it,
// for a client that gave up on a suspended stream.
func (e *Engine) StreamExpire(token uint32) error {
	id, err := e.StreamResume(token)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.access.Write(bdblog.OpStreamExpi, 0, uint64(id), 0)
	e.mu.Unlock()
	return e.StreamAbort(id)
}
