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

// Package behaviordb is the embeddable variable-length blob storage
// engine: clients submit opaque byte payloads and get back stable
// integer handles, which they can later read, replace, partially
// erase, append to, insert into, or delete. Engine is the façade that
// wires together the address evaluator, the per-size-class chunk
// pools, the global handle table, and the streaming read/write state
// machine.
package behaviordb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/behaviordb/behaviordb/addr"
	"github.com/behaviordb/behaviordb/bdblog"
	"github.com/behaviordb/behaviordb/chunkpool"
	"github.com/behaviordb/behaviordb/config"
	"github.com/behaviordb/behaviordb/idpool"
	"github.com/behaviordb/behaviordb/internal/diskfile"
	"github.com/behaviordb/behaviordb/stats"
)

// Errorf is called with diagnostic detail as it's produced — pool
// errors drained from a pool's error queue, journal replay recovery
// notices — mirroring the teacher's package-level vm.Errorf hook. The
// embedder may overwrite it; the default discards everything.
var Errorf func(format string, args ...any) = func(string, ...any) {}

// Engine is a single open BehaviorDB store.
type Engine struct {
	mu sync.Mutex

	cfg  *config.Config
	eval *addr.Evaluator

	pools   []*chunkpool.Pool // indexed by dir
	handles *idpool.ValuePool // the handle table: handle -> internal addr

	inReading map[uint32]uint32 // internal addr -> active-reader count

	streams *streamTable

	access *bdblog.Access
	errlog *bdblog.ErrorLog
	lock   *diskfile.Lock
}

// Open creates or reopens a store under cfg.RootDir, replaying every
// pool's transaction journal and the handle table's journal to
// reconstruct in-memory state. Opening a second Engine over the same
// RootDir fails with SystemError (advisory-locked).
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.RootDir, cfg.LogPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, newErr(CategoryBDB, SystemError, err)
		}
	}

	lock, err := diskfile.OpenLock(cfg.RootDir, ".bdb.lock", instanceToken())
	if err != nil {
		return nil, newErr(CategoryBDB, SystemError, err)
	}

	e := &Engine{
		cfg:       cfg,
		inReading: make(map[uint32]uint32),
		streams:   newStreamTable(),
		lock:      lock,
	}

	notice := func(path string, good, discarded int) {
		Errorf("replay: %s: %d good records, %d bytes discarded from torn tail", path, good, discarded)
	}

	e.eval = addr.NewEvaluator(cfg.MinSize, cfg.PrefixBits, addr.DefaultCSE(cfg.MinSize), func() uint32 { return cfg.DirCount })

	e.pools = make([]*chunkpool.Pool, cfg.DirCount)
	for dir := uint32(0); dir < cfg.DirCount; dir++ {
		for _, d := range []string{filepath.Dir(cfg.PoolPath(dir)), filepath.Dir(cfg.TransPath(dir)), filepath.Dir(cfg.HeaderPath(dir))} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				e.Close()
				return nil, newErr(CategoryBDB, SystemError, err)
			}
		}
		p, err := chunkpool.Open(chunkpool.Config{
			Dir:         dir,
			ChunkSize:   e.eval.ChunkSize(dir),
			PoolPath:    cfg.PoolPath(dir),
			TransPath:   cfg.TransPath(dir),
			HeaderPath:  cfg.HeaderPath(dir),
			MaxSlots:    e.eval.SlotCount(),
			ReplayNotif: notice,
		})
		if err != nil {
			e.Close()
			return nil, err
		}
		e.pools[dir] = p
	}

	handles, err := idpool.OpenValuePool(cfg.GlobalTransPath(), cfg.Beg, cfg.End, notice)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.handles = handles

	access, err := bdblog.OpenAccess(cfg.LogPath(), cfg.RotateSize, func(err error) { Errorf("access log: %v", err) })
	if err != nil {
		e.Close()
		return nil, newErr(CategoryBDB, DiskFailure, err)
	}
	e.access = access

	errlog, err := bdblog.OpenErrorLog(cfg.LogPath(), cfg.RotateSize)
	if err != nil {
		e.Close()
		return nil, newErr(CategoryBDB, DiskFailure, err)
	}
	e.errlog = errlog

	return e, nil
}

// Close flushes and closes every pool, the handle table, and the log
// sinks, then releases the directory lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pools {
		if p != nil {
			p.Close()
		}
	}
	if e.handles != nil {
		e.handles.Close()
	}
	if e.access != nil {
		e.access.Close()
	}
	if e.errlog != nil {
		e.errlog.Close()
	}
	return e.lock.Close()
}

// drainPoolErrors folds a pool's queued (code, line) error events into
// error.log, per §7's "pool errors are queued on the pool and drained
// by the engine into the error log on the next error-reporting call
// for that pool".
func (e *Engine) drainPoolErrors(dir uint32) {
	p := e.pools[dir]
	for {
		code, line, ok := p.DrainError()
		if !ok {
			return
		}
		Errorf("pool %d: %s (line %d)", dir, code, line)
		if err := e.errlog.Write(bdblog.ErrorEvent{PoolID: dir, Line: line, Message: code.String()}); err != nil {
			Errorf("error log: %v", err)
		}
	}
}

// resolve looks up handle in the handle table, returning its internal
// address, dir, and slot.
func (e *Engine) resolve(handle uint32) (internal uint32, dir uint32, slot uint32, err error) {
	v, ok := e.handles.Find(handle)
	if !ok {
		return 0, 0, 0, newErr(CategoryBDB, NotFound, nil)
	}
	return v, e.eval.AddrToDir(v), e.eval.LocalAddr(v), nil
}

// allocate walks pools forward from directory(size), retrying in the
// next larger size class whenever the current one reports its id
// space exhausted, and returns the slot id it allocated along with
// the dir it landed in.
func (e *Engine) allocate(data []byte, size uint32) (dir uint32, slot uint32, err error) {
	start := e.eval.Directory(size)
	if start == addr.None {
		return 0, 0, newErr(CategoryBDB, DataTooBig, nil)
	}
	var lastErr error
	for d := start; d < e.eval.DirCount(); d++ {
		s, werr := e.pools[d].Write(data, size)
		if werr == nil {
			return d, s, nil
		}
		lastErr = werr
		e.drainPoolErrors(d)
		if !isMemoryFull(werr) {
			return 0, 0, werr
		}
	}
	if lastErr == nil {
		lastErr = newErr(CategoryBDB, MemoryFull, nil)
	}
	return 0, 0, lastErr
}

func isMemoryFull(err error) bool {
	be, ok := err.(*Error)
	return ok && be.Code == MemoryFull
}

// Put stores data as a new blob and returns its handle.
func (e *Engine) Put(data []byte) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := uint32(len(data))
	e.access.Write(bdblog.OpPut, uint64(size), 0, 0)

	if !e.handles.Avail() {
		return 0, newErr(CategoryBDB, AddressOverflow, nil)
	}

	dir, slot, err := e.allocate(data, size)
	if err != nil {
		return 0, err
	}
	internal := e.eval.GlobalAddr(dir, slot)
	handle, err := e.handles.Acquire(internal)
	if err != nil {
		e.pools[dir].Free(slot)
		return 0, newErr(CategoryBDB, AddressOverflow, err)
	}
	if err := e.handles.Commit(handle); err != nil {
		e.handles.Release(handle)
		e.pools[dir].Free(slot)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	return handle, nil
}

// PutAt inserts data at offset within an existing handle's blob,
// growing it. offset == chunkpool.NPOS appends at the current end.
func (e *Engine) PutAt(data []byte, handle uint32, offset uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := uint32(len(data))
	e.access.Write(bdblog.OpPutInsert, uint64(size), uint64(handle), uint64(offset))

	internal, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	h, herr := e.pools[dir].Head(slot)
	if herr != nil {
		return 0, herr
	}
	newTotal := h.Size + size
	var destPool *chunkpool.Pool
	if !e.eval.CapacityTest(dir, newTotal) {
		nextDir := e.eval.Directory(newTotal)
		if nextDir == addr.None {
			return 0, newErr(CategoryBDB, DataTooBig, nil)
		}
		destPool = e.pools[nextDir]
	}

	newSlot, moved, err := e.pools[dir].InsertAt(data, size, slot, offset, destPool)
	if err != nil {
		e.drainPoolErrors(dir)
		return 0, err
	}
	newDir := dir
	if moved && destPool != nil {
		newDir = destPool.Dir
	}
	newInternal := e.eval.GlobalAddr(newDir, newSlot)
	if newInternal == internal {
		return handle, nil
	}
	if err := e.handles.Update(handle, newInternal); err != nil {
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	if err := e.handles.Commit(handle); err != nil {
		e.handles.Update(handle, internal)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	return handle, nil
}

// Update replaces an existing handle's blob wholesale.
func (e *Engine) Update(data []byte, handle uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := uint32(len(data))
	e.access.Write(bdblog.OpUpdate, uint64(size), uint64(handle), 0)

	internal, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	if e.eval.CapacityTest(dir, size) {
		if _, err := e.pools[dir].Replace(data, size, slot); err != nil {
			e.drainPoolErrors(dir)
			return 0, err
		}
		return handle, nil
	}

	newDir, newSlot, err := e.allocate(data, size)
	if err != nil {
		return 0, err
	}
	newInternal := e.eval.GlobalAddr(newDir, newSlot)
	if err := e.handles.Update(handle, newInternal); err != nil {
		e.pools[newDir].Free(newSlot)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	if err := e.handles.Commit(handle); err != nil {
		e.handles.Update(handle, internal)
		e.pools[newDir].Free(newSlot)
		return 0, newErr(CategoryBDB, CommitFailure, err)
	}
	e.pools[dir].Free(slot)
	return handle, nil
}

// Get reads up to len(output) bytes of handle's blob starting at
// offset, returning the number of bytes copied.
func (e *Engine) Get(output []byte, handle uint32, offset uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access.Write(bdblog.OpGet, uint64(len(output)), uint64(handle), uint64(offset))

	_, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	n, err := e.pools[dir].Read(output, uint32(len(output)), slot, offset)
	if err != nil {
		e.drainPoolErrors(dir)
	}
	return n, err
}

// Del deletes handle entirely, freeing its slot and its handle-table
// entry.
func (e *Engine) Del(handle uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access.Write(bdblog.OpDel, 0, uint64(handle), 0)

	_, dir, slot, err := e.resolve(handle)
	if err != nil {
		return err
	}
	if err := e.pools[dir].Free(slot); err != nil {
		e.drainPoolErrors(dir)
		return err
	}
	if err := e.handles.Release(handle); err != nil {
		return err
	}
	return e.handles.Commit(handle)
}

// DelRange erases size bytes at offset within handle's blob without
// changing the handle's binding (the blob shrinks but stays in the
// same pool). Returns the blob's new logical size.
func (e *Engine) DelRange(handle uint32, offset, size uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access.Write(bdblog.OpDelPartial, uint64(size), uint64(handle), uint64(offset))

	_, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	newSize, err := e.pools[dir].Erase(slot, offset, size)
	if err != nil {
		e.drainPoolErrors(dir)
	}
	return newSize, err
}

// Stats returns a point-in-time occupancy snapshot across every chunk
// pool and the handle table, for the out-of-core statistics
// collaborator named in §1/§9.
func (e *Engine) Stats() stats.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	pools := make([]stats.IDPool, len(e.pools))
	for i, p := range e.pools {
		pools[i] = p.IDs()
	}
	return stats.Collect(pools, e.handles)
}

// Head returns the current logical size of handle's blob.
func (e *Engine) Head(handle uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, dir, slot, err := e.resolve(handle)
	if err != nil {
		return 0, err
	}
	h, err := e.pools[dir].Head(slot)
	if err != nil {
		return 0, err
	}
	return h.Size, nil
}
