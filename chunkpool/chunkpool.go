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

// Package chunkpool implements one size class: a chunk file of
// fixed-size slots, the id pool that allocates them, and the header
// pool that tracks each slot's logical length. It is the component
// that actually moves bytes; the engine package routes calls into the
// right chunkpool.Pool and handles cross-pool migration.
package chunkpool

import (
	"io"
	"os"
	"runtime"

	"github.com/behaviordb/behaviordb/bdberr"
	"github.com/behaviordb/behaviordb/headerpool"
	"github.com/behaviordb/behaviordb/idpool"
	"github.com/behaviordb/behaviordb/internal/diskfile"
)

// NPOS is the offset sentinel meaning "at the current end of the
// chunk" for InsertAt and the engine's insert-at-handle routing.
const NPOS = ^uint32(0)

// DefaultMigBufSize is the size of the scratch buffer each Pool uses
// to shift bytes during InsertAt/Erase and to copy ranges during
// MergeCopy/MergeMove, when the engine doesn't override it.
const DefaultMigBufSize = 64 * 1024

// Pool is one size class's chunk file plus its slot allocator and
// header sidecar.
type Pool struct {
	Dir       uint32
	chunkSize uint32

	file    *os.File
	ids     *idpool.Pool
	headers *headerpool.Pool
	migBuf  []byte
	errs    errRing
}

// Config names the files backing one Pool.
type Config struct {
	Dir         uint32
	ChunkSize   uint32
	PoolPath    string
	TransPath   string
	HeaderPath  string
	MigBufSize  uint32 // 0 means DefaultMigBufSize
	MaxSlots    uint32 // the addr.Evaluator's SlotCount() for this pool
	ReplayNotif idpool.Notice
}

// Open creates or reopens a Pool from its three backing files,
// replaying the id pool's transaction journal. The id pool is capped
// to [0, MaxSlots) so it can never hand out a slot index the
// evaluator's (dir<<prefixBits)|slot packing can't address: MaxSlots
// must be the same addr.Evaluator's SlotCount() the engine packs
// addresses with, or slots beyond it are masked onto a lower slot of
// the same dir.
func Open(cfg Config) (*Pool, error) {
	if cfg.MaxSlots == 0 {
		return nil, bdberr.New(bdberr.Pool, bdberr.SystemError, 0, nil)
	}
	f, err := os.OpenFile(cfg.PoolPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
	}
	ids, err := idpool.Open(cfg.TransPath, 0, cfg.MaxSlots, cfg.ReplayNotif)
	if err != nil {
		f.Close()
		return nil, err
	}
	hp, err := headerpool.Open(cfg.HeaderPath)
	if err != nil {
		f.Close()
		ids.Close()
		return nil, err
	}
	migSize := cfg.MigBufSize
	if migSize == 0 {
		migSize = DefaultMigBufSize
	}
	return &Pool{
		Dir:       cfg.Dir,
		chunkSize: cfg.ChunkSize,
		file:      f,
		ids:       ids,
		headers:   hp,
		migBuf:    make([]byte, migSize),
	}, nil
}

// ChunkSize returns the fixed size of every slot in this pool.
func (p *Pool) ChunkSize() uint32 { return p.chunkSize }

// IDs exposes the pool's slot allocator for the stats package's
// read-only occupancy snapshot; it grants no mutating access beyond
// what idpool.Pool itself already allows.
func (p *Pool) IDs() *idpool.Pool { return p.ids }

func (p *Pool) onError(code bdberr.Code, line int) {
	if line == 0 {
		// record the raise site's own source line for error.log
		_, _, line, _ = runtime.Caller(1)
	}
	p.errs.push(code, line)
}

// DrainError dequeues one (code, line) pair from the pool's internal
// error queue, for the engine to fold into error.log. ok is false
// once the queue is empty.
func (p *Pool) DrainError() (code bdberr.Code, line int, ok bool) {
	e, ok := p.errs.pop()
	return e.code, e.line, ok
}

func (p *Pool) seekPos(slot, off uint32) int64 {
	return int64(slot)*int64(p.chunkSize) + int64(off)
}

// growFor preallocates the pool file out to the end of slot so the
// write that follows doesn't fault in a fresh block through a sparse
// hole.
func (p *Pool) growFor(slot uint32) error {
	return diskfile.Grow(p.file, int64(slot+1)*int64(p.chunkSize))
}

// Write allocates a free slot and stores size bytes of data into it.
// If data is nil, the slot is zero-filled (used to preallocate a
// stream's destination chunk). size must not exceed ChunkSize().
func (p *Pool) Write(data []byte, size uint32) (uint32, error) {
	slot, ferr := p.ids.Acquire()
	if ferr != nil {
		return 0, ferr
	}
	if err := p.growFor(slot); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.DiskFull, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.DiskFull, 0, err)
	}
	if err := p.writeBody(slot, 0, data, size); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.SystemError, 0)
		return 0, err
	}
	if err := p.headers.Write(slot, headerpool.Header{Size: size}); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.SystemError, 0)
		return 0, err
	}
	if err := p.ids.Commit(slot); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.CommitFailure, 0)
		return 0, err
	}
	return slot, nil
}

// writeBody writes size bytes at off within slot; a nil data zero-fills.
func (p *Pool) writeBody(slot, off uint32, data []byte, size uint32) error {
	if data == nil {
		if size == 0 {
			return nil
		}
		zero := make([]byte, size)
		_, err := p.file.WriteAt(zero, p.seekPos(slot, off))
		return err
	}
	_, err := p.file.WriteAt(data[:size], p.seekPos(slot, off))
	return err
}

// WriteScatter allocates a free slot and fills it from a sequence of
// scatter sources in order (see ScatterSource) — the primitive
// MergeCopy/MergeMove use to assemble a chunk out of pieces of
// another pool's chunk without materializing the whole thing in
// memory first.
func (p *Pool) WriteScatter(sources []ScatterSource) (uint32, error) {
	var total uint32
	for _, s := range sources {
		total += s.size()
	}
	if total > p.chunkSize {
		return 0, bdberr.New(bdberr.Pool, bdberr.TooLarge, 0, nil)
	}
	slot, ferr := p.ids.Acquire()
	if ferr != nil {
		return 0, ferr
	}
	if err := p.growFor(slot); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.DiskFull, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.DiskFull, 0, err)
	}
	pos := p.seekPos(slot, 0)
	for _, s := range sources {
		n, err := p.writeScatterSource(pos, s)
		if err != nil {
			p.ids.Release(slot)
			p.onError(bdberr.SystemError, 0)
			return 0, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
		}
		pos += int64(n)
	}
	if err := p.headers.Write(slot, headerpool.Header{Size: total}); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.SystemError, 0)
		return 0, err
	}
	if err := p.ids.Commit(slot); err != nil {
		p.ids.Release(slot)
		p.onError(bdberr.CommitFailure, 0)
		return 0, err
	}
	return slot, nil
}

func (p *Pool) writeScatterSource(pos int64, s ScatterSource) (uint32, error) {
	switch s.Kind {
	case SourceRaw:
		_, err := p.file.WriteAt(s.Raw, pos)
		return uint32(len(s.Raw)), err
	case SourceGap:
		if s.Length == 0 {
			return 0, nil
		}
		zero := make([]byte, s.Length)
		_, err := p.file.WriteAt(zero, pos)
		return s.Length, err
	case SourceFile:
		remaining := s.Length
		srcOff := s.FileOffset
		for remaining > 0 {
			n := remaining
			if int(n) > len(p.migBuf) {
				n = uint32(len(p.migBuf))
			}
			buf := p.migBuf[:n]
			if _, err := io.ReadFull(io.NewSectionReader(s.File, srcOff, int64(n)), buf); err != nil {
				return s.Length - remaining, err
			}
			if _, err := p.file.WriteAt(buf, pos+int64(s.Length-remaining)); err != nil {
				return s.Length - remaining, err
			}
			srcOff += int64(n)
			remaining -= n
		}
		return s.Length, nil
	default:
		return 0, nil
	}
}

// Replace overwrites a whole slot's body and header with new content.
// slot must already be acquired.
func (p *Pool) Replace(data []byte, size uint32, slot uint32) (uint32, error) {
	if !p.ids.IsAcquired(slot) {
		p.onError(bdberr.NonExist, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	if err := p.writeBody(slot, 0, data, size); err != nil {
		p.onError(bdberr.SystemError, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
	}
	if err := p.headers.Write(slot, headerpool.Header{Size: size}); err != nil {
		p.onError(bdberr.SystemError, 0)
		return 0, err
	}
	return slot, nil
}

// InsertAt shifts the bytes of slot at and past offset to make room
// for data, then writes data at offset. If the bytes displaced past
// offset don't fit in the pool's migration buffer, the slot's content
// is migrated into a freshly allocated slot in dest instead (a
// MergeMove-shaped operation), and the new slot id is returned with
// movedTo set true. offset == NPOS means append at the slot's current
// logical end (no shifting).
func (p *Pool) InsertAt(data []byte, size uint32, slot uint32, offset uint32, dest *Pool) (newSlot uint32, movedTo bool, err error) {
	if !p.ids.IsAcquired(slot) {
		p.onError(bdberr.NonExist, 0)
		return 0, false, bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	h, err := p.Head(slot)
	if err != nil {
		return 0, false, err
	}
	at := offset
	if at == NPOS || at > h.Size {
		at = h.Size
	}
	tailLen := h.Size - at
	newSize := h.Size + size
	if newSize > p.chunkSize {
		if dest == nil || dest == p {
			p.onError(bdberr.TooLarge, 0)
			return 0, false, bdberr.New(bdberr.Pool, bdberr.TooLarge, 0, nil)
		}
		// Doesn't fit this size class at all: splice head/new/tail
		// straight into dest and free the old slot.
		ns, merr := dest.WriteScatter([]ScatterSource{
			FileRange(p.file, p.seekPos(slot, 0), at),
			Raw(data[:size]),
			FileRange(p.file, p.seekPos(slot, at), tailLen),
		})
		if merr != nil {
			return 0, false, merr
		}
		p.Free(slot)
		return ns, true, nil
	}
	if tailLen > uint32(len(p.migBuf)) {
		// The shifted tail doesn't fit the scratch buffer: move the
		// whole chunk rather than risk a partially-shifted slot that
		// can't be rolled back cleanly.
		if dest == nil {
			dest = p
		}
		ns, merr := dest.WriteScatter([]ScatterSource{
			FileRange(p.file, p.seekPos(slot, 0), at),
			Raw(data[:size]),
			FileRange(p.file, p.seekPos(slot, at), tailLen),
		})
		if merr != nil {
			return 0, false, merr
		}
		if err := p.Free(slot); err != nil {
			return 0, false, err
		}
		return ns, true, nil
	}
	// In place: buffer the tail, write data, restore the tail after it.
	tail := p.migBuf[:tailLen]
	if tailLen > 0 {
		if _, err := p.file.ReadAt(tail, p.seekPos(slot, at)); err != nil {
			p.onError(bdberr.SystemError, 0)
			return 0, false, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
		}
	}
	err = p.writeBody(slot, at, data, size)
	if err == nil && tailLen > 0 {
		_, err = p.file.WriteAt(tail, p.seekPos(slot, at+size))
	}
	if err != nil {
		// Roll back: the header still holds the old size, so putting the
		// buffered tail back at its original offset restores the slot.
		if _, rerr := p.file.WriteAt(tail, p.seekPos(slot, at)); rerr != nil {
			// Restoration also failed: the slot is now corrupt and
			// there is no further fallback.
			p.onError(bdberr.RollbackFailure, 0)
			return 0, false, bdberr.New(bdberr.Pool, bdberr.RollbackFailure, 0, rerr)
		}
		p.onError(bdberr.SystemError, 0)
		return 0, false, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
	}
	if err := p.headers.Write(slot, headerpool.Header{Size: newSize}); err != nil {
		p.onError(bdberr.SystemError, 0)
		return 0, false, err
	}
	return slot, false, nil
}

// Erase removes size bytes starting at offset within slot, shifting
// any following bytes left to close the gap, and returns the slot's
// new logical size.
func (p *Pool) Erase(slot uint32, offset uint32, size uint32) (uint32, error) {
	if !p.ids.IsAcquired(slot) {
		p.onError(bdberr.NonExist, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	h, err := p.Head(slot)
	if err != nil {
		return 0, err
	}
	if offset >= h.Size {
		return h.Size, nil
	}
	if offset+size > h.Size {
		size = h.Size - offset
	}
	tailLen := h.Size - offset - size
	for tailLen > 0 {
		n := tailLen
		if n > uint32(len(p.migBuf)) {
			n = uint32(len(p.migBuf))
		}
		buf := p.migBuf[:n]
		if _, err := p.file.ReadAt(buf, p.seekPos(slot, offset+size)); err != nil {
			p.onError(bdberr.SystemError, 0)
			return 0, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
		}
		if _, err := p.file.WriteAt(buf, p.seekPos(slot, offset)); err != nil {
			p.onError(bdberr.SystemError, 0)
			return 0, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
		}
		offset += n
		tailLen -= n
	}
	newSize := h.Size - size
	if err := p.headers.Write(slot, headerpool.Header{Size: newSize}); err != nil {
		p.onError(bdberr.SystemError, 0)
		return 0, err
	}
	return newSize, nil
}

// MergeCopy assembles a new slot in dest out of data spliced into a
// copy of srcSlot's content at offset (offset == NPOS means append),
// without modifying srcSlot.
func (p *Pool) MergeCopy(data []byte, size uint32, srcSlot uint32, offset uint32, dest *Pool) (uint32, error) {
	if !p.ids.IsAcquired(srcSlot) {
		p.onError(bdberr.NonExist, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	h, err := p.Head(srcSlot)
	if err != nil {
		return 0, err
	}
	at := offset
	if at == NPOS || at > h.Size {
		at = h.Size
	}
	tailLen := h.Size - at
	middle := Gap(size)
	if data != nil {
		middle = Raw(data[:size])
	}
	return dest.WriteScatter([]ScatterSource{
		FileRange(p.file, p.seekPos(srcSlot, 0), at),
		middle,
		FileRange(p.file, p.seekPos(srcSlot, at), tailLen),
	})
}

// MergeMove is MergeCopy followed by freeing srcSlot from p.
func (p *Pool) MergeMove(data []byte, size uint32, srcSlot uint32, offset uint32, dest *Pool) (uint32, error) {
	newSlot, err := p.MergeCopy(data, size, srcSlot, offset, dest)
	if err != nil {
		return 0, err
	}
	if err := p.Free(srcSlot); err != nil {
		return newSlot, err
	}
	return newSlot, nil
}

// Head returns the header stored for slot.
func (p *Pool) Head(slot uint32) (headerpool.Header, error) {
	h, err := p.headers.Read(slot)
	if err != nil {
		p.onError(bdberr.SystemError, 0)
		return headerpool.Header{}, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
	}
	return h, nil
}

// Read copies up to max bytes starting at offset within slot into
// output, returning the number of bytes copied. Reading past the
// slot's logical size returns 0, not an error.
func (p *Pool) Read(output []byte, max uint32, slot uint32, offset uint32) (uint32, error) {
	if !p.ids.IsAcquired(slot) {
		p.onError(bdberr.NonExist, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	h, err := p.Head(slot)
	if err != nil {
		return 0, err
	}
	if offset > h.Size {
		return 0, nil
	}
	toRead := h.Size - offset
	if toRead > max {
		toRead = max
	}
	if toRead == 0 {
		return 0, nil
	}
	n, err := p.file.ReadAt(output[:toRead], p.seekPos(slot, offset))
	if err != nil && uint32(n) < toRead {
		p.onError(bdberr.SystemError, 0)
		return 0, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
	}
	return toRead, nil
}

// ReadAll iteratively reads slot starting at offset into w, through
// the pool's migration buffer, stopping after maxTotal bytes or the
// end of the slot's logical content, whichever comes first.
func (p *Pool) ReadAll(w io.Writer, maxTotal uint32, slot uint32, offset uint32) (uint32, error) {
	var total uint32
	for total < maxTotal {
		want := maxTotal - total
		if want > uint32(len(p.migBuf)) {
			want = uint32(len(p.migBuf))
		}
		n, err := p.Read(p.migBuf[:want], want, slot, offset)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		if _, err := w.Write(p.migBuf[:n]); err != nil {
			return total, bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
		}
		offset += n
		total += n
	}
	return total, nil
}

// Overwrite writes size bytes at offset within slot without touching
// the header, used by streaming writes whose header was pre-set by
// the scatter-write that allocated the destination chunk.
func (p *Pool) Overwrite(data []byte, size uint32, slot uint32, offset uint32) error {
	if !p.ids.IsAcquired(slot) {
		p.onError(bdberr.NonExist, 0)
		return bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	if offset+size > p.chunkSize {
		p.onError(bdberr.TooLarge, 0)
		return bdberr.New(bdberr.Pool, bdberr.TooLarge, 0, nil)
	}
	if err := p.writeBody(slot, offset, data, size); err != nil {
		p.onError(bdberr.SystemError, 0)
		return bdberr.New(bdberr.Pool, bdberr.DiskFailure, 0, err)
	}
	return nil
}

// Free releases slot back to the id pool.
func (p *Pool) Free(slot uint32) error {
	if !p.ids.IsAcquired(slot) {
		p.onError(bdberr.NonExist, 0)
		return bdberr.New(bdberr.Pool, bdberr.NonExist, 0, nil)
	}
	if err := p.ids.Release(slot); err != nil {
		return err
	}
	return p.ids.Commit(slot)
}

// Pin sets slot's pinned flag (the id pool's lock bit). Free does not
// check the flag; the engine pins a writer's stale chunk and frees it
// only after its last reader finishes and unpins it.
func (p *Pool) Pin(slot uint32) error { return p.ids.Lock(slot) }

// Unpin clears a previous Pin.
func (p *Pool) Unpin(slot uint32) error { return p.ids.Unlock(slot) }

// IsPinned reports whether slot is currently pinned.
func (p *Pool) IsPinned(slot uint32) bool { return p.ids.IsLocked(slot) }

// Close flushes and closes the pool's backing files.
func (p *Pool) Close() error {
	p.headers.Close()
	p.ids.Close()
	return p.file.Close()
}

