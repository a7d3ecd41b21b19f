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
	"bytes"
	"testing"
)

// Scenario 5: a fresh write stream assembled from ten 10-byte chunks.
func TestStreamWriteFreshHandle(t *testing.T) {
	e := openTestEngine(t)
	id, err := e.OStream(100)
	if err != nil {
		t.Fatalf("OStream: %v", err)
	}
	var want bytes.Buffer
	for k := 0; k < 10; k++ {
		chunk := bytes.Repeat([]byte{byte('a' + k)}, 10)
		want.Write(chunk)
		if err := e.StreamWrite(id, chunk); err != nil {
			t.Fatalf("StreamWrite %d: %v", k, err)
		}
	}
	h, err := e.StreamFinish(id)
	if err != nil {
		t.Fatalf("StreamFinish: %v", err)
	}
	buf := make([]byte, 100)
	n, err := e.Get(buf, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(buf[:n], want.Bytes()) {
		t.Fatalf("Get = %q, want %q", buf[:n], want.Bytes())
	}
}

// Finishing a write stream short of its declared size aborts instead
// of finalizing, per §4.5.
func TestStreamFinishShortAborts(t *testing.T) {
	e := openTestEngine(t)
	id, err := e.OStream(100)
	if err != nil {
		t.Fatalf("OStream: %v", err)
	}
	if err := e.StreamWrite(id, bytes.Repeat([]byte{'a'}, 50)); err != nil {
		t.Fatalf("StreamWrite: %v", err)
	}
	if _, err := e.StreamFinish(id); err == nil {
		t.Fatal("expected StreamFinish to fail when used < size")
	}
	if _, err := e.streams.get(id); err == nil {
		t.Fatal("expected aborted stream session to be removed from the table")
	}
}

func TestStreamAbortFreesDestinationSlot(t *testing.T) {
	e := openTestEngine(t)
	id, err := e.OStream(16)
	if err != nil {
		t.Fatalf("OStream: %v", err)
	}
	st, _ := e.streams.get(id)
	dir, slot := st.destDir, st.destSlot
	if err := e.StreamAbort(id); err != nil {
		t.Fatalf("StreamAbort: %v", err)
	}
	if e.pools[dir].IsPinned(slot) {
		t.Fatal("aborted destination slot should not be pinned")
	}
	if e.pools[dir].IDs().IsAcquired(slot) {
		t.Fatal("aborted destination slot should be released")
	}
	// A freed slot is available for reuse by the next allocation.
	if _, _, err := e.allocate(nil, e.pools[dir].ChunkSize()); err != nil {
		t.Fatalf("allocate after abort: %v", err)
	}
}

// Scenario 6: a reader started before a concurrent streamed write over
// the same handle keeps seeing the pre-write body until it finishes,
// and the stale slot is freed exactly once both sides are done.
func TestReaderPinningAcrossConcurrentWrite(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("original-body"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, srcDir, srcSlot, err := e.resolve(h)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rid, err := e.IStream(uint32(len("original-body")), h, 0)
	if err != nil {
		t.Fatalf("IStream: %v", err)
	}

	wid, err := e.OStreamAt(6, h, 0)
	if err != nil {
		t.Fatalf("OStreamAt: %v", err)
	}
	if err := e.StreamWrite(wid, []byte("NEWBIT")); err != nil {
		t.Fatalf("StreamWrite: %v", err)
	}
	if _, err := e.StreamFinish(wid); err != nil {
		t.Fatalf("StreamFinish (write): %v", err)
	}

	// The writer's finish must have deferred the free: the reader
	// hasn't finished yet, so the old slot is still pinned, not freed.
	if !e.pools[srcDir].IsPinned(srcSlot) {
		t.Fatal("expected old slot to be pinned while a reader is still active")
	}

	readBuf := make([]byte, 32)
	n, err := e.StreamRead(rid, readBuf)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if string(readBuf[:n]) != "original-body" {
		t.Fatalf("reader observed %q, want pre-write body %q", readBuf[:n], "original-body")
	}
	if _, err := e.StreamFinish(rid); err != nil {
		t.Fatalf("StreamFinish (read): %v", err)
	}

	if e.pools[srcDir].IsPinned(srcSlot) {
		t.Fatal("expected old slot to be unpinned once the last reader finished")
	}

	buf := make([]byte, 32)
	n, err = e.Get(buf, h, 0)
	if err != nil {
		t.Fatalf("Get after both streams finished: %v", err)
	}
	want := "NEWBIToriginal-body"
	if string(buf[:n]) != want {
		t.Fatalf("Get = %q, want %q", buf[:n], want)
	}
}

func TestStreamPauseResumeExpire(t *testing.T) {
	e := openTestEngine(t)
	id, err := e.OStream(16)
	if err != nil {
		t.Fatalf("OStream: %v", err)
	}
	token, err := e.StreamPause(id)
	if err != nil {
		t.Fatalf("StreamPause: %v", err)
	}
	if _, err := e.streams.get(id); err != nil {
		t.Fatalf("paused session should still exist in the table: %v", err)
	}
	resumed, err := e.StreamResume(token)
	if err != nil {
		t.Fatalf("StreamResume: %v", err)
	}
	if resumed != id {
		t.Fatalf("StreamResume = %d, want %d", resumed, id)
	}
	if _, err := e.StreamResume(token); err == nil {
		t.Fatal("expected a second resume of the same token to fail")
	}

	token2, err := e.StreamPause(id)
	if err != nil {
		t.Fatalf("StreamPause (2nd): %v", err)
	}
	if err := e.StreamExpire(token2); err != nil {
		t.Fatalf("StreamExpire: %v", err)
	}
	if _, err := e.streams.get(id); err == nil {
		t.Fatal("expected expired session to be torn down")
	}
}

func TestOStreamAtLocksHandleAgainstSecondWriter(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	wid, err := e.OStreamAt(4, h, 0)
	if err != nil {
		t.Fatalf("OStreamAt: %v", err)
	}
	if _, err := e.OStreamAt(4, h, 0); err == nil {
		t.Fatal("expected a second OStreamAt on a locked handle to fail")
	}
	if _, err := e.IStream(4, h, 0); err == nil {
		t.Fatal("expected IStream on a locked (write-in-progress) handle to fail")
	}
	if err := e.StreamWrite(wid, []byte("abcd")); err != nil {
		t.Fatalf("StreamWrite: %v", err)
	}
	if _, err := e.StreamFinish(wid); err != nil {
		t.Fatalf("StreamFinish: %v", err)
	}
}
