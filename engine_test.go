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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/behaviordb/behaviordb/chunkpool"
	"github.com/behaviordb/behaviordb/config"
)

// openTestEngine builds the §8 worked-example configuration: min_size=32,
// dir_count=16 (doubling), beg=0, end=100000. prefix_bits=20 leaves
// each pool room for 2^20 live slots (far more than any test here
// allocates) while still leaving 12 high bits to tell the 16 dirs
// apart.
func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		RootDir:    t.TempDir(),
		MinSize:    32,
		PrefixBits: 20,
		DirCount:   16,
		Beg:        0,
		End:        100000,
	}
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// Scenario 1: single 4-byte round trip in dir=0.
func TestPutGetDelRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("yang"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf := make([]byte, 64)
	n, err := e.Get(buf, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(buf[:n]) != "yang" {
		t.Fatalf("Get = %q, want %q", buf[:n], "yang")
	}
	if err := e.Del(h); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, _, _, err := e.resolve(h); err == nil {
		t.Fatal("expected handle to be gone after Del")
	}
}

// Scenario 2: insert within dir=0 appends in place and keeps the handle.
func TestPutAtWithinSameDir(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("yang"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := e.PutAt([]byte("acer"), h, chunkpool.NPOS)
	if err != nil {
		t.Fatalf("PutAt: %v", err)
	}
	if h2 != h {
		t.Fatalf("PutAt handle changed: got %d, want %d", h2, h)
	}
	buf := make([]byte, 64)
	n, err := e.Get(buf, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(buf[:n]) != "yangacer" {
		t.Fatalf("Get = %q, want %q", buf[:n], "yangacer")
	}
}

// Scenario 3: growing past dir=0's 32-byte ceiling migrates to dir=1
// while the handle stays the same.
func TestPutAtMigratesAcrossDirs(t *testing.T) {
	e := openTestEngine(t)
	a := bytes.Repeat([]byte("A"), 30)
	b := bytes.Repeat([]byte("B"), 10)
	h, err := e.Put(a)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := e.PutAt(b, h, chunkpool.NPOS)
	if err != nil {
		t.Fatalf("PutAt: %v", err)
	}
	if h2 != h {
		t.Fatalf("handle changed across migration: got %d, want %d", h2, h)
	}
	internal, dir, _, err := e.resolve(h)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir != 1 {
		t.Fatalf("expected migration to dir=1, got dir=%d (internal=%x)", dir, internal)
	}
	buf := make([]byte, 64)
	n, err := e.Get(buf, h, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := string(a) + string(b)
	if string(buf[:n]) != want {
		t.Fatalf("Get = %q, want %q", buf[:n], want)
	}
}

// Scenario 4: 10000 puts followed by 10000 dels restores availability.
func TestBulkPutDelRestoresAvailability(t *testing.T) {
	e := openTestEngine(t)
	const n = 10000
	handles := make([]uint32, n)
	for i := 0; i < n; i++ {
		h, err := e.Put([]byte("acer"))
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		handles[i] = h
	}
	for i, h := range handles {
		if err := e.Del(h); err != nil {
			t.Fatalf("del %d (handle %d): %v", i, h, err)
		}
	}
	if !e.handles.Avail() {
		t.Fatal("expected handle table availability restored after bulk delete")
	}
}

// Update must make get() return exactly the new bytes, whether or not
// the new size forces migration to a different size class.
func TestUpdateInPlaceAndMigrating(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("short"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.Update([]byte("still-short"), h); err != nil {
		t.Fatalf("Update (in place): %v", err)
	}
	buf := make([]byte, 64)
	n, _ := e.Get(buf, h, 0)
	if string(buf[:n]) != "still-short" {
		t.Fatalf("Get after in-place update = %q", buf[:n])
	}

	big := bytes.Repeat([]byte("z"), 100)
	if _, err := e.Update(big, h); err != nil {
		t.Fatalf("Update (migrating): %v", err)
	}
	buf = make([]byte, 200)
	n, _ = e.Get(buf, h, 0)
	if !bytes.Equal(buf[:n], big) {
		t.Fatalf("Get after migrating update: got %d bytes, want %d", n, len(big))
	}
}

// Insert at an arbitrary offset splices old[0:offset] ++ data ++ old[offset:].
func TestPutAtArbitraryOffset(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.PutAt([]byte("brave new "), h, 6); err != nil {
		t.Fatalf("PutAt: %v", err)
	}
	buf := make([]byte, 64)
	n, _ := e.Get(buf, h, 0)
	want := "hello brave new world"
	if string(buf[:n]) != want {
		t.Fatalf("Get = %q, want %q", buf[:n], want)
	}
}

// del(h, offset, n) removes old[offset:offset+n], clamped to the tail.
func TestDelRangeSplices(t *testing.T) {
	e := openTestEngine(t)
	h, err := e.Put([]byte("hello brave new world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.DelRange(h, 6, 10); err != nil {
		t.Fatalf("DelRange: %v", err)
	}
	buf := make([]byte, 64)
	n, _ := e.Get(buf, h, 0)
	want := "hello world"
	if string(buf[:n]) != want {
		t.Fatalf("Get = %q, want %q", buf[:n], want)
	}

	// n clamped to old_size - offset when it overruns the tail.
	size, err := e.DelRange(h, 5, 1000)
	if err != nil {
		t.Fatalf("DelRange (clamped): %v", err)
	}
	if size != 5 {
		t.Fatalf("new size = %d, want 5", size)
	}
	n, _ = e.Get(buf, h, 0)
	if string(buf[:n]) != "hello" {
		t.Fatalf("Get after clamped DelRange = %q", buf[:n])
	}
}

func TestGetUnknownHandleReturnsNotFound(t *testing.T) {
	e := openTestEngine(t)
	buf := make([]byte, 8)
	if _, err := e.Get(buf, 0xFFFFFF, 0); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestDataTooBigIsReported(t *testing.T) {
	e := openTestEngine(t)
	// largest dir is 32<<15 bytes; one byte over that can't be placed.
	huge := make([]byte, 32<<15+1)
	if _, err := e.Put(huge); err == nil {
		t.Fatal("expected DataTooBig error")
	}
}

func TestAccessLogRecordsOperations(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.Put([]byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e.access.Close()
	raw, err := os.ReadFile(filepath.Join(e.cfg.LogPath(), "access.log"))
	if err != nil {
		t.Fatalf("reading access.log: %v", err)
	}
	if !strings.Contains(string(raw), "put") {
		t.Fatalf("access.log missing put entry: %q", raw)
	}
}
