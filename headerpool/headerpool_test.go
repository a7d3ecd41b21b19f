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

package headerpool

import (
	"path/filepath"
	"testing"
)

func TestReadUnwrittenSlotIsZero(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "x.header"))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	h, err := p.Read(42)
	if err != nil {
		t.Fatal(err)
	}
	if h.Size != 0 {
		t.Fatalf("expected zero-valued header, got %+v", h)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "x.header"))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Write(3, Header{Size: 123}); err != nil {
		t.Fatal(err)
	}
	h, err := p.Read(3)
	if err != nil {
		t.Fatal(err)
	}
	if h.Size != 123 {
		t.Fatalf("Read(3) = %+v, want Size=123", h)
	}
	// slot 0 was never written but the file was extended past it
	h0, err := p.Read(0)
	if err != nil {
		t.Fatal(err)
	}
	if h0.Size != 0 {
		t.Fatalf("Read(0) = %+v, want zero", h0)
	}
}

func TestWriteOutOfOrderExtendsFile(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "x.header"))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Write(100, Header{Size: 7}); err != nil {
		t.Fatal(err)
	}
	h, _ := p.Read(100)
	if h.Size != 7 {
		t.Fatalf("Read(100) = %+v, want Size=7", h)
	}
}
