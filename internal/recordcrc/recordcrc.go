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

// Package recordcrc frames transaction-log records with a SipHash-2-4
// checksum so that replay can distinguish a torn tail write (partial
// record) from a short-but-valid record landing exactly on a write
// boundary.
package recordcrc

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Size is the number of trailing checksum bytes appended to every
// framed record.
const Size = 8

// Key is a 128-bit SipHash key. Journals pick one key at creation
// and store it in the journal header (see idpool's trans-file format);
// the key only needs to distinguish torn writes from valid records, so
// it does not need to be secret.
type Key struct {
	K0, K1 uint64
}

// Frame appends a record's checksum to buf and returns the result.
func Frame(k Key, buf []byte) []byte {
	sum := siphash.Hash(k.K0, k.K1, buf)
	var tail [Size]byte
	binary.LittleEndian.PutUint64(tail[:], sum)
	return append(buf, tail[:]...)
}

// Verify checks a framed record (payload+checksum) and returns the
// unframed payload. ok is false if rec is shorter than Size or its
// checksum does not match, which callers treat as "torn tail, stop
// replaying here".
func Verify(k Key, rec []byte) (payload []byte, ok bool) {
	if len(rec) < Size {
		return nil, false
	}
	payload = rec[:len(rec)-Size]
	want := binary.LittleEndian.Uint64(rec[len(rec)-Size:])
	got := siphash.Hash(k.K0, k.K1, payload)
	return payload, want == got
}
