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
	"bufio"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/behaviordb/behaviordb/internal/recordcrc"
)

// Op identifies the kind of mutation a transaction-log record encodes.
type Op byte

const (
	OpAcquire Op = 1 + iota
	OpRelease
	OpLock
	OpUnlock
	OpAcquireValue // id-value pool only: carries a 4-byte value
	OpUpdateValue  // id-value pool only: carries a 4-byte value
)

var journalMagic = [4]byte{'B', 'D', 'B', 'J'}

const journalVersion = 1

// headerSize is magic(4) + version(1) + siphash key(16).
const headerSize = 4 + 1 + 16

// journal is the durable append log behind a Pool or a ValuePool. Every
// mutating call appends a framed record; nothing is fsynced to disk
// until Commit flushes the buffered writer and syncs the file.
type journal struct {
	f        *os.File
	buf      *bufio.Writer
	key      recordcrc.Key
	valueLen int
}

// recoveryNoticeFunc is invoked once, during replay, if a torn tail
// record is discarded. The engine wires this into its diagnostic log.
type recoveryNoticeFunc func(path string, goodRecords int, discardedBytes int)

func openJournal(path string, valueLen int, apply func(op Op, id uint32, value []byte), notice recoveryNoticeFunc) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	j := &journal{f: f, buf: bufio.NewWriterSize(f, 4096), valueLen: valueLen}
	if fi.Size() == 0 {
		j.key = newKey()
		if err := j.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return j, nil
	}
	if err := j.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := j.replay(valueLen, apply, notice); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func newKey() recordcrc.Key {
	var buf [16]byte
	if _, err := crand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; fall back to a fixed key rather than panicking, since
		// the checksum only needs to catch torn writes, not attackers.
		return recordcrc.Key{K0: 0x5bd1e995, K1: 0xc2b2ae35}
	}
	return recordcrc.Key{
		K0: binary.LittleEndian.Uint64(buf[0:8]),
		K1: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

func (j *journal) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[0:4], journalMagic[:])
	hdr[4] = journalVersion
	binary.LittleEndian.PutUint64(hdr[5:13], j.key.K0)
	binary.LittleEndian.PutUint64(hdr[13:21], j.key.K1)
	if _, err := j.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	if _, err := j.f.Seek(headerSize, io.SeekStart); err != nil {
		return err
	}
	return j.f.Sync()
}

func (j *journal) readHeader() error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(j.f, 0, headerSize), hdr[:]); err != nil {
		return fmt.Errorf("idpool: reading journal header: %w", err)
	}
	if [4]byte(hdr[0:4]) != journalMagic {
		return fmt.Errorf("idpool: %s: bad journal magic", j.f.Name())
	}
	if hdr[4] != journalVersion {
		return fmt.Errorf("idpool: %s: unsupported journal version %d", j.f.Name(), hdr[4])
	}
	j.key.K0 = binary.LittleEndian.Uint64(hdr[5:13])
	j.key.K1 = binary.LittleEndian.Uint64(hdr[13:21])
	if _, err := j.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// recordLen is 1 (op) + 4 (id) + valueLen, before framing.
func recordLen(valueLen int) int { return 1 + 4 + valueLen }

// append always emits a record of exactly recordLen(j.valueLen) bytes,
// regardless of how much of value the caller supplies: every record in
// a given journal must be the same width or replay's fixed-stride scan
// misaligns on the first record of a different size (e.g. a Lock/Unlock
// call on an id-value pool, which carries no value of its own). value
// is copied into the low bytes of the record's value field and the
// rest left zeroed.
func (j *journal) append(op Op, id uint32, value []byte) error {
	payload := make([]byte, recordLen(j.valueLen))
	payload[0] = byte(op)
	binary.LittleEndian.PutUint32(payload[1:5], id)
	copy(payload[5:], value)
	framed := recordcrc.Frame(j.key, payload)
	_, err := j.buf.Write(framed)
	return err
}

// commit flushes buffered records and fsyncs the file; only after this
// returns are the appended records crash-safe.
func (j *journal) commit() error {
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.f.Sync()
}

func (j *journal) close() error {
	j.buf.Flush()
	return j.f.Close()
}

// replay reads every well-formed record after the header and invokes
// apply for each. It stops at the first record that fails its
// checksum (a torn tail write) and reports the discard via notice.
func (j *journal) replay(valueLen int, apply func(op Op, id uint32, value []byte), notice recoveryNoticeFunc) error {
	raw, err := io.ReadAll(io.NewSectionReader(j.f, headerSize, 1<<62))
	if err != nil {
		return err
	}
	recSize := recordLen(valueLen) + recordcrc.Size
	good := 0
	off := 0
	for off+recSize <= len(raw) {
		rec := raw[off : off+recSize]
		payload, ok := recordcrc.Verify(j.key, rec)
		if !ok {
			break
		}
		op := Op(payload[0])
		id := binary.LittleEndian.Uint32(payload[1:5])
		var value []byte
		if valueLen > 0 {
			value = payload[5 : 5+valueLen]
		}
		apply(op, id, value)
		good++
		off += recSize
	}
	if off != len(raw) {
		if notice != nil {
			notice(j.f.Name(), good, len(raw)-off)
		}
		// truncate the torn tail so future appends start clean and a
		// second replay doesn't have to re-skip the same garbage.
		if err := j.f.Truncate(int64(headerSize + off)); err != nil {
			return err
		}
	}
	if _, err := j.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}
