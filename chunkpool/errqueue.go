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

package chunkpool

import "github.com/behaviordb/behaviordb/bdberr"

// errQueueDepth bounds the per-pool error queue, as the original
// engine's queue is bounded: a fixed ring with drop-oldest-on-overflow
// keeps a pool that's failing every call from growing memory without
// limit.
const errQueueDepth = 64

type errEvent struct {
	code bdberr.Code
	line int
}

// errRing is a small fixed-capacity ring buffer of (code, line)
// pairs, draining oldest-first. It intentionally drops the oldest
// entry on overflow rather than growing: a pool flooding the queue is
// already reporting every call as an error, so the newest entries are
// rarely more informative than the ones they'd displace, but an
// unbounded queue is a real leak under that condition.
type errRing struct {
	buf        [errQueueDepth]errEvent
	head, size int
}

func (r *errRing) push(code bdberr.Code, line int) {
	tail := (r.head + r.size) % errQueueDepth
	r.buf[tail] = errEvent{code: code, line: line}
	if r.size < errQueueDepth {
		r.size++
	} else {
		r.head = (r.head + 1) % errQueueDepth
	}
}

func (r *errRing) pop() (errEvent, bool) {
	if r.size == 0 {
		return errEvent{}, false
	}
	e := r.buf[r.head]
	r.head = (r.head + 1) % errQueueDepth
	r.size--
	return e, true
}
