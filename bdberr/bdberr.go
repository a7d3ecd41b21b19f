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

// Package bdberr collapses the store's several error namespaces
// (the id-pool allocator, the header pool, the chunk pool, and the
// engine façade) into one categorized error type with a shared set of
// codes, so a caller can test "is this a not-found" without caring
// which subsystem raised it.
package bdberr

import "fmt"

// Category identifies which subsystem raised an Error.
type Category int

const (
	Basic Category = iota
	IDPool
	HeaderPool
	Pool
	BDB
)

func (c Category) String() string {
	switch c {
	case Basic:
		return "basic"
	case IDPool:
		return "id_pool"
	case HeaderPool:
		return "header_pool"
	case Pool:
		return "pool"
	case BDB:
		return "bdb"
	default:
		return "unknown"
	}
}

// Code is a condition shared across every Category; see §6/§7 of the
// spec this package implements.
type Code int

const (
	DiskFull Code = iota
	DiskFailure
	MemoryFull
	WrongAddress
	NotFound
	TooLarge
	AddressOverflow
	SystemError
	DataTooBig
	PoolLocked
	NonExist
	CommitFailure
	RollbackFailure
)

func (c Code) String() string {
	switch c {
	case DiskFull:
		return "disk_full"
	case DiskFailure:
		return "disk_failure"
	case MemoryFull:
		return "memory_full"
	case WrongAddress:
		return "wrong_address"
	case NotFound:
		return "not_found"
	case TooLarge:
		return "too_large"
	case AddressOverflow:
		return "address_overflow"
	case SystemError:
		return "system_error"
	case DataTooBig:
		return "data_too_big"
	case PoolLocked:
		return "pool_locked"
	case NonExist:
		return "non_exist"
	case CommitFailure:
		return "commit_failure"
	case RollbackFailure:
		return "rollback_failure"
	default:
		return "unknown"
	}
}

// Error is the one error type every public operation in this module
// returns on failure. Category records which subsystem raised it;
// Code is the condition from §6/§7, comparable across categories via
// Is so callers can match on "not found" without caring whether it
// came from the handle table or a chunk pool.
type Error struct {
	Category Category
	Code     Code
	Line     int // source line of the originating raise site, 0 if not recorded
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements the equivalence relation §9 asks for: any Error with
// the same Code is considered equal regardless of Category, so
// errors.Is(err, bdberr.NotFound.Sentinel()) matches a not_found
// raised by the chunk pool or the handle table alike.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an Error. line is the caller's own source line (mirrors
// the original engine's on_error(code, __LINE__) pattern), or 0 where
// the caller records none. error.log rows are built from each chunk
// pool's own (code, line) queue, not from this field.
func New(cat Category, code Code, line int, err error) *Error {
	return &Error{Category: cat, Code: code, Line: line, Err: err}
}

// Sentinel returns a comparable *Error carrying only this code, for
// use with errors.Is.
func (c Code) Sentinel() *Error { return &Error{Code: c} }
