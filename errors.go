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

import "github.com/behaviordb/behaviordb/bdberr"

// Error, Category, and Code are the engine's public error surface,
// aliased from bdberr so callers never need to import that package
// directly just to do errors.Is/errors.As against it.
type (
	Error    = bdberr.Error
	Category = bdberr.Category
	Code     = bdberr.Code
)

const (
	CategoryBasic      = bdberr.Basic
	CategoryIDPool     = bdberr.IDPool
	CategoryHeaderPool = bdberr.HeaderPool
	CategoryPool       = bdberr.Pool
	CategoryBDB        = bdberr.BDB
)

const (
	DiskFull        = bdberr.DiskFull
	DiskFailure     = bdberr.DiskFailure
	MemoryFull      = bdberr.MemoryFull
	WrongAddress    = bdberr.WrongAddress
	NotFound        = bdberr.NotFound
	TooLarge        = bdberr.TooLarge
	AddressOverflow = bdberr.AddressOverflow
	SystemError     = bdberr.SystemError
	DataTooBig      = bdberr.DataTooBig
	PoolLocked      = bdberr.PoolLocked
	NonExist        = bdberr.NonExist
	CommitFailure   = bdberr.CommitFailure
	RollbackFailure = bdberr.RollbackFailure
)

func newErr(cat Category, code Code, err error) *Error {
	return bdberr.New(cat, code, 0, err)
}
