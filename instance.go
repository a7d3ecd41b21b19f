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
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// instanceToken derives the token stamped into the directory lock
// file (the access.log banner carries its own random uuid instead):
// a blake2b hash of hostname, pid,
// and a fresh random uuid, the same "don't reach for stdlib crypto
// when x/crypto already covers it" preference the teacher shows in
// its own config-hashing helpers.
func instanceToken() string {
	host, _ := os.Hostname()
	seed := fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.New().String())
	sum := blake2b.Sum256([]byte(seed))
	return fmt.Sprintf("%x", sum[:8])
}
