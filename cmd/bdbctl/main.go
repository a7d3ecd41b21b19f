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

// Command bdbctl is a thin harness over a BehaviorDB store directory:
// put/get/del/stat, each a direct engine call bracketed by flag
// parsing (get first asks Head for the blob's size). It exists for manual poking at a store, not production use.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	behaviordb "github.com/behaviordb/behaviordb"
	"github.com/behaviordb/behaviordb/config"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	cfgPath := os.Args[1]
	cmd := os.Args[2]
	args := os.Args[3:]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	e, err := behaviordb.Open(cfg)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer e.Close()

	switch cmd {
	case "put":
		runPut(e, args)
	case "get":
		runGet(e, args)
	case "del":
		runDel(e, args)
	case "stat":
		runStat(e, args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bdbctl <config.yaml> <put|get|del|stat> [args]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runPut(e *behaviordb.Engine, args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	fs.Parse(args)
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatalf("read stdin: %v", err)
	}
	handle, err := e.Put(data)
	if err != nil {
		fatalf("put: %v", err)
	}
	fmt.Println(handle)
}

func runGet(e *behaviordb.Engine, args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("get: missing handle")
	}
	handle := parseHandle(fs.Arg(0))
	size, err := e.Head(handle)
	if err != nil {
		fatalf("get: %v", err)
	}
	buf := make([]byte, size)
	n, err := e.Get(buf, handle, 0)
	if err != nil {
		fatalf("get: %v", err)
	}
	os.Stdout.Write(buf[:n])
}

func runDel(e *behaviordb.Engine, args []string) {
	fs := flag.NewFlagSet("del", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("del: missing handle")
	}
	if err := e.Del(parseHandle(fs.Arg(0))); err != nil {
		fatalf("del: %v", err)
	}
}

func runStat(e *behaviordb.Engine, args []string) {
	snap := e.Stats()
	for _, p := range snap.Pools {
		fmt.Printf("dir=%-3d acquired=%-8d free=%-8d range=[%d,%d)\n", p.Dir, p.Acquired, p.Free, p.Begin, p.End)
	}
	fmt.Printf("handles  acquired=%-8d free=%-8d range=[%d,%d)\n", snap.Handle.Acquired, snap.Handle.Free, snap.Handle.Begin, snap.Handle.End)
}

func parseHandle(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fatalf("invalid handle %q: %v", s, err)
	}
	return uint32(v)
}
