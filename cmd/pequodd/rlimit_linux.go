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

//go:build linux

package main

import (
	"log"

	"golang.org/x/sys/unix"
)

// raiseFileLimit raises RLIMIT_NOFILE to its hard ceiling. A table and
// every SourceRange installed on it are cheap in-process objects with
// no descriptor of their own, but a workload that registers many joins
// against many tables can still end up opening more files than usual
// through collaborators (cold-storage dumps, debug sockets); this is a
// boot-time diagnostic, not something the engine depends on for
// correctness.
func raiseFileLimit(logger *log.Logger) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		logger.Printf("warning: Getrlimit(RLIMIT_NOFILE): %s", err)
		return
	}
	if rl.Cur >= rl.Max {
		logger.Printf("fd limit: %d (already at max)", rl.Cur)
		return
	}
	want := rl.Cur
	rl.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		logger.Printf("warning: Setrlimit(RLIMIT_NOFILE, %d): %s", rl.Max, err)
		return
	}
	logger.Printf("fd limit: raised from %d to %d", want, rl.Cur)
}
