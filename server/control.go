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

package server

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/pequodb/pequod/str"
)

// Control implements control(cmd) from spec.md §6. Supported commands:
//
//	stats                 -- same payload as Stats(), JSON-encoded.
//	dump <table>          -- S2-compressed export of one table's full
//	                          scan, for a cold-storage collaborator.
//
// Unknown commands and dump of an unregistered table both report a
// Json{status:"error", message:...} payload rather than a Go error,
// matching spec.md §7's "flow back to the caller as a Json message"
// propagation policy for structural/request-level problems.
func (s *Server) Control(cmd string, args ...string) ([]byte, error) {
	switch cmd {
	case "stats":
		return json.Marshal(s.Stats())
	case "dump":
		if len(args) != 1 {
			return errJSON("dump requires exactly one table argument")
		}
		return s.dump(str.Str(args[0]))
	default:
		return errJSON(fmt.Sprintf("unknown control command %q", cmd))
	}
}

func errJSON(message string) ([]byte, error) {
	return json.Marshal(map[string]string{"status": "error", "message": message})
}

// maxKeySentinel is an exclusive upper bound wider than any key a real
// pattern produces, used to scan a table end to end without knowing
// its row width up front.
var maxKeySentinel = str.Str(bytesRepeat(0xFF, 256))

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// dump S2-compresses a table's full scan as a sequence of
// length-prefixed key/value records, the simplest wire shape a
// cold-storage collaborator can decode without sharing this package's
// types. The whole plaintext buffer is compressed as one s2 block,
// mirroring the teacher's compr.s2Compressor block-encode idiom rather
// than the streaming s2.Writer, since a table dump is produced and
// consumed as a single unit, not an open stream.
func (s *Server) dump(tableName str.Str) ([]byte, error) {
	t, ok := s.table(tableName)
	if !ok {
		return errJSON(fmt.Sprintf("unregistered table %q", tableName))
	}
	var plain []byte
	for _, d := range t.ScanAll(str.Str(""), maxKeySentinel) {
		plain = appendRecord(plain, d.Key)
		plain = appendRecord(plain, d.Value)
	}
	return s2.Encode(nil, plain), nil
}

// appendRecord appends a 4-byte big-endian length prefix followed by
// v's bytes.
func appendRecord(dst []byte, v str.Str) []byte {
	b := v.Bytes()
	n := len(b)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, b...)
}
