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

package join

import (
	"testing"

	"github.com/pequodb/pequod/str"
)

const copySpec = `
p posts|U:5|P:1|
timeline|U:5|P:1|
copy
`

func TestParseCopyJoin(t *testing.T) {
	j, err := Parse(copySpec)
	if err != nil {
		t.Fatal(err)
	}
	if j.Kind != Copy {
		t.Fatalf("kind = %v, want copy", j.Kind)
	}
	if j.BackSourceTable() != "posts" {
		t.Fatalf("back source table = %q", j.BackSourceTable())
	}
	if j.SinkTable != "timeline" {
		t.Fatalf("sink table = %q", j.SinkTable)
	}
	sinkKey, ok, err := j.ExpandStr(str.Str("alice" + "1"))
	if err != nil || !ok {
		t.Fatalf("Expand failed: ok=%v err=%v", ok, err)
	}
	if sinkKey != str.Str("alice"+"1") {
		t.Fatalf("unexpected sink key %q", sinkKey)
	}
}

func TestParseRejectsUnboundSinkSlot(t *testing.T) {
	spec := `
p posts|U:5|
timeline|U:5|P:1|
copy
`
	if _, err := Parse(spec); err == nil {
		t.Fatal("expected error for sink slot P unbound by any source")
	}
}

func TestParseBounds(t *testing.T) {
	spec := `
p events|T:2|V:1|
cnt|T:2|
count bounds 10,100
`
	j, err := Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	if !j.Bounds.Admits(50) || j.Bounds.Admits(5) || j.Bounds.Admits(100) {
		t.Fatal("bounds admission logic incorrect")
	}
}

func TestDigestStableAcrossParses(t *testing.T) {
	a, err := Parse(copySpec)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(copySpec)
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != b.Digest {
		t.Fatal("identical join specs should content-address to the same digest")
	}
	if a.ID == b.ID {
		t.Fatal("IDs should still be distinct per registration")
	}
}
