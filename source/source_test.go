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

package source

import (
	"testing"

	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/pattern"
	"github.com/pequodb/pequod/str"
	"github.com/pequodb/pequod/table"
)

type fakeAcct struct{ n int }

func (a *fakeAcct) AddKeyBytes(n int) { a.n += n }

// installRange parses spec, narrows the back source's range to the
// single Match m, and subscribes the resulting Range to src.
func installRange(t *testing.T, spec string, src, dst *table.Table, m pattern.Match) *Range {
	t.Helper()
	j, err := join.Parse(spec)
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	ibegin, iend := j.BackSource().RangeFor(m)
	r := New(&fakeAcct{}, j, dst, m, ibegin, iend)
	src.Subscribe(r)
	return r
}

func TestNotifyCopyInsertEraseUpdate(t *testing.T) {
	spec := `
p posts|U:5|P:3|
timeline|U:5|P:3|
copy
`
	src := table.New("posts")
	dst := table.New("timeline")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "hello")
	if d, ok := dst.Get("alice" + "001"); !ok || d.Value != "hello" {
		t.Fatalf("copy insert failed: %+v %v", d, ok)
	}
	src.Insert("alice"+"001", "world")
	if d, ok := dst.Get("alice" + "001"); !ok || d.Value != "world" {
		t.Fatalf("copy update failed: %+v %v", d, ok)
	}
	src.Erase("alice" + "001")
	if _, ok := dst.Get("alice" + "001"); ok {
		t.Fatal("copy erase should remove the sink datum")
	}
}

func TestNotifyCountInsertEraseUpdate(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bycount|U:5|
count
`
	src := table.New("posts")
	dst := table.New("bycount")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "x")
	src.Insert("alice"+"002", "x")
	if d, ok := dst.Get("alice"); !ok || d.Value != "2" {
		t.Fatalf("count = %+v %v, want 2", d, ok)
	}
	src.Insert("alice"+"001", "y") // pure value update, count unchanged
	if d, _ := dst.Get("alice"); d.Value != "2" {
		t.Fatalf("count after update = %q, want unchanged 2", d.Value)
	}
	src.Erase("alice" + "001")
	if d, ok := dst.Get("alice"); !ok || d.Value != "1" {
		t.Fatalf("count after erase = %+v %v, want 1", d, ok)
	}
}

func TestNotifyMinTracksLowestAndIgnoresNonExtremeErase(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bymin|U:5|
min
`
	src := table.New("posts")
	dst := table.New("bymin")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "50")
	src.Insert("alice"+"002", "30")
	if d, ok := dst.Get("alice"); !ok || d.Value != "30" {
		t.Fatalf("min = %+v %v, want 30", d, ok)
	}
	// erasing the non-extreme value is a documented no-op, not a panic
	src.Erase("alice" + "001")
	if d, ok := dst.Get("alice"); !ok || d.Value != "30" {
		t.Fatalf("min after non-extreme erase = %+v %v, want unchanged 30", d, ok)
	}
}

func TestNotifyMinErasingCurrentMinPanics(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bymin|U:5|
min
`
	src := table.New("posts")
	dst := table.New("bymin")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "30")
	src.Insert("alice"+"002", "50")

	defer func() {
		if recover() == nil {
			t.Fatal("erasing the current min should panic, requiring a reseed")
		}
	}()
	src.Erase("alice" + "001")
}

func TestNotifyMaxTracksHighest(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bymax|U:5|
max
`
	src := table.New("posts")
	dst := table.New("bymax")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "10")
	src.Insert("alice"+"002", "90")
	if d, ok := dst.Get("alice"); !ok || d.Value != "90" {
		t.Fatalf("max = %+v %v, want 90", d, ok)
	}
	src.Erase("alice" + "001") // non-extreme, safe no-op
	if d, _ := dst.Get("alice"); d.Value != "90" {
		t.Fatalf("max after non-extreme erase = %q, want unchanged 90", d.Value)
	}
}

func TestNotifySumAccumulatesAcrossInsertUpdateErase(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bysum|U:5|
sum
`
	src := table.New("posts")
	dst := table.New("bysum")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "10")
	src.Insert("alice"+"002", "20")
	if d, ok := dst.Get("alice"); !ok || d.Value != "30" {
		t.Fatalf("sum = %+v %v, want 30", d, ok)
	}
	src.Insert("alice"+"001", "15") // 10 -> 15, +5
	if d, _ := dst.Get("alice"); d.Value != "35" {
		t.Fatalf("sum after update = %q, want 35", d.Value)
	}
	src.Erase("alice" + "002") // -20
	if d, _ := dst.Get("alice"); d.Value != "15" {
		t.Fatalf("sum after erase = %q, want 15", d.Value)
	}
}

func TestCountBoundsFilterOnlyCountsInRangeValues(t *testing.T) {
	spec := `
p posts|U:5|P:3|
byrange|U:5|
count bounds 10,100
`
	src := table.New("posts")
	dst := table.New("byrange")
	installRange(t, spec, src, dst, pattern.Match{"U": []byte("alice")})

	src.Insert("alice"+"001", "5")   // out of bounds, not counted
	src.Insert("alice"+"002", "50")  // in bounds
	if d, ok := dst.Get("alice"); !ok || d.Value != "1" {
		t.Fatalf("bounded count = %+v %v, want 1", d, ok)
	}
	src.Insert("alice"+"001", "20") // transition into bounds
	if d, _ := dst.Get("alice"); d.Value != "2" {
		t.Fatalf("bounded count after transition-in = %q, want 2", d.Value)
	}
	src.Insert("alice"+"001", "5") // transition back out of bounds
	if d, _ := dst.Get("alice"); d.Value != "1" {
		t.Fatalf("bounded count after transition-out = %q, want 1", d.Value)
	}
}

func TestSeedBulkAccumulatesExistingData(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bysum|U:5|
sum
`
	src := table.New("posts")
	dst := table.New("bysum")

	// populate the source table before the Range is ever installed,
	// the way a table with existing history looks to a fresh join.
	src.Insert("alice"+"001", "10")
	src.Insert("alice"+"002", "25")
	src.Insert("bob"+"001", "999") // different user, must not be folded in

	j, err := join.Parse(spec)
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	m := pattern.Match{"U": []byte("alice")}
	ibegin, iend := j.BackSource().RangeFor(m)
	r := New(&fakeAcct{}, j, dst, m, ibegin, iend)
	r.Seed(src)

	if d, ok := dst.Get("alice"); !ok || d.Value != "35" {
		t.Fatalf("seeded sum = %+v %v, want 35", d, ok)
	}
	if _, ok := dst.Get("bob"); ok {
		t.Fatal("seed should not cross into a different grouping key")
	}
}

func TestSeedCountWritesZeroForARequiredKeyWithNoMatchingRows(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bycount|U:5|
count
`
	src := table.New("posts")
	dst := table.New("bycount")
	src.Insert("bob"+"001", "x") // a different user -- must not satisfy alice's count

	j, err := join.Parse(spec)
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	m := pattern.Match{"U": []byte("alice")}
	ibegin, iend := j.BackSource().RangeFor(m)
	r := New(&fakeAcct{}, j, dst, m, ibegin, iend)
	r.Seed(src)

	if d, ok := dst.Get("alice"); !ok || d.Value != "0" {
		t.Fatalf("seeded count for a required, unmatched key = %+v %v, want 0", d, ok)
	}
}

func TestSeedCountDoesNotWriteZeroForAWholeTableScan(t *testing.T) {
	spec := `
p posts|U:5|P:3|
bycount|U:5|
count
`
	src := table.New("posts")
	dst := table.New("bycount")
	src.Insert("alice"+"001", "x")

	j, err := join.Parse(spec)
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	m := pattern.Match{} // whole-table materialization, nothing required
	ibegin, iend := j.BackSource().RangeFor(m)
	r := New(&fakeAcct{}, j, dst, m, ibegin, iend)
	r.Seed(src)

	if d, ok := dst.Get("alice"); !ok || d.Value != "1" {
		t.Fatalf("seeded count = %+v %v, want 1", d, ok)
	}
	if got := dst.Len(); got != 1 {
		t.Fatalf("whole-table seed should not fabricate extra zero-count keys, got %d rows", got)
	}
}

func TestInlineVsHeapBoundsStorage(t *testing.T) {
	spec := `
p posts|U:5|P:3|
timeline|U:5|P:3|
copy
`
	dst := table.New("timeline")
	j, err := join.Parse(spec)
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	m := pattern.Match{"U": []byte("alice")}
	ibegin, iend := j.BackSource().RangeFor(m)
	acct := &fakeAcct{}
	r := New(acct, j, dst, m, ibegin, iend)
	if r.Begin() != ibegin || r.End() != iend {
		t.Fatalf("inline bounds roundtrip failed: got [%q,%q) want [%q,%q)", r.Begin(), r.End(), ibegin, iend)
	}
	if acct.n != 0 {
		t.Fatalf("small bounds should not have spilled to the heap, accounted %d bytes", acct.n)
	}

	// force a heap spill with an oversized synthetic bound pair
	big := str.Str(make([]byte, inlineBufSize))
	bigger := str.Str(make([]byte, inlineBufSize+1))
	r2 := New(acct, j, dst, m, big, bigger)
	if r2.Begin() != big || r2.End() != bigger {
		t.Fatalf("heap bounds roundtrip failed")
	}
	if acct.n == 0 {
		t.Fatal("oversized bounds should have been accounted on the heap")
	}
	r2.Release()
	if acct.n != 0 {
		t.Fatalf("release should give back the accounted heap bytes, got %d remaining", acct.n)
	}
}
