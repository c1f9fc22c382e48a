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

package materialize

import (
	"testing"

	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/pattern"
	"github.com/pequodb/pequod/str"
	"github.com/pequodb/pequod/table"
)

type fakeAcct struct{ n int }

func (a *fakeAcct) AddKeyBytes(n int) { a.n += n }

type fakeTables struct {
	tables map[str.Str]*table.Table
}

func newFakeTables() *fakeTables {
	return &fakeTables{tables: make(map[str.Str]*table.Table)}
}

func (f *fakeTables) EnsureTable(name str.Str) *table.Table {
	if t, ok := f.tables[name]; ok {
		return t
	}
	t := table.New(name)
	f.tables[name] = t
	return t
}

func TestValidateLazilyMaterializesCopyJoin(t *testing.T) {
	spec := `
p posts|U:5|P:3|
timeline|U:5|P:3|
copy
`
	j, err := join.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	tables := newFakeTables()
	posts := tables.EnsureTable("posts")
	posts.Insert("alice"+"001", "hi")
	posts.Insert("alice"+"002", "yo")

	sink := tables.EnsureTable("timeline")
	c := New(tables, &fakeAcct{})

	m := pattern.Match{"U": []byte("alice")}
	qfirst, qlast := j.Sink.RangeFor(m)
	c.Validate(sink, []*join.Join{j}, m, qfirst, qlast)

	if d, ok := sink.Get("alice" + "001"); !ok || d.Value != "hi" {
		t.Fatalf("materialized copy key missing or wrong: %+v %v", d, ok)
	}
	if d, ok := sink.Get("alice" + "002"); !ok || d.Value != "yo" {
		t.Fatalf("materialized copy key missing or wrong: %+v %v", d, ok)
	}

	// subsequent inserts into the source propagate incrementally.
	posts.Insert("alice"+"003", "sup")
	if d, ok := sink.Get("alice" + "003"); !ok || d.Value != "sup" {
		t.Fatalf("incremental propagation after materialization failed: %+v %v", d, ok)
	}
}

func TestValidateIsIdempotentOverAnAlreadyValidRange(t *testing.T) {
	spec := `
p posts|U:5|P:3|
timeline|U:5|P:3|
copy
`
	j, err := join.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	tables := newFakeTables()
	posts := tables.EnsureTable("posts")
	posts.Insert("alice"+"001", "hi")

	sink := tables.EnsureTable("timeline")
	c := New(tables, &fakeAcct{})
	m := pattern.Match{"U": []byte("alice")}
	qfirst, qlast := j.Sink.RangeFor(m)

	c.Validate(sink, []*join.Join{j}, m, qfirst, qlast)
	installedAfterFirst := posts.SubscriberCount()
	if installedAfterFirst == 0 {
		t.Fatal("expected at least one SourceRange installed")
	}

	c.Validate(sink, []*join.Join{j}, m, qfirst, qlast)
	if got := posts.SubscriberCount(); got != installedAfterFirst {
		t.Fatalf("re-validating an already-valid range installed more subscribers: %d -> %d", installedAfterFirst, got)
	}
}

func TestValidateDoesNotShadowASecondJoinSharingASinkRange(t *testing.T) {
	postsSpec := `
p posts|U:5|P:3|
timeline|U:5|P:3|
copy
`
	likesSpec := `
p likes|U:5|P:3|
timeline|U:5|P:3|
copy
`
	postsJoin, err := join.Parse(postsSpec)
	if err != nil {
		t.Fatal(err)
	}
	likesJoin, err := join.Parse(likesSpec)
	if err != nil {
		t.Fatal(err)
	}
	tables := newFakeTables()
	posts := tables.EnsureTable("posts")
	posts.Insert("alice"+"001", "hi")
	likes := tables.EnsureTable("likes")
	likes.Insert("alice"+"777", "<3")

	sink := tables.EnsureTable("timeline")
	c := New(tables, &fakeAcct{})
	m := pattern.Match{"U": []byte("alice")}
	qfirst, qlast := postsJoin.Sink.RangeFor(m)

	// Both joins share the same sink table and an overlapping (here,
	// identical) sink range. A single Validate call covering both must
	// install and seed each join's own SourceRange, not let whichever
	// runs first mark the range valid for the other.
	c.Validate(sink, []*join.Join{postsJoin, likesJoin}, m, qfirst, qlast)

	if d, ok := sink.Get("alice" + "001"); !ok || d.Value != "hi" {
		t.Fatalf("posts join data missing from shared sink: %+v %v", d, ok)
	}
	if d, ok := sink.Get("alice" + "777"); !ok || d.Value != "<3" {
		t.Fatalf("likes join data missing from shared sink -- shadowed by posts join's validity: %+v %v", d, ok)
	}

	// A second, independent Validate call for just the likes join (as
	// a later query against the same range would issue) must also see
	// its own range as already valid and install nothing further.
	installed := likes.SubscriberCount()
	c.Validate(sink, []*join.Join{likesJoin}, m, qfirst, qlast)
	if got := likes.SubscriberCount(); got != installed {
		t.Fatalf("re-validating likes join's own already-valid range installed more subscribers: %d -> %d", installed, got)
	}
}

func TestValidateSeedsSumAggregateFromExistingData(t *testing.T) {
	spec := `
p balances|A:5|U:2|
total|A:5|
sum
`
	j, err := join.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	tables := newFakeTables()
	balances := tables.EnsureTable("balances")
	balances.Insert(str.Str("a"+"    "+"u1"), "10")
	balances.Insert(str.Str("a"+"    "+"u2"), "5")

	sink := tables.EnsureTable("total")
	c := New(tables, &fakeAcct{})
	m := pattern.Match{"A": []byte("a    ")}
	qfirst, qlast := j.Sink.RangeFor(m)
	c.Validate(sink, []*join.Join{j}, m, qfirst, qlast)

	if d, ok := sink.Get(str.Str("a" + "    ")); !ok || d.Value != "15" {
		t.Fatalf("seeded sum = %+v %v, want 15", d, ok)
	}

	balances.Insert(str.Str("a"+"    "+"u1"), "7")
	if d, _ := sink.Get(str.Str("a" + "    ")); d.Value != "12" {
		t.Fatalf("sum after update = %q, want 12", d.Value)
	}
	balances.Erase(str.Str("a" + "    " + "u2"))
	if d, _ := sink.Get(str.Str("a" + "    ")); d.Value != "7" {
		t.Fatalf("sum after erase = %q, want 7", d.Value)
	}
}
