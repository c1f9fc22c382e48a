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

// Package table implements the ordered keyed map of Datum values that
// the rest of the engine reads and writes: point lookup, half-open
// range scan, insert/erase, the modify-with-callback mutation, and
// the notification dispatch to every SourceRange whose interval
// covers a mutated key. It also owns the set of sink validity ranges
// the materialization controller installs and queries, scoped per
// owner (one join) so that two joins feeding overlapping key ranges
// of the same sink table don't shadow each other's gap-fill.
package table

import (
	"golang.org/x/exp/slices"

	"github.com/pequodb/pequod/rangeindex"
	"github.com/pequodb/pequod/str"
)

// Datum is a single stored record. Identity is Key; Value is mutable
// only through the owning Table.
type Datum struct {
	Key   str.Str
	Value str.Str
}

// Notifier values describe how a table mutation relates to the prior
// state, mirroring the original engine's int8 notifier argument.
type Notifier int

const (
	NotifyErase  Notifier = -1
	NotifyUpdate Notifier = 0
	NotifyInsert Notifier = 1
)

// Subscriber is anything installed in a table's range index: a fixed
// [Begin, End) interval plus a callback invoked for every mutation of
// a key inside that interval.
type Subscriber interface {
	rangeindex.Item
	Notify(d *Datum, oldval str.Str, notifier Notifier)
}

// modifyKind tags the outcome of a Modify callback. Using a small
// enum here instead of a sentinel value distinguishable only by
// pointer identity (the original engine's unchanged_marker) is the
// idiomatic Go shape for the same contract: Go has no legal-value
// space collision to guard against because ModifyResult is a proper
// sum type, not a borrowed Str.
type modifyKind int

const (
	kindUnchanged modifyKind = iota
	kindErase
	kindValue
)

// ModifyResult is the return value of a Modify callback.
type ModifyResult struct {
	kind  modifyKind
	value str.Str
}

// Unchanged signals that Modify should neither mutate the table nor
// notify subscribers.
func Unchanged() ModifyResult { return ModifyResult{kind: kindUnchanged} }

// Erase signals that Modify should erase the current datum.
func Erase() ModifyResult { return ModifyResult{kind: kindErase} }

// Value signals that Modify should upsert v.
func Value(v str.Str) ModifyResult { return ModifyResult{kind: kindValue, value: v} }

// Table is an ordered, keyed map of Datum values.
type Table struct {
	name   str.Str
	data   []Datum
	ranges *rangeindex.Index
	valid  map[interface{}][]validRange
}

type validRange struct {
	first, last str.Str
}

// New creates an empty table named name.
func New(name str.Str) *Table {
	return &Table{name: name, ranges: rangeindex.New(), valid: make(map[interface{}][]validRange)}
}

// Name returns the table's name.
func (t *Table) Name() str.Str { return t.name }

func (t *Table) search(key str.Str) (int, bool) {
	return slices.BinarySearchFunc(t.data, key, func(d Datum, k str.Str) int {
		return str.Compare(d.Key, k)
	})
}

// Get performs a point lookup.
func (t *Table) Get(key str.Str) (Datum, bool) {
	i, ok := t.search(key)
	if !ok {
		return Datum{}, false
	}
	return t.data[i], true
}

// Len returns the number of stored datums.
func (t *Table) Len() int { return len(t.data) }

// SubscriberCount returns the number of SourceRanges currently
// installed in this table's range index -- used by stats() and by
// tests asserting that re-validating an already-valid range installs
// no additional subscriptions.
func (t *Table) SubscriberCount() int { return t.ranges.Len() }

// Scan calls fn for every datum with Key in [first, last), in
// ascending key order, stopping early if fn returns false.
func (t *Table) Scan(first, last str.Str, fn func(Datum) bool) {
	i, _ := t.search(first)
	for ; i < len(t.data); i++ {
		d := t.data[i]
		if d.Key >= last {
			return
		}
		if !fn(d) {
			return
		}
	}
}

// ScanAll materializes Scan(first, last, ...) into a slice.
func (t *Table) ScanAll(first, last str.Str) []Datum {
	var out []Datum
	t.Scan(first, last, func(d Datum) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Count returns the number of keys in [first, last).
func (t *Table) Count(first, last str.Str) uint64 {
	var n uint64
	t.Scan(first, last, func(Datum) bool {
		n++
		return true
	})
	return n
}

// Insert upserts key -> value, notifying subscribers with
// NotifyInsert (no prior datum) or NotifyUpdate (prior datum
// present, oldval carries its previous value).
func (t *Table) Insert(key, value str.Str) {
	i, found := t.search(key)
	var oldval str.Str
	notifier := NotifyInsert
	if found {
		oldval = t.data[i].Value
		notifier = NotifyUpdate
		t.data[i].Value = value
	} else {
		t.data = append(t.data, Datum{})
		copy(t.data[i+1:], t.data[i:])
		t.data[i] = Datum{Key: key, Value: value}
	}
	t.notify(Datum{Key: key, Value: value}, oldval, notifier)
}

// Erase removes key if present, notifying subscribers with
// NotifyErase. It reports whether a datum was removed.
func (t *Table) Erase(key str.Str) bool {
	i, found := t.search(key)
	if !found {
		return false
	}
	oldval := t.data[i].Value
	t.data = append(t.data[:i], t.data[i+1:]...)
	// d.Value carries the erased value forward (equal to oldval), not
	// a zeroed datum -- min/max/sum subscribers need to see the value
	// that is leaving, not an empty one, to decide whether it was the
	// extreme/contributing value.
	t.notify(Datum{Key: key, Value: oldval}, oldval, NotifyErase)
	return true
}

// Modify reads the current datum for key (nil if absent), applies fn,
// and interprets the result: Unchanged performs no mutation and no
// notification; Erase follows the Erase path; anything else is an
// upsert. Modify is the only mutation safe to call reentrantly from
// within a Subscriber's Notify callback.
func (t *Table) Modify(key str.Str, fn func(old *Datum) ModifyResult) {
	i, found := t.search(key)
	var old *Datum
	if found {
		old = &t.data[i]
	}
	result := fn(old)
	switch result.kind {
	case kindUnchanged:
		return
	case kindErase:
		if found {
			t.Erase(key)
		}
	case kindValue:
		t.Insert(key, result.value)
	}
}

// notify snapshots the set of subscribers overlapping key before
// dispatching, so that a reentrant Modify triggered from within a
// Notify callback cannot invalidate the outer iteration.
func (t *Table) notify(d Datum, oldval str.Str, notifier Notifier) {
	items := t.ranges.Overlap(d.Key)
	for _, it := range items {
		it.(Subscriber).Notify(&d, oldval, notifier)
	}
}

// Subscribe installs s in the table's range index; every mutation of
// a key within [s.Begin(), s.End()) will call s.Notify.
func (t *Table) Subscribe(s Subscriber) {
	t.ranges.Insert(s)
}

// Unsubscribe removes s from the table's range index.
func (t *Table) Unsubscribe(s Subscriber) {
	t.ranges.Remove(s)
}

// ExistingSubscriber returns a subscriber already installed with
// exactly the interval [ibegin, iend) that also satisfies match (nil
// accepts any), if any. It only finds a subscriber; nothing is merged
// into it.
func (t *Table) ExistingSubscriber(ibegin, iend str.Str, match func(Subscriber) bool) (Subscriber, bool) {
	for _, it := range t.ranges.Lookup(ibegin, iend) {
		s := it.(Subscriber)
		if match == nil || match(s) {
			return s, true
		}
	}
	return nil, false
}

// MarkValid records [first, last) as a sink validity range for owner,
// merging it with any existing adjacent or overlapping ranges owner
// already holds. owner identifies the join this validity is tracked
// on behalf of -- see the package comment.
func (t *Table) MarkValid(owner interface{}, first, last str.Str) {
	if first >= last {
		return
	}
	all := append(append([]validRange{}, t.valid[owner]...), validRange{first, last})
	slices.SortFunc(all, func(a, b validRange) bool { return a.first < b.first })
	t.valid[owner] = coalesce(all)
}

func coalesce(in []validRange) []validRange {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		last := &out[len(out)-1]
		if v.first <= last.last {
			if v.last > last.last {
				last.last = v.last
			}
			continue
		}
		out = append(out, v)
	}
	return out
}

// Missing returns the subintervals of [first, last) not currently
// covered by one of owner's own validity ranges -- another owner
// having already validated the same bytes doesn't count, since that
// owner's SourceRange never seeded or subscribed this owner's data.
func (t *Table) Missing(owner interface{}, first, last str.Str) []struct{ First, Last str.Str } {
	var gaps []struct{ First, Last str.Str }
	cursor := first
	for _, v := range t.valid[owner] {
		if v.last <= cursor || v.first >= last {
			continue
		}
		if v.first > cursor {
			gaps = append(gaps, struct{ First, Last str.Str }{cursor, v.first})
		}
		if v.last > cursor {
			cursor = v.last
		}
	}
	if cursor < last {
		gaps = append(gaps, struct{ First, Last str.Str }{cursor, last})
	}
	return gaps
}

// Invalidate removes [first, last) from every owner's validity set.
// It does not, by itself, remove installed SourceRanges -- the
// materialize package's controller is responsible for also
// unsubscribing ranges it owns when invalidating a region.
func (t *Table) Invalidate(first, last str.Str) {
	for owner, ranges := range t.valid {
		var kept []validRange
		for _, v := range ranges {
			if v.last <= first || v.first >= last {
				kept = append(kept, v)
				continue
			}
			if v.first < first {
				kept = append(kept, validRange{v.first, first})
			}
			if v.last > last {
				kept = append(kept, validRange{last, v.last})
			}
		}
		t.valid[owner] = kept
	}
}
