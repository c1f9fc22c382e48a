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
	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/str"
	"github.com/pequodb/pequod/table"
)

// Accumulator folds every source datum a newly-installed Range already
// covers into a single sink value, one Accumulator per distinct sink
// key. Seed runs this as a separate bulk pass instead of replaying
// existing data through Notify: Notify's Min/Max variants panic on
// "removing old min/max" because a single update is assumed to see at
// most one prior extreme, an assumption a bulk scan in arbitrary key
// order cannot satisfy.
type Accumulator interface {
	Add(value str.Str)
	Done() (str.Str, bool)
}

// NewAccumulator returns the Accumulator matching a join's aggregation
// Kind -- the same five variants Notify dispatches over, applied here
// as a fold instead of an incremental update.
func NewAccumulator(k join.Kind) Accumulator {
	switch k {
	case join.Copy:
		return &copyAccumulator{}
	case join.Count:
		return &countAccumulator{}
	case join.Min:
		return &minAccumulator{}
	case join.Max:
		return &maxAccumulator{}
	case join.Sum:
		return &sumAccumulator{}
	default:
		panic("source: unknown join kind")
	}
}

type copyAccumulator struct {
	value str.Str
	has   bool
}

func (a *copyAccumulator) Add(v str.Str)       { a.value, a.has = v, true }
func (a *copyAccumulator) Done() (str.Str, bool) { return a.value, a.has }

type countAccumulator struct{ n int64 }

func (a *countAccumulator) Add(str.Str) { a.n++ }

// Done always reports ok: a count of zero is a value a sink key can
// legitimately hold, not an absent one. Seed below still only commits
// the zero-count case for a sink key a caller actually asked about --
// see the point-get fixup at the end of Seed.
func (a *countAccumulator) Done() (str.Str, bool) {
	return str.FormatInt(a.n), true
}

type minAccumulator struct {
	value str.Str
	has   bool
}

func (a *minAccumulator) Add(v str.Str) {
	if !a.has || str.Less(v, a.value) {
		a.value, a.has = v, true
	}
}
func (a *minAccumulator) Done() (str.Str, bool) { return a.value, a.has }

type maxAccumulator struct {
	value str.Str
	has   bool
}

func (a *maxAccumulator) Add(v str.Str) {
	if !a.has || str.Less(a.value, v) {
		a.value, a.has = v, true
	}
}
func (a *maxAccumulator) Done() (str.Str, bool) { return a.value, a.has }

type sumAccumulator struct {
	n   int64
	has bool
}

func (a *sumAccumulator) Add(v str.Str) { a.n += str.ToInt(v); a.has = true }
func (a *sumAccumulator) Done() (str.Str, bool) {
	return str.FormatInt(a.n), a.has
}

// Seed performs the bulk accumulator pass described above: it scans
// every datum in src already present within [r.Begin(), r.End()),
// groups by the sink key each expands to, folds each group through one
// Accumulator, and writes the result into r's destination table. It is
// the materialization controller's way of installing a Range against
// a table that already holds data, as an alternative to replaying
// history through Notify one mutation at a time.
func (r *Range) Seed(src *table.Table) {
	accs := make(map[str.Str]Accumulator)
	var order []str.Str
	bounded := r.join.Kind == join.Copy || r.join.Kind == join.Count
	src.Scan(r.Begin(), r.End(), func(d table.Datum) bool {
		if _, ok := r.join.BackSource().MatchKey(d.Key); !ok {
			return true
		}
		if bounded && !r.join.Bounds.Admits(str.ToInt(d.Value)) {
			return true
		}
		sinkKey, ok := r.expand(d.Key)
		if !ok {
			return true
		}
		acc, ok := accs[sinkKey]
		if !ok {
			acc = NewAccumulator(r.join.Kind)
			accs[sinkKey] = acc
			order = append(order, sinkKey)
		}
		acc.Add(d.Value)
		return true
	})
	for _, sinkKey := range order {
		if value, ok := accs[sinkKey].Done(); ok {
			r.dst.Insert(sinkKey, value)
		}
	}
	// Count always writes, even 0, for a sink key a caller actually
	// required -- r.match fully binds the sink pattern only on the
	// point-get path (validateKey narrows m down to every sink slot
	// before calling in here); a whole-table materialization passes an
	// empty Match, so ExpandStr fails here and this is a no-op.
	if r.join.Kind == join.Count {
		if required, err := r.join.Sink.ExpandStr(r.match); err == nil {
			if _, ok := accs[required]; !ok {
				r.dst.Insert(required, str.FormatInt(0))
			}
		}
	}
}
