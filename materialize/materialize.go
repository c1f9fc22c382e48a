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

// Package materialize implements the on-demand materialization
// controller: before a sink-side get/count/scan is served, it finds
// the uncovered subintervals of the queried range, installs the
// SourceRange subscriptions that would cover them, and seeds those
// subscriptions from the source tables' existing data.
package materialize

import (
	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/pattern"
	"github.com/pequodb/pequod/source"
	"github.com/pequodb/pequod/str"
	"github.com/pequodb/pequod/table"
)

// Tables is the subset of the server's table registry the controller
// needs. EnsureTable mirrors make_table: a back-source table a join
// reaches for the first time is created on demand, not an error.
type Tables interface {
	EnsureTable(name str.Str) *table.Table
}

// Controller implements spec.md §4.G.
type Controller struct {
	tables Tables
	acct   source.Accounting
}

// New builds a Controller backed by tables for table lookup/creation
// and acct for the SourceRange heap-key-bytes accounting.
func New(tables Tables, acct source.Accounting) *Controller {
	return &Controller{tables: tables, acct: acct}
}

// Validate ensures [qfirst, qlast) of sinkTable is fully covered by
// installed, seeded SourceRanges for every join in joins that targets
// sinkTable, per spec.md §4.G steps 1-3. m is the partial match the
// caller already derived qfirst/qlast from (e.g. sink.MatchKey(key)
// for a point get, or an empty Match to materialize a whole-table
// scan) -- the controller narrows each join's back source by m rather
// than trying to re-infer it from the byte range, since a tight
// exclusive upper bound can legitimately share bytes with a bound
// slot's own value and isn't safely invertible in general. Call this
// before serving a sink-side get/count/scan; it is a no-op over any
// subinterval already marked valid for a given join. Validity is
// tracked per join, not per table, since sinkTable may be fed by more
// than one join over overlapping ranges -- one join's fill must never
// cause another's to be skipped.
func (c *Controller) Validate(sinkTable *table.Table, joins []*join.Join, m pattern.Match, qfirst, qlast str.Str) {
	for _, j := range joins {
		if j.SinkTable != sinkTable.Name() {
			continue
		}
		// Missing/MarkValid are scoped to j: two joins sharing an
		// overlapping sink range each get their own gap-fill, since one
		// join's SourceRange never seeds or subscribes another join's
		// source data.
		for _, gap := range sinkTable.Missing(j, qfirst, qlast) {
			c.installGap(sinkTable, j, m, gap.First, gap.Last)
		}
	}
}

// installGap installs and seeds the SourceRange covering one gap
// subinterval of a sink table for one join, then marks the gap valid.
func (c *Controller) installGap(sinkTable *table.Table, j *join.Join, m pattern.Match, gfirst, glast str.Str) {
	back := j.BackSource()
	ibegin, iend := back.RangeFor(m)
	srcTable := c.tables.EnsureTable(j.BackSourceTable())

	sameJoin := func(s table.Subscriber) bool {
		sr, ok := s.(*source.Range)
		return ok && sr.Join() == j
	}
	if _, ok := srcTable.ExistingSubscriber(ibegin, iend, sameJoin); ok {
		// A prior query for this same join already installed and
		// seeded exactly this back-source interval (e.g. two distinct
		// gaps in the sink that both derive the same back-source
		// range). Nothing further to do beyond widening validity.
		sinkTable.MarkValid(j, gfirst, glast)
		return
	}

	r := source.New(c.acct, j, sinkTable, m, ibegin, iend)
	r.Seed(srcTable)
	srcTable.Subscribe(r)
	sinkTable.MarkValid(j, gfirst, glast)
}
