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

// Package source implements SourceRange: the subscription a join
// installs on its back-source table, and the five aggregation
// variants (copy/count/min/max/sum) it dispatches through, plus the
// accumulator pass used to seed count/min/max/sum sinks in bulk
// without tripping the "removing old min/max" assertion a sequence of
// incremental notifications would hit during materialization.
package source

import (
	"fmt"

	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/pattern"
	"github.com/pequodb/pequod/str"
	"github.com/pequodb/pequod/table"
)

// inlineBufSize is the size of a Range's inline ibegin/iend storage,
// matching the original engine's 56-byte SourceRange::buf_.
const inlineBufSize = 56

// Accounting tracks heap bytes allocated for key storage that spilled
// out of a Range's inline buffer, mirroring the original engine's
// process-wide SourceRange::allocated_key_bytes counter (here scoped
// to one server rather than a package global, so tests can reset it).
type Accounting interface {
	AddKeyBytes(n int)
}

// Range is a subscription record attached to a back-source table: it
// listens to the half-open key interval [Begin, End), and for every
// matching mutation expands its join's sink pattern and applies the
// join's aggregation variant to the destination table.
//
// Only the back source's own key ever feeds join.Expand (see Expand in
// package join): validate requires every sink slot to be bound by some
// source, but this engine only reacts to mutations of the back source,
// so a join with lookup sources ahead of its back source parses and
// registers but only actually propagates when the sink's slots are all
// reconstructable from the back source key alone. match isn't needed by
// Notify, but Seed uses it to commit a required Count sink key even when
// zero source rows matched -- see the Count fixup at the end of Seed.
type Range struct {
	join     *join.Join
	dst      *table.Table
	acct     Accounting
	match    pattern.Match
	inline   [inlineBufSize]byte
	used     int
	heap     []byte
	heapUsed int
	ibeginN  int // length of ibegin within the combined buffer
}

var _ table.Subscriber = (*Range)(nil)

// New installs the inline-buffer-or-heap storage for [ibegin, iend)
// exactly as the original SourceRange constructor does. m is the
// partial match that produced [ibegin, iend) -- it need not bind every
// sink slot, since sink keys are always (re)computed from the
// notifying back-source key, not from m.
func New(acct Accounting, j *join.Join, dst *table.Table, m pattern.Match, ibegin, iend str.Str) *Range {
	r := &Range{join: j, dst: dst, acct: acct, match: m}
	r.storeBounds(ibegin, iend)
	return r
}

// Match returns the partial match this range was installed for.
func (r *Range) Match() pattern.Match { return r.match }

func (r *Range) storeBounds(ibegin, iend str.Str) {
	total := len(ibegin) + len(iend)
	r.ibeginN = len(ibegin)
	if total <= inlineBufSize {
		copy(r.inline[:], ibegin)
		copy(r.inline[len(ibegin):], iend)
		r.used = total
		return
	}
	r.heap = make([]byte, total)
	copy(r.heap, ibegin)
	copy(r.heap[len(ibegin):], iend)
	r.heapUsed = total
	r.acct.AddKeyBytes(total)
}

// Release gives back any heap-allocated key storage's accounting;
// call when a Range is torn down (invalidated or server shutdown).
// Go's GC reclaims the backing array itself -- Release only keeps the
// allocated_key_bytes diagnostic counter accurate, per invariant #4/#5
// in spec.md §3.
func (r *Range) Release() {
	if r.heap != nil {
		r.acct.AddKeyBytes(-r.heapUsed)
		r.heap = nil
	}
}

// Begin implements table.Subscriber / rangeindex.Item.
func (r *Range) Begin() str.Str {
	if r.heap != nil {
		return str.Borrow(r.heap[:r.ibeginN])
	}
	return str.Borrow(r.inline[:r.ibeginN])
}

// End implements table.Subscriber / rangeindex.Item.
func (r *Range) End() str.Str {
	if r.heap != nil {
		return str.Borrow(r.heap[r.ibeginN:r.heapUsed])
	}
	return str.Borrow(r.inline[r.ibeginN:r.used])
}

// Join returns the join this range belongs to.
func (r *Range) Join() *join.Join { return r.join }

// boundsTransition applies the join's optional bounds predicate
// (SPEC_FULL.md §4 / spec.md §4.E "Bounds filter") to a raw table
// notification, translating it into the value/notifier pair Copy and
// Count should actually observe -- only bounds *transitions* produce a
// logical event, exactly like the zero-bounds case but with "is this
// value in range at all" folded in. Grounded on the original engine's
// check_bounds helper, which only CopySourceRange and CountSourceRange
// call; Min/Max/Sum read d.Value/oldval/notifier directly instead (see
// notifyMin/notifyMax/notifySum below).
func (r *Range) boundsTransition(d *table.Datum, oldval str.Str, notifier table.Notifier) (value str.Str, eff table.Notifier, skip bool) {
	b := r.join.Bounds
	if !b.HasLo && !b.HasHi {
		return d.Value, notifier, false
	}
	switch notifier {
	case table.NotifyInsert:
		if !b.Admits(str.ToInt(d.Value)) {
			return "", 0, true
		}
		return d.Value, table.NotifyInsert, false
	case table.NotifyErase:
		if !b.Admits(str.ToInt(oldval)) {
			return "", 0, true
		}
		return "", table.NotifyErase, false
	default: // table.NotifyUpdate
		oldIn := b.Admits(str.ToInt(oldval))
		newIn := b.Admits(str.ToInt(d.Value))
		switch {
		case oldIn && newIn:
			return d.Value, table.NotifyUpdate, false
		case oldIn && !newIn:
			return "", table.NotifyErase, false
		case !oldIn && newIn:
			return d.Value, table.NotifyInsert, false
		default:
			return "", 0, true
		}
	}
}

// Notify implements table.Subscriber. It is dispatched by the join's
// aggregation Kind -- a tagged switch, not five separate virtual
// method sets -- per the original engine's design notes.
func (r *Range) Notify(d *table.Datum, oldval str.Str, notifier table.Notifier) {
	// XXX PERFORMANCE: the re-match is often unnecessary, since the
	// range index already restricted dispatch to [Begin, End); it
	// stays here because a truncated exclusive upper bound (see
	// pattern.RangeFor) is only guaranteed tight against *real* same
	// width keys, and re-validating is cheap insurance.
	if _, ok := r.join.BackSource().MatchKey(d.Key); !ok {
		return
	}
	switch r.join.Kind {
	case join.Copy:
		value, eff, skip := r.boundsTransition(d, oldval, notifier)
		if !skip {
			r.notifyCopy(d.Key, value, eff)
		}
	case join.Count:
		_, eff, skip := r.boundsTransition(d, oldval, notifier)
		if !skip {
			r.notifyCount(d.Key, eff)
		}
	case join.Min:
		r.notifyMin(d.Key, d.Value, oldval, notifier)
	case join.Max:
		r.notifyMax(d.Key, d.Value, oldval, notifier)
	case join.Sum:
		r.notifySum(d.Key, d.Value, oldval, notifier)
	}
}

// expand computes the one sink key a back-source mutation of srcKey
// affects. It reports false if srcKey doesn't match the back source
// pattern (shouldn't happen for a properly dispatched Notify, but
// Seed's bulk scan checks this itself before calling in).
func (r *Range) expand(srcKey str.Str) (str.Str, bool) {
	buf := make([]byte, r.join.Sink.Width())
	if err := r.join.Expand(buf, srcKey); err != nil {
		return "", false
	}
	return str.Borrow(buf), true
}

func (r *Range) notifyCopy(srcKey, value str.Str, notifier table.Notifier) {
	sinkKey, ok := r.expand(srcKey)
	if !ok {
		return
	}
	if notifier >= table.NotifyUpdate {
		r.dst.Insert(sinkKey, value)
	} else {
		r.dst.Erase(sinkKey)
	}
}

func (r *Range) notifyCount(srcKey str.Str, notifier table.Notifier) {
	if notifier == table.NotifyUpdate {
		return
	}
	sinkKey, ok := r.expand(srcKey)
	if !ok {
		return
	}
	delta := int64(notifier)
	r.dst.Modify(sinkKey, func(old *table.Datum) table.ModifyResult {
		base := int64(0)
		if old != nil {
			base = str.ToInt(old.Value)
		}
		return table.Value(str.FormatInt(base + delta))
	})
}

func (r *Range) notifyMin(srcKey, value, old str.Str, notifier table.Notifier) {
	sinkKey, ok := r.expand(srcKey)
	if !ok {
		return
	}
	r.dst.Modify(sinkKey, func(dst *table.Datum) table.ModifyResult {
		switch {
		case dst == nil, str.Less(value, dst.Value):
			return table.Value(value)
		case old != "" && old == dst.Value && (notifier < 0 || value != old):
			panic(fmt.Sprintf("source: removing old min for key %q -- incremental removal of the current min is unsupported; re-seed via the accumulator pass", sinkKey))
		default:
			return table.Unchanged()
		}
	})
}

func (r *Range) notifyMax(srcKey, value, old str.Str, notifier table.Notifier) {
	sinkKey, ok := r.expand(srcKey)
	if !ok {
		return
	}
	r.dst.Modify(sinkKey, func(dst *table.Datum) table.ModifyResult {
		switch {
		case dst == nil, str.Less(dst.Value, value):
			return table.Value(value)
		case old != "" && old == dst.Value && (notifier < 0 || value != old):
			panic(fmt.Sprintf("source: removing old max for key %q -- incremental removal of the current max is unsupported; re-seed via the accumulator pass", sinkKey))
		default:
			return table.Unchanged()
		}
	})
}

func (r *Range) notifySum(srcKey, value, old str.Str, notifier table.Notifier) {
	sinkKey, ok := r.expand(srcKey)
	if !ok {
		return
	}
	r.dst.Modify(sinkKey, func(dst *table.Datum) table.ModifyResult {
		if dst == nil {
			if notifier >= table.NotifyUpdate {
				return table.Value(value)
			}
			return table.Unchanged()
		}
		var diff int64
		if notifier == table.NotifyUpdate {
			diff = str.ToInt(value) - str.ToInt(old)
		} else if notifier == table.NotifyErase {
			diff = -str.ToInt(old)
		} else {
			diff = str.ToInt(value)
		}
		if diff == 0 {
			return table.Unchanged()
		}
		return table.Value(str.FormatInt(str.ToInt(dst.Value) + diff))
	})
}
