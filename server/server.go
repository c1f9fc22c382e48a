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

// Package server implements the thin façade spec.md §4.H and §6
// describe: make_table/add_join/get/insert/erase/count/scan/modify,
// all dispatched to the right table and, for sink tables, routed
// through the materialization controller first. The server owns the
// single allocated_key_bytes accounting counter and the join DAG used
// to reject circular joins at registration time.
package server

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/materialize"
	"github.com/pequodb/pequod/pattern"
	"github.com/pequodb/pequod/source"
	"github.com/pequodb/pequod/str"
	"github.com/pequodb/pequod/table"
)

// Error kinds from spec.md §7. AggregationInvariantViolation is
// deliberately not a sentinel here -- it aborts via panic from deep in
// package source (see notifyMin/notifyMax), since it signals a
// programming bug, not a recoverable request-level failure.
var (
	ErrInvalidJoin       = errors.New("server: invalid join")
	ErrCircularJoin      = errors.New("server: circular join")
	ErrKeyOutOfTable     = errors.New("server: unregistered table")
	ErrResourceExhausted = errors.New("server: resource exhausted")
)

// Logger is the same minimal Printf-shaped sink used throughout this
// codebase's ambient stack; a nil Logger silently drops messages.
type Logger interface {
	Printf(f string, args ...interface{})
}

// keyBytes implements source.Accounting: the server is the scope the
// allocated_key_bytes counter lives at, per spec.md §9's "model as an
// attribute of the server, not a true global" guidance.
type keyBytes struct{ n int64 }

func (k *keyBytes) AddKeyBytes(n int) { k.n += int64(n) }

// Server is the façade spec.md §4.H and §6 describe. It is not
// goroutine-safe: per spec.md §5, it is driven from a single
// cooperative task.
type Server struct {
	Logger Logger

	tables map[str.Str]*table.Table
	joins  map[string]*join.Join   // digest -> join, for add_join idempotency
	bySink map[str.Str][]*join.Join // sink table -> joins targeting it
	acct   keyBytes
	ctrl   *materialize.Controller

	pending []prewarmJob
	seq     int64
}

// New creates an empty Server.
func New() *Server {
	s := &Server{
		tables: make(map[str.Str]*table.Table),
		joins:  make(map[string]*join.Join),
		bySink: make(map[str.Str][]*join.Join),
	}
	s.ctrl = materialize.New(tableRegistry{s}, &s.acct)
	return s
}

func (s *Server) errorf(f string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(f, args...)
	}
}

// tableRegistry adapts Server to materialize.Tables without exposing
// the server's full surface to the controller.
type tableRegistry struct{ s *Server }

func (r tableRegistry) EnsureTable(name str.Str) *table.Table { return r.s.MakeTable(name) }

// MakeTable returns the table named name, creating it empty on first
// use -- make_table per spec.md §4.H, and the "table created on demand"
// half of the KeyOutOfTable policy in spec.md §7.2.
func (s *Server) MakeTable(name str.Str) *table.Table {
	if t, ok := s.tables[name]; ok {
		return t
	}
	t := table.New(name)
	s.tables[name] = t
	return t
}

// table looks up an already-registered table without creating one,
// for the read paths where an unregistered name is KeyOutOfTable
// rather than an implicit make_table.
func (s *Server) table(name str.Str) (*table.Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// AddJoin parses and registers a join per the grammar in SPEC_FULL.md
// §6, rejecting it if it would close a cycle in the table-level join
// DAG (spec.md §9's "walk the join DAG at add_join time"). Registering
// byte-identical join text twice is idempotent: the existing join's ID
// is returned instead of building a second subscription tree.
func (s *Server) AddJoin(spec string) (string, error) {
	j, err := join.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidJoin, err)
	}
	if existing, ok := s.joins[j.Digest]; ok {
		return existing.ID, nil
	}
	if s.reachable(j.SinkTable, j.BackSourceTable()) {
		return "", fmt.Errorf("%w: %s would close a cycle back to %s", ErrCircularJoin, j.SinkTable, j.BackSourceTable())
	}
	s.joins[j.Digest] = j
	s.bySink[j.SinkTable] = append(s.bySink[j.SinkTable], j)
	s.MakeTable(j.SinkTable)
	for _, t := range j.SourceTables {
		s.MakeTable(t)
	}
	s.enqueuePrewarm(j)
	return j.ID, nil
}

// reachable reports whether to is reachable from the sink side of
// from by following existing joins' backSourceTable -> SinkTable
// edges, i.e. whether some chain of installed joins eventually
// produces data in "to" starting from mutations of "from". Adding a
// new join whose back source is "to" and whose sink is "from" would
// then close a loop.
func (s *Server) reachable(from, to str.Str) bool {
	if from == to {
		return true
	}
	seen := map[str.Str]bool{from: true}
	stack := []str.Str{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, j := range s.joins {
			if j.BackSourceTable() != cur {
				continue
			}
			if j.SinkTable == to {
				return true
			}
			if !seen[j.SinkTable] {
				seen[j.SinkTable] = true
				stack = append(stack, j.SinkTable)
			}
		}
	}
	return false
}

// Get performs a point lookup, materializing the queried key's gap
// first if table is a sink of any registered join.
func (s *Server) Get(tableName, key str.Str) (str.Str, bool) {
	t, ok := s.table(tableName)
	if !ok {
		return "", false
	}
	s.validateKey(t, key)
	d, ok := t.Get(key)
	return d.Value, ok
}

// Insert upserts key -> value in table, creating the table on demand.
func (s *Server) Insert(tableName, key, value str.Str) {
	s.MakeTable(tableName).Insert(key, value)
}

// Erase removes key from table, reporting whether it was present. An
// unregistered table reports false without creating one, per the
// "ignored for insert/erase" half of spec.md §7.2 read literally for
// erase's return value (there is nothing to erase either way).
func (s *Server) Erase(tableName, key str.Str) bool {
	t, ok := s.table(tableName)
	if !ok {
		return false
	}
	return t.Erase(key)
}

// Modify applies fn to table's current datum for key, creating the
// table on demand (a modify that only ever erases or leaves a missing
// key unchanged is a no-op either way).
func (s *Server) Modify(tableName, key str.Str, fn func(old *table.Datum) table.ModifyResult) {
	s.MakeTable(tableName).Modify(key, fn)
}

// Count returns the number of keys in [first, last) of table,
// materializing the gap first if table is a sink.
func (s *Server) Count(tableName, first, last str.Str) uint64 {
	t, ok := s.table(tableName)
	if !ok {
		return 0
	}
	s.validateRange(t, first, last)
	return t.Count(first, last)
}

// AddCount is count with on-the-fly materialization -- identical to
// Count here, since every read path already materializes lazily; the
// distinction in spec.md §6 matters for a collaborator deciding
// whether to pay that cost, not for the core's own behavior.
func (s *Server) AddCount(tableName, first, last str.Str) uint64 {
	return s.Count(tableName, first, last)
}

// Scan returns every datum with Key in [first, last) of table,
// materializing the gap first if table is a sink.
func (s *Server) Scan(tableName, first, last str.Str) []table.Datum {
	t, ok := s.table(tableName)
	if !ok {
		return nil
	}
	s.validateRange(t, first, last)
	return t.ScanAll(first, last)
}

// validateKey materializes the single-key gap at key, inferring the
// query's Match from the sink's own pattern (an exact point key always
// fully binds every slot, unlike an arbitrary byte-range scan).
func (s *Server) validateKey(t *table.Table, key str.Str) {
	joins := s.bySink[t.Name()]
	if len(joins) == 0 {
		return
	}
	succ := append(append([]byte{}, key.Bytes()...), 0x00)
	last := str.Borrow(succ)
	for _, j := range joins {
		m, ok := j.Sink.MatchKey(key)
		if !ok {
			continue
		}
		s.ctrl.Validate(t, []*join.Join{j}, m, key, last)
	}
}

// validateRange materializes [first, last), treating it as an
// unbound (whole-range) query for every join targeting t -- spec.md
// §8 scenario 5's "first scan timeline|*| triggers accumulator seed"
// is exactly this case. A caller wanting a narrower match should go
// through Get for each key instead.
func (s *Server) validateRange(t *table.Table, first, last str.Str) {
	joins := s.bySink[t.Name()]
	if len(joins) == 0 {
		return
	}
	s.ctrl.Validate(t, joins, pattern.Match{}, first, last)
}

// Stats reports diagnostic counters as a JSON-able value: per-table
// row counts and installed-subscriber counts, plus the process-wide
// (here, server-wide) allocated_key_bytes counter from spec.md §9.
func (s *Server) Stats() map[string]interface{} {
	names := maps.Keys(s.tables)
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	tables := make(map[string]interface{}, len(names))
	for _, name := range names {
		t := s.tables[name]
		tables[string(name)] = map[string]interface{}{
			"rows":        t.Len(),
			"subscribers": t.SubscriberCount(),
		}
	}
	return map[string]interface{}{
		"tables":              tables,
		"joins":               len(s.joins),
		"allocated_key_bytes": s.acct.n,
		"pending_prewarms":    len(s.pending),
	}
}

// Release gives back a Range's heap-allocated key storage's
// accounting. Exposed so callers tearing down a join (not currently
// reachable from this server's own API, since joins are never
// unregistered once added) can keep the allocated_key_bytes invariant
// from spec.md §8 ("returns to its pre-test value after all tables and
// joins are destroyed") honest in tests that construct Ranges directly.
func (s *Server) Release(r *source.Range) { r.Release() }
