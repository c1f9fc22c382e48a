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

// Package join defines a join: an ordered list of source patterns
// feeding a sink pattern, tagged with one aggregation variant, and
// the textual grammar (§6) used to register one with a server.
package join

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/google/uuid"

	"github.com/pequodb/pequod/pattern"
	"github.com/pequodb/pequod/str"
)

// Kind tags a join's aggregation variant. Variants are modeled as a
// tagged union dispatched by Kind, not as open polymorphism over five
// separate types, per the original engine's design notes.
type Kind int

const (
	Copy Kind = iota
	Count
	Min
	Max
	Sum
)

func (k Kind) String() string {
	switch k {
	case Copy:
		return "copy"
	case Count:
		return "count"
	case Min:
		return "min"
	case Max:
		return "max"
	case Sum:
		return "sum"
	default:
		return "unknown"
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "copy":
		return Copy, nil
	case "count":
		return Count, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	case "sum":
		return Sum, nil
	default:
		return 0, fmt.Errorf("join: unknown aggregation %q", s)
	}
}

// Bounds is an optional inclusive/exclusive integer interval a
// SourceRange's value must satisfy for an update to count as a
// logical insert into the aggregation.
type Bounds struct {
	HasLo, HasHi bool
	Lo, Hi       int64
}

// Admits reports whether v is within bounds. A zero Bounds value
// admits every v.
func (b Bounds) Admits(v int64) bool {
	if b.HasLo && v < b.Lo {
		return false
	}
	if b.HasHi && v >= b.Hi {
		return false
	}
	return true
}

// Join is the compiled form of one join registration.
type Join struct {
	ID      string
	Digest  string
	Sources []pattern.Pattern
	// SourceTables[i] is the table Sources[i] reads from, inferred
	// from the pattern's leading literal run.
	SourceTables []str.Str
	Sink         pattern.Pattern
	SinkTable    str.Str
	Kind         Kind
	Bounds       Bounds
}

// BackSource returns the last source pattern -- the one whose
// mutations trigger the join.
func (j *Join) BackSource() pattern.Pattern {
	return j.Sources[len(j.Sources)-1]
}

// BackSourceTable returns the table name of the back source.
func (j *Join) BackSourceTable() str.Str {
	return j.SourceTables[len(j.SourceTables)-1]
}

// Expand applies the back source's MatchKey against srcKey and then
// expands the sink pattern from the resulting Match into out, which
// must have length j.Sink.Width(). This is the join-level primitive
// spec.md §4.D calls "expand(out, source_key)".
func (j *Join) Expand(out []byte, srcKey str.Str) error {
	m, ok := j.BackSource().MatchKey(srcKey)
	if !ok {
		return fmt.Errorf("join: %q does not match the back source pattern", srcKey)
	}
	return j.Sink.Expand(out, m)
}

// ExpandStr is the allocating form of Expand: given a source key, it
// returns the one concrete sink key it affects, or false if srcKey
// does not match the back source pattern.
func (j *Join) ExpandStr(srcKey str.Str) (str.Str, bool, error) {
	m, ok := j.BackSource().MatchKey(srcKey)
	if !ok {
		return "", false, nil
	}
	sinkKey, err := j.Sink.ExpandStr(m)
	if err != nil {
		return "", false, err
	}
	return sinkKey, true, nil
}

// splitTableName splits a pattern string's leading literal run off as
// the table name and returns the remainder, which is what actually
// gets parsed into a Pattern. A table is its own Table object (see
// package table), addressed by name through the server's registry, so
// the table name is never stored as part of a row's key the way the
// rest of the literal/slot segments are -- keeping it in the Pattern
// would both waste key bytes on every row and break MatchKey/RangeFor
// for any table whose rows are narrower than name-prefix-plus-slots.
func splitTableName(spec string) (name, rest string, err error) {
	i := strings.IndexByte(spec, '|')
	switch {
	case i == 0:
		return "", "", fmt.Errorf("join: pattern %q has no literal table-name prefix", spec)
	case i > 0:
		return spec[:i], spec[i:], nil
	case spec == "":
		return "", "", fmt.Errorf("join: empty pattern")
	default:
		return spec, "", nil
	}
}

// Parse reads the join-spec textual grammar documented in
// SPEC_FULL.md §6:
//
//	p <pattern>
//	...
//	<sink-pattern>
//	<aggregation> [bounds lo,hi]
func Parse(spec string) (*Join, error) {
	lines := strings.Split(strings.TrimSpace(spec), "\n")
	var sourceSpecs []string
	var sinkSpec, aggLine string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "p ") {
			sourceSpecs = append(sourceSpecs, strings.TrimSpace(line[2:]))
			continue
		}
		if sinkSpec == "" {
			sinkSpec = line
			continue
		}
		aggLine = line
	}
	if len(sourceSpecs) == 0 {
		return nil, fmt.Errorf("join: no source patterns (missing 'p ...' lines)")
	}
	if sinkSpec == "" {
		return nil, fmt.Errorf("join: missing sink pattern")
	}
	if aggLine == "" {
		return nil, fmt.Errorf("join: missing aggregation directive")
	}

	j := &Join{}
	for _, s := range sourceSpecs {
		tbl, rest, err := splitTableName(s)
		if err != nil {
			return nil, err
		}
		p, err := pattern.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("join: source pattern %q: %w", s, err)
		}
		j.Sources = append(j.Sources, p)
		j.SourceTables = append(j.SourceTables, str.Str(tbl))
	}
	sinkTbl, sinkRest, err := splitTableName(sinkSpec)
	if err != nil {
		return nil, err
	}
	sink, err := pattern.Parse(sinkRest)
	if err != nil {
		return nil, fmt.Errorf("join: sink pattern %q: %w", sinkSpec, err)
	}
	j.Sink = sink
	j.SinkTable = str.Str(sinkTbl)

	fields := strings.Fields(aggLine)
	kind, err := parseKind(fields[0])
	if err != nil {
		return nil, err
	}
	j.Kind = kind
	if len(fields) > 1 && fields[1] == "bounds" && len(fields) > 2 {
		lo, hi, ok := strings.Cut(fields[2], ",")
		if !ok {
			return nil, fmt.Errorf("join: malformed bounds directive %q", fields[2])
		}
		if lo != "" {
			v, err := strconv.ParseInt(lo, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("join: bad bounds lo %q: %w", lo, err)
			}
			j.Bounds.HasLo, j.Bounds.Lo = true, v
		}
		if hi != "" {
			v, err := strconv.ParseInt(hi, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("join: bad bounds hi %q: %w", hi, err)
			}
			j.Bounds.HasHi, j.Bounds.Hi = true, v
		}
	}

	if err := j.validate(); err != nil {
		return nil, err
	}
	j.Digest = digest(spec)
	j.ID = j.Digest + "-" + shortUUID()
	return j, nil
}

// validate checks invariants #1-#3 from SPEC_FULL.md/spec.md §4.D:
// every sink slot is bound by some source, and every referenced slot
// width agrees across patterns that share it.
func (j *Join) validate() error {
	bound := make(map[string]int)
	for _, s := range j.Sources {
		for _, slot := range s.Slots() {
			w, _ := s.SlotWidth(slot)
			if existing, ok := bound[slot]; ok && existing != w {
				return fmt.Errorf("join: slot %q has inconsistent widths across sources (%d vs %d)", slot, existing, w)
			}
			bound[slot] = w
		}
	}
	for _, slot := range j.Sink.Slots() {
		w, _ := j.Sink.SlotWidth(slot)
		sw, ok := bound[slot]
		if !ok {
			return fmt.Errorf("join: sink slot %q is not bound by any source", slot)
		}
		if sw != w {
			return fmt.Errorf("join: sink slot %q has width %d, sources bind it with width %d", slot, w, sw)
		}
	}
	return nil
}

// digest content-addresses the join spec text (with surrounding
// whitespace trimmed) with blake2b so that
// registering byte-identical join text twice is idempotent -- the
// server compares Digest, not ID, to decide whether add_join should
// report back an existing JoinId instead of building a second,
// redundant subscription tree.
func digest(spec string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(spec)))
	return fmt.Sprintf("%x", sum[:8])
}

func shortUUID() string {
	var seed [16]byte
	_, _ = rand.Read(seed[:])
	id, err := uuid.FromBytes(seed[:])
	if err != nil {
		return "0"
	}
	return id.String()[:8]
}
