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

// Package pattern implements join key patterns: a fixed sequence of
// literal byte runs and named, fixed-width slots. A pattern can be
// instantiated against a Match to produce a concrete key (Expand), can
// extract a Match from a concrete key (MatchKey), and can derive the
// half-open byte-range spanning every key consistent with a partially
// bound Match (RangeFor).
package pattern

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pequodb/pequod/str"
)

// segment is either a literal byte run (slot == "") or a named,
// fixed-width slot.
type segment struct {
	literal []byte
	slot    string
	width   int
}

// Pattern is an ordered sequence of literal and slot segments sharing
// a single fixed total byte width.
type Pattern struct {
	segs       []segment
	width      int
	slotWidths map[string]int
	slotOrder  []string
}

// Match is a partial assignment of slot name to byte value. Widths
// are whatever was bound; Pattern methods validate them against the
// pattern's own slot widths.
type Match map[string][]byte

// Clone returns a copy of m that can be mutated independently.
func (m Match) Clone() Match {
	out := make(Match, len(m))
	for k, v := range m {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Bind returns a new Match with slot bound to v, leaving m untouched.
func (m Match) Bind(slot string, v []byte) Match {
	out := m.Clone()
	out[slot] = v
	return out
}

// Parse reads a pattern description made of literal text and
// |NAME:WIDTH| slot references, e.g. "timeline|USER:8|". Adjacent
// slots share the bar between them: "|U:5|P:3|".
func Parse(s string) (Pattern, error) {
	var p Pattern
	p.slotWidths = make(map[string]int)
	i := 0
	for i < len(s) {
		if s[i] == '|' {
			end := strings.IndexByte(s[i+1:], '|')
			if end < 0 {
				return Pattern{}, fmt.Errorf("pattern: unterminated slot in %q", s)
			}
			tok := s[i+1 : i+1+end]
			name, widthStr, ok := strings.Cut(tok, ":")
			if !ok {
				return Pattern{}, fmt.Errorf("pattern: slot %q missing :width", tok)
			}
			width, err := strconv.Atoi(widthStr)
			if err != nil || width <= 0 {
				return Pattern{}, fmt.Errorf("pattern: slot %q has invalid width", tok)
			}
			if existing, seen := p.slotWidths[name]; seen && existing != width {
				return Pattern{}, fmt.Errorf("pattern: slot %q redeclared with width %d, was %d", name, width, existing)
			}
			if _, seen := p.slotWidths[name]; !seen {
				p.slotOrder = append(p.slotOrder, name)
			}
			p.slotWidths[name] = width
			p.segs = append(p.segs, segment{slot: name, width: width})
			p.width += width
			// The closing '|' also opens an immediately following slot,
			// so "|U:5|P:3|" is two adjacent slots.
			i += 1 + end
			if next := strings.IndexByte(s[i+1:], '|'); next >= 0 && strings.Contains(s[i+1:i+1+next], ":") {
				continue
			}
			i++
			continue
		}
		start := i
		for i < len(s) && s[i] != '|' {
			i++
		}
		lit := []byte(s[start:i])
		p.segs = append(p.segs, segment{literal: lit})
		p.width += len(lit)
	}
	return p, nil
}

// Width returns the pattern's total, fixed, instantiated key length.
func (p Pattern) Width() int {
	return p.width
}

// Slots returns the pattern's slot names in first-appearance order.
func (p Pattern) Slots() []string {
	return p.slotOrder
}

// SlotWidth returns the fixed width of slot, and whether it exists in
// this pattern.
func (p Pattern) SlotWidth(slot string) (int, bool) {
	w, ok := p.slotWidths[slot]
	return w, ok
}

// Expand fills out, which must have length Width(), using literal
// bytes and slot values taken from m. Every slot referenced by the
// pattern must be bound in m with exactly its declared width.
func (p Pattern) Expand(out []byte, m Match) error {
	if len(out) != p.width {
		return fmt.Errorf("pattern: Expand buffer has length %d, want %d", len(out), p.width)
	}
	off := 0
	for _, seg := range p.segs {
		if seg.literal != nil {
			copy(out[off:], seg.literal)
			off += len(seg.literal)
			continue
		}
		v, ok := m[seg.slot]
		if !ok {
			return fmt.Errorf("pattern: Expand: slot %q unbound", seg.slot)
		}
		if len(v) != seg.width {
			return fmt.Errorf("pattern: Expand: slot %q has value of length %d, want %d", seg.slot, len(v), seg.width)
		}
		copy(out[off:], v)
		off += seg.width
	}
	return nil
}

// ExpandStr is a convenience wrapper around Expand that allocates its
// own output buffer.
func (p Pattern) ExpandStr(m Match) (str.Str, error) {
	buf := make([]byte, p.width)
	if err := p.Expand(buf, m); err != nil {
		return "", err
	}
	return str.Borrow(buf), nil
}

// MatchKey attempts to extract slot values from a concrete key,
// failing if the literal bytes disagree or the key's length doesn't
// match the pattern's fixed width.
func (p Pattern) MatchKey(key str.Str) (Match, bool) {
	b := []byte(key)
	if len(b) != p.width {
		return nil, false
	}
	m := make(Match, len(p.slotWidths))
	off := 0
	for _, seg := range p.segs {
		if seg.literal != nil {
			if string(b[off:off+len(seg.literal)]) != string(seg.literal) {
				return nil, false
			}
			off += len(seg.literal)
			continue
		}
		v := make([]byte, seg.width)
		copy(v, b[off:off+seg.width])
		if existing, ok := m[seg.slot]; ok && string(existing) != string(v) {
			return nil, false
		}
		m[seg.slot] = v
		off += seg.width
	}
	return m, true
}

// RangeFor computes the lexicographically inclusive lower bound and
// exclusive upper bound spanning every key consistent with the bound
// slots in partial: literals and bound slots fix exact bytes, and
// each unbound slot contributes all-0x00 bytes to the lower bound and
// a carry-propagated one-past-0xFF value to the upper bound.
func (p Pattern) RangeFor(partial Match) (ibegin, iend str.Str) {
	lo := make([]byte, p.width)
	hi := make([]byte, p.width)
	off := 0
	allBoundToMax := true
	for _, seg := range p.segs {
		if seg.literal != nil {
			copy(lo[off:], seg.literal)
			copy(hi[off:], seg.literal)
			off += len(seg.literal)
			continue
		}
		if v, ok := partial[seg.slot]; ok {
			copy(lo[off:], v)
			copy(hi[off:], v)
		} else {
			// lo segment is already zeroed; hi segment is all-0xFF,
			// handled via the carry-propagation pass below.
			for j := off; j < off+seg.width; j++ {
				hi[j] = 0xFF
			}
			allBoundToMax = false
		}
		off += seg.width
	}
	ibegin = str.Borrow(lo)
	if allBoundToMax {
		// every slot is bound: iend is ibegin's immediate successor,
		// i.e. ibegin with a zero byte appended (strict lex successor
		// of a fully-determined fixed-width key).
		succ := append(append([]byte{}, lo...), 0x00)
		return ibegin, str.Borrow(succ)
	}
	iend = str.Borrow(carryIncrement(hi))
	return ibegin, iend
}

// carryIncrement treats hi as a big-endian unsigned integer and
// returns hi+1 with carry propagation, truncating the result at the
// first byte (from the right) that isn't 0xFF. Truncating is safe
// here because that byte is always a literal or already-bound slot,
// i.e. identical across every real key this range could contain; the
// truncated comparison therefore resolves before the byte-length
// difference matters.
func carryIncrement(hi []byte) []byte {
	out := append([]byte{}, hi...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// every byte is already maxed (e.g. no bound prefix at all): the
	// tightest exclusive bound is one byte longer than any real key,
	// since every real key in this pattern shares the fixed width of
	// the hi array constructed above.
	return append(out, 0x00)
}
