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

package server

import (
	"github.com/pequodb/pequod/heap"
	"github.com/pequodb/pequod/join"
	"github.com/pequodb/pequod/pattern"
)

// prewarmJob is queued work created by AddJoin: rather than waiting
// for the first get/scan to hit a gap, a freshly registered join can
// have its whole back-source range materialized ahead of need. seq
// breaks ties so the queue drains in registration order.
type prewarmJob struct {
	seq int64
	j   *join.Join
}

func lessJob(a, b prewarmJob) bool { return a.seq < b.seq }

// enqueuePrewarm schedules j's full back-source range for eager
// materialization the next time Pace runs.
func (s *Server) enqueuePrewarm(j *join.Join) {
	s.seq++
	heap.PushSlice(&s.pending, prewarmJob{seq: s.seq, j: j}, lessJob)
}

// Pace is the cooperative backpressure barrier from spec.md §6: it
// drains queued prewarm jobs until at most threshold remain. In
// this engine's single-task cooperative scheduling model (spec.md §5)
// there is no other task to wait on, so draining is just doing the
// work inline -- Pace returns once the queue is short enough, never
// blocking on I/O.
func (s *Server) Pace(threshold int) {
	for len(s.pending) > threshold {
		job := heap.PopSlice(&s.pending, lessJob)
		s.runPrewarm(job.j)
	}
}

// runPrewarm materializes a join's entire back-source range against
// its sink, as if a client had scanned the sink's full key space.
func (s *Server) runPrewarm(j *join.Join) {
	sink := s.MakeTable(j.SinkTable)
	ibegin, iend := j.Sink.RangeFor(pattern.Match{})
	s.ctrl.Validate(sink, []*join.Join{j}, pattern.Match{}, ibegin, iend)
}
