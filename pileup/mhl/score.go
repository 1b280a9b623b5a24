// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package mhl

import (
	"github.com/grailbio/bio-mhl/methyl"
)

// DefaultMaxHaplotype is the haplotype-length cap used when Opts.MaxHaplotype
// is not positive. It is also the largest cap accepted.
const DefaultMaxHaplotype = 65536

// Tetrahedral returns n(n+1)(n+2)/6: the sum, over sub-run lengths i in
// [1, n], of i times the number of placements of an i-run within an n-run.
// It is the lMHL weight of a fully methylated run of length n.
func Tetrahedral(n uint64) uint64 {
	return n * (n + 1) * (n + 2) / 6
}

// mhlTable holds Tetrahedral(0..K). Lookups past K saturate at
// Tetrahedral(K).
type mhlTable []uint64

func newMHLTable(maxHaplotype int) mhlTable {
	if maxHaplotype <= 0 || maxHaplotype > DefaultMaxHaplotype {
		maxHaplotype = DefaultMaxHaplotype
	}
	t := make(mhlTable, maxHaplotype+1)
	for n := range t {
		t[n] = Tetrahedral(uint64(n))
	}
	return t
}

func (t mhlTable) at(n int) uint64 {
	if n >= len(t) {
		return t[len(t)-1]
	}
	return t[n]
}

// Run is a maximal stretch of methylated in-context calls. Start and End are
// offsets into the call string (End inclusive); Len counts the in-context
// calls in the stretch, which may be smaller than End-Start+1 when
// out-of-context calls are interleaved.
type Run struct {
	Start, End, Len int
}

// Score is the lMHL contribution of one fragment.
type Score struct {
	// HSize is the number of in-context calls in the fragment.
	HSize int
	// Num[i] is the weight of the methylated run covering offset i, or 0.
	// It aliases the Scorer's buffer and is valid until the next Score call.
	Num []uint64
	// Den is the weight of a fully methylated haplotype of size HSize. It is
	// the denominator contribution of every folded offset.
	Den uint64
}

// Scorer computes per-offset lMHL numerators for fused call strings. A
// Scorer owns grow-only scratch space and must not be shared across
// goroutines.
type Scorer struct {
	sel          methyl.Selector
	table        mhlTable
	minHaplotype int
	num          []uint64
	runs         []Run
}

// NewScorer creates a Scorer for the given context selector, haplotype
// length cap and minimum haplotype size.
func NewScorer(sel methyl.Selector, maxHaplotype, minHaplotype int) *Scorer {
	return &Scorer{
		sel:          sel,
		table:        newMHLTable(maxHaplotype),
		minHaplotype: minHaplotype,
	}
}

// Weight returns the (capped) weight of a methylated run of length n.
func (s *Scorer) Weight(n int) uint64 { return s.table.at(n) }

// Runs returns the methylated runs found by the last Score call. The slice is
// reused by the next call.
func (s *Scorer) Runs() []Run { return s.runs }

// Score scans calls once. A methylated in-context call extends the current
// run; an unmethylated in-context call closes it. Out-of-context calls are
// transparent. It returns ok=false, leaving Num unset, when the fragment has
// fewer in-context calls than the minimum haplotype size.
func (s *Scorer) Score(calls []byte) (sc Score, ok bool) {
	s.runs = s.runs[:0]
	run := Run{}
	for i, c := range calls {
		idx := methyl.CallIndex(c)
		if !s.sel.Has(idx) {
			continue
		}
		sc.HSize++
		if methyl.IsMethylated(idx) {
			if run.Len == 0 {
				run.Start = i
			}
			run.End = i
			run.Len++
		} else if run.Len > 0 {
			s.runs = append(s.runs, run)
			run = Run{}
		}
	}
	if run.Len > 0 {
		s.runs = append(s.runs, run)
	}
	if sc.HSize < s.minHaplotype {
		return Score{HSize: sc.HSize}, false
	}

	if cap(s.num) < len(calls) {
		s.num = make([]uint64, len(calls))
	}
	num := s.num[:len(calls)]
	for i := range num {
		num[i] = 0
	}
	for _, r := range s.runs {
		w := s.table.at(r.Len)
		for i := r.Start; i <= r.End; i++ {
			num[i] = w
		}
	}
	sc.Num = num
	sc.Den = s.table.at(sc.HSize)
	return sc, true
}
