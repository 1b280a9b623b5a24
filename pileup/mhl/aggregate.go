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
	"sort"

	"github.com/grailbio/bio-mhl/methyl"
	"github.com/grailbio/bio-mhl/pileup"
)

// RowWriter receives the rows produced by an Aggregator flush. The row is
// only valid for the duration of the call.
type RowWriter interface {
	WriteRow(r *Row) error
}

// cell accumulates statistics for one (position, strand).
type cell struct {
	hsizeSum uint64
	pos      PosType
	strand   pileup.StrandType
	counts   [methyl.NumIndex]uint32
	coverage uint32
	num      uint64
	den      uint64
}

func cellKey(pos PosType, strand pileup.StrandType) uint64 {
	return uint64(pos)<<2 | uint64(strand)
}

// dominant applies the reporting policy: a cell is reported only if more than
// half of its folded calls belong to one context family, checked in CHH, CHG,
// CpG order, and not more than half are non-cytosines.
func (c *cell) dominant() (methyl.Context, bool) {
	half := c.coverage / 2
	if c.counts[methyl.IdxNotApplicable] > half {
		return methyl.ContextNone, false
	}
	for _, ctx := range [...]methyl.Context{methyl.ContextCHH, methyl.ContextCHG, methyl.ContextCpG} {
		i := ctx.MethIndex()
		if c.counts[i]+c.counts[i|methyl.UnmethBit] > half {
			return ctx, true
		}
	}
	return methyl.ContextNone, false
}

// Aggregator folds position-sorted fragments into per-(position, strand)
// cells and flushes them to a RowWriter once the stream moves past them.
//
// Input must be sorted by (reference, start). This is not checked: unsorted
// input yields split or duplicated rows.
type Aggregator struct {
	sel   methyl.Selector
	w     RowWriter
	cells map[uint64]*cell
	free  []*cell
	keys  []uint64
	row   Row

	refID int
	// endMax is 1 + the highest position folded since the last flush.
	endMax PosType

	// Rows is the number of rows written.
	Rows int64
}

// NewAggregator creates an Aggregator reporting cells whose dominant context
// is in sel.
func NewAggregator(sel methyl.Selector, w RowWriter) *Aggregator {
	return &Aggregator{
		sel:   sel,
		w:     w,
		cells: make(map[uint64]*cell),
		refID: -1,
	}
}

// advance flushes the table if frag starts past every tracked position or on
// a different reference.
func (a *Aggregator) advance(frag *Fragment) error {
	if frag.RefID == a.refID && frag.Start < a.endMax {
		return nil
	}
	if err := a.flush(); err != nil {
		return err
	}
	a.refID = frag.RefID
	return nil
}

// Skip advances the aggregator to frag without folding it. It is used for
// fragments below the minimum haplotype size.
func (a *Aggregator) Skip(frag *Fragment) error {
	return a.advance(frag)
}

// Add folds frag. Every offset except the ambiguous '+'/'-' calls is counted,
// including out-of-context ones, so that the reporting policy can see the
// context mix at each position.
func (a *Aggregator) Add(frag *Fragment, sc Score) error {
	if err := a.advance(frag); err != nil {
		return err
	}
	hsize := uint64(sc.HSize)
	for i, c := range frag.Calls {
		idx := methyl.CallIndex(c)
		if idx == methyl.IdxAmbiguous {
			continue
		}
		pos := frag.Start + PosType(i)
		key := cellKey(pos, frag.Strand)
		cl := a.cells[key]
		if cl == nil {
			cl = a.newCell(pos, frag.Strand)
			a.cells[key] = cl
		}
		cl.counts[idx]++
		cl.coverage++
		cl.hsizeSum += hsize
		cl.num += sc.Num[i]
		cl.den += sc.Den
		if pos >= a.endMax {
			a.endMax = pos + 1
		}
	}
	return nil
}

func (a *Aggregator) newCell(pos PosType, strand pileup.StrandType) *cell {
	var cl *cell
	if n := len(a.free); n > 0 {
		cl = a.free[n-1]
		a.free = a.free[:n-1]
		*cl = cell{}
	} else {
		cl = &cell{}
	}
	cl.pos, cl.strand = pos, strand
	return cl
}

// Finish flushes the remaining cells.
func (a *Aggregator) Finish() error {
	return a.flush()
}

// flush reports every cell in (position, strand) order and clears the table.
func (a *Aggregator) flush() (err error) {
	if len(a.cells) == 0 {
		a.endMax = 0
		return nil
	}
	a.keys = a.keys[:0]
	for k := range a.cells {
		a.keys = append(a.keys, k)
	}
	sort.Slice(a.keys, func(i, j int) bool { return a.keys[i] < a.keys[j] })
	for _, k := range a.keys {
		cl := a.cells[k]
		if err == nil {
			err = a.report(cl)
		}
		a.free = append(a.free, cl)
		delete(a.cells, k)
	}
	a.endMax = 0
	return err
}

func (a *Aggregator) report(cl *cell) error {
	ctx, ok := cl.dominant()
	if !ok || !a.sel.Has(ctx.MethIndex()) {
		return nil
	}
	i := ctx.MethIndex()
	cov := cl.counts[i] + cl.counts[i|methyl.UnmethBit]
	a.row = Row{
		RefID:    uint32(a.refID),
		Pos:      uint32(cl.pos),
		Strand:   cl.strand,
		Context:  ctx,
		Coverage: cov,
		HLen:     float64(cl.hsizeSum) / float64(cov),
		MHL:      float64(cl.num) / float64(cl.den),
	}
	a.Rows++
	return a.w.WriteRow(&a.row)
}
