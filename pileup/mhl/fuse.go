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
	"fmt"

	"github.com/grailbio/bio-mhl/pileup"
	"github.com/grailbio/hts/sam"
)

// Fragment is the consensus view of one sequenced fragment: its read (or
// both mates) projected onto the reference interval [Start, Start+len(Calls)).
// Offsets not covered by any surviving base hold 'N' in Seq and '-' in
// Calls.
type Fragment struct {
	RefID  int
	Start  PosType
	Strand pileup.StrandType
	Seq    []byte
	Calls  []byte
}

// End returns one past the last reference position of the fragment.
func (f *Fragment) End() PosType { return f.Start + PosType(len(f.Calls)) }

// CigarError reports a CIGAR operation the fuser cannot interpret. It is
// fatal for the whole run.
type CigarError struct {
	Name string
	Op   sam.CigarOpType
}

func (e *CigarError) Error() string {
	return fmt.Sprintf("unknown CIGAR operation %d for BAM entry %s", int(e.Op), e.Name)
}

// Fuser merges the records of a fragment. The scratch buffers it owns are
// grow-only and reused across calls, so a Fuser must not be shared across
// goroutines and the returned Fragment is only valid until the next Fuse.
type Fuser struct {
	paired bool
	// minQual is the quality sentinel; a base is used iff its quality
	// exceeds it.
	minQual int16

	qual  []int16
	seq   []byte
	calls []byte

	// DroppedNoTag counts records without XG or XM tags.
	DroppedNoTag int64
	// DroppedOtherRef counts records whose reference differs from the first
	// surviving record of their fragment.
	DroppedOtherRef int64
}

// NewFuser creates a Fuser. In paired mode the fragment span is taken from the
// template length; otherwise from each record's own alignment. minBaseQual is
// inclusive.
func NewFuser(paired bool, minBaseQual int) *Fuser {
	return &Fuser{
		paired:  paired,
		minQual: int16(minBaseQual) - 1,
	}
}

// refSpan returns the number of reference bases r's alignment covers.
// sam.Cigar.Lengths is not used since it does not reject unknown operations.
func refSpan(r *sam.Record) (int, error) {
	span := 0
	for _, op := range r.Cigar {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion, sam.CigarSkipped:
			span += op.Len()
		case sam.CigarInsertion, sam.CigarSoftClipped, sam.CigarHardClipped, sam.CigarPadded, sam.CigarBack:
		default:
			return 0, &CigarError{Name: r.Name, Op: op.Type()}
		}
	}
	return span, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Fuse merges recs into one Fragment. Records lacking an XG or XM tag are
// dropped, as are records on a different reference than the first surviving
// one; ok is false when none survive. Where records overlap, the base
// with the strictly higher quality wins, so ties keep the earlier record.
// Strand comes from the first surviving record.
func (f *Fuser) Fuse(recs []*sam.Record) (frag Fragment, ok bool, err error) {
	var first *sam.Record
	start, end := 0, 0
	for _, r := range recs {
		if pileup.GetStrand(r) == pileup.StrandNone || pileup.GetCalls(r) == nil {
			f.DroppedNoTag++
			continue
		}
		if first != nil && r.Ref.ID() != first.Ref.ID() {
			f.DroppedOtherRef++
			continue
		}
		span, e := refSpan(r)
		if e != nil {
			return Fragment{}, false, e
		}
		rEnd := r.Pos + span
		if first == nil {
			first = r
			start, end = r.Pos, rEnd
			if f.paired {
				if r.MatePos >= 0 && r.MatePos < start && r.MateRef.ID() == r.Ref.ID() {
					start = r.MatePos
				}
				if tEnd := start + abs(r.TempLen); tEnd > end {
					end = tEnd
				}
			}
			continue
		}
		if r.Pos < start {
			start = r.Pos
		}
		if rEnd > end {
			end = rEnd
		}
	}
	if first == nil {
		return Fragment{}, false, nil
	}
	width := end - start
	f.reset(width)

	for _, r := range recs {
		calls := pileup.GetCalls(r)
		if calls == nil || pileup.GetStrand(r) == pileup.StrandNone || r.Ref.ID() != first.Ref.ID() {
			continue
		}
		if err = f.apply(r, calls, r.Pos-start); err != nil {
			return Fragment{}, false, err
		}
	}
	frag = Fragment{
		RefID:  first.Ref.ID(),
		Start:  PosType(start),
		Strand: pileup.GetStrand(first),
		Seq:    f.seq,
		Calls:  f.calls,
	}
	return frag, true, nil
}

// reset sizes the scratch buffers to width and fills them with sentinels.
func (f *Fuser) reset(width int) {
	if cap(f.calls) < width {
		f.qual = make([]int16, width)
		f.seq = make([]byte, width)
		f.calls = make([]byte, width)
	}
	f.qual, f.seq, f.calls = f.qual[:width], f.seq[:width], f.calls[:width]
	for i := 0; i < width; i++ {
		f.qual[i] = f.minQual
		f.seq[i] = 'N'
		f.calls[i] = '-'
	}
}

// apply walks r's CIGAR, writing each aligned base whose quality beats the
// stored one. destPos is r's offset within the fragment.
func (f *Fuser) apply(r *sam.Record, calls []byte, destPos int) error {
	queryPos := 0
	nQuery := r.Seq.Length
	if len(calls) < nQuery {
		nQuery = len(calls)
	}
	if len(r.Qual) < nQuery {
		nQuery = len(r.Qual)
	}
	for _, op := range r.Cigar {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for j := 0; j < n; j++ {
				q, d := queryPos+j, destPos+j
				if q >= nQuery || d < 0 || d >= len(f.calls) {
					continue
				}
				if qual := int16(r.Qual[q]); qual > f.qual[d] {
					f.qual[d] = qual
					f.seq[d] = pileup.Seq8ToASCIITable[pileup.Seq8At(r.Seq, q)]
					f.calls[d] = calls[q]
				}
			}
			queryPos += n
			destPos += n
		case sam.CigarInsertion, sam.CigarSoftClipped:
			queryPos += n
		case sam.CigarDeletion, sam.CigarSkipped:
			destPos += n
		case sam.CigarHardClipped, sam.CigarPadded, sam.CigarBack:
		default:
			return &CigarError{Name: r.Name, Op: op.Type()}
		}
	}
	return nil
}
