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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/bio-mhl/methyl"
	"github.com/grailbio/bio-mhl/pileup"
)

// Row is one reported (position, strand). Pos is 0-based.
type Row struct {
	RefID    uint32
	Pos      uint32
	Strand   pileup.StrandType
	Context  methyl.Context
	Coverage uint32
	// HLen is the average in-context haplotype size of the fragments covering
	// the position.
	HLen float64
	// MHL is the linearized methylation haplotype load.
	MHL float64
}

const rowSize = 30

// cutAndAdvance returns s[offset:offset+pieceLen], and increments offset by
// pieceLen.
func cutAndAdvance(offset *int, s []byte, pieceLen int) []byte {
	tmpSlice := s[(*offset):]
	*offset += pieceLen
	return tmpSlice[:pieceLen]
}

// Serialized format:
//   [0..4): refID
//   [4..8): pos
//   [8]: strand
//   [9]: context
//   [10..14): coverage
//   [14..22): hlen, IEEE 754 bits
//   [22..30): mhl, IEEE 754 bits
func marshalRow(scratch []byte, p interface{}) ([]byte, error) {
	r := p.(*Row)
	t := scratch
	if len(t) < rowSize {
		t = make([]byte, rowSize)
	}
	offset := 0
	head := cutAndAdvance(&offset, t, 10)
	binary.LittleEndian.PutUint32(head[0:4], r.RefID)
	binary.LittleEndian.PutUint32(head[4:8], r.Pos)
	head[8] = byte(r.Strand)
	head[9] = byte(r.Context)
	binary.LittleEndian.PutUint32(cutAndAdvance(&offset, t, 4), r.Coverage)
	binary.LittleEndian.PutUint64(cutAndAdvance(&offset, t, 8), math.Float64bits(r.HLen))
	binary.LittleEndian.PutUint64(cutAndAdvance(&offset, t, 8), math.Float64bits(r.MHL))
	return t[:rowSize], nil
}

func unmarshalRow(in []byte) (interface{}, error) {
	if len(in) != rowSize {
		return nil, fmt.Errorf("mhl.unmarshalRow: got %d bytes, want %d", len(in), rowSize)
	}
	offset := 0
	head := cutAndAdvance(&offset, in, 10)
	r := &Row{
		RefID:   binary.LittleEndian.Uint32(head[0:4]),
		Pos:     binary.LittleEndian.Uint32(head[4:8]),
		Strand:  pileup.StrandType(head[8]),
		Context: methyl.Context(head[9]),
	}
	r.Coverage = binary.LittleEndian.Uint32(cutAndAdvance(&offset, in, 4))
	r.HLen = math.Float64frombits(binary.LittleEndian.Uint64(cutAndAdvance(&offset, in, 8)))
	r.MHL = math.Float64frombits(binary.LittleEndian.Uint64(cutAndAdvance(&offset, in, 8)))
	return r, nil
}
