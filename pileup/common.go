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
package pileup

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio-mhl/encoding/fasta"
	"github.com/grailbio/hts/sam"
)

// Common pileup components.

// PosType is the integer type used to represent genomic positions.
type PosType = int32

// PosTypeMax is the maximum value that can be represented by a PosType.
const PosTypeMax = math.MaxInt32

// Seq8ToASCIITable is the .bam seq nibble -> ASCII mapping.
var Seq8ToASCIITable = [...]byte{'=', 'A', 'C', 'M', 'G', 'R', 'S', 'V', 'T', 'W', 'Y', 'H', 'K', 'D', 'B', 'N'}

// Seq8At returns the 4-bit .bam seq code of base i.
//
// REQUIRES: 0 <= i < seq.Length.
func Seq8At(seq sam.Seq, i int) byte {
	d := byte(seq.Seq[i>>1])
	if i&1 == 0 {
		return d >> 4
	}
	return d & 15
}

// StrandType describes which genomic strand a bisulfite read(-pair) was
// converted on.
type StrandType int

const (
	// StrandNone means no strand restriction, or (when returned by GetStrand)
	// that the conversion strand is unknown.
	StrandNone StrandType = iota
	// StrandFwd is the C->T converted (top) strand.
	StrandFwd
	// StrandRev is the G->A converted (bottom) strand.
	StrandRev
)

// StrandTypeToASCIITable is the StrandType -> ASCII mapping.
var StrandTypeToASCIITable = [...]byte{'.', '+', '-'}

// XGTag is the aux tag holding the genome conversion strand ("CT" or "GA").
var XGTag = sam.NewTag("XG")

// XMTag is the aux tag holding the per-base methylation-call string.
var XMTag = sam.NewTag("XM")

// GetStrand returns the conversion strand recorded in samr's XG tag: StrandFwd
// for "CT", StrandRev for anything else. It returns StrandNone when the tag is
// absent or empty.
func GetStrand(samr *sam.Record) StrandType {
	aux := samr.AuxFields.Get(XGTag)
	if aux == nil {
		return StrandNone
	}
	v, ok := aux.Value().(string)
	if !ok || len(v) == 0 {
		return StrandNone
	}
	if v[0] == 'C' {
		return StrandFwd
	}
	return StrandRev
}

// GetCalls returns the methylation-call string in samr's XM tag, or nil when
// the tag is missing. The result aliases the record's aux storage.
func GetCalls(samr *sam.Record) []byte {
	aux := samr.AuxFields.Get(XMTag)
	if len(aux) <= 3 || aux.Type() != 'Z' {
		return nil
	}
	// Skip the tag name and type byte.
	return aux[3:]
}

// ParseCols parses a column-set-descriptor string given on the command line
// (colsParam) into an integer bitset for internal use.
func ParseCols(colsParam string, colNameMap map[string]int, defaultColBitset int) (colBitset int, err error) {
	if colsParam == "" {
		return defaultColBitset, nil
	}

	colsParamParts := strings.Split(colsParam, ",")
	// Either every part has a '+'/'-' prefix, patching the default set, or none
	// has one and the parts replace it.
	patch := isPatch(colsParamParts[0])
	if patch {
		colBitset = defaultColBitset
	}
	for _, part := range colsParamParts {
		if part == "" || isPatch(part) != patch {
			err = fmt.Errorf("parseCols: either all terms in column set descriptor must be preceded by +/-, or none can be")
			return
		}
		name := part
		if patch {
			name = part[1:]
		}
		v := colNameMap[name]
		if v == 0 {
			err = fmt.Errorf("parseCols: %v not found", name)
			return
		}
		if patch && part[0] == '-' {
			colBitset &= ^v
		} else {
			colBitset |= v
		}
	}
	return colBitset, nil
}

func isPatch(part string) bool {
	return part != "" && (part[0] == '+' || part[0] == '-')
}

// LoadFa is a thin wrapper around fasta.New(). Gzipped input is detected and
// decompressed.
func LoadFa(ctx context.Context, fapath string) (fa fasta.Fasta, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, fapath); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, infile, &err)
	reader, _ := compress.NewReader(infile.Reader(ctx))
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return fasta.New(reader)
}

// FaToByteSlices returns the data in fa as a [][]byte, using the reference
// order in headerRefs[].  It performs reference-length consistency checks
// between headerRefs and fa in the process.  References missing from fa are
// left nil.
func FaToByteSlices(fa fasta.Fasta, headerRefs []*sam.Reference) ([][]byte, error) {
	nXamRef := len(headerRefs)
	refSeqs := make([][]byte, nXamRef)
	nMissingFromFa := 0
	for i, curRef := range headerRefs {
		refName := curRef.Name()
		refLen, e := fa.Len(refName)
		if e != nil {
			nMissingFromFa++
			continue
		}
		if refLen != uint64(curRef.Len()) {
			return nil, fmt.Errorf("pileup.FaToByteSlices: inconsistent lengths for contig %s (%d in BAM header, %d in .fa)", refName, curRef.Len(), refLen)
		}
		if refLen == 0 {
			continue
		}
		refSeq, err := fa.Get(refName, 0, refLen)
		if err != nil {
			return nil, err
		}
		refSeqs[i] = []byte(refSeq)
	}
	if nMissingFromFa != 0 {
		log.Printf("pileup.FaToByteSlices: warning: %d reference(s) present in BAM header but missing from .fa", nMissingFromFa)
	}
	nMissingFromXam := len(fa.SeqNames()) + nMissingFromFa - nXamRef
	if nMissingFromXam != 0 {
		log.Printf("pileup.FaToByteSlices: warning: %d reference(s) present in .fa but missing from BAM header", nMissingFromXam)
	}
	return refSeqs, nil
}
