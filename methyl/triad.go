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
package methyl

import "github.com/grailbio/bio-mhl/pileup"

// Base codes, as the low 3 bits of the ASCII letter. Case folds away.
const (
	codeA = 'A' & 7
	codeC = 'C' & 7
	codeT = 'T' & 7
	codeN = 'N' & 7
	codeG = 'G' & 7
)

// TriadSize is the number of entries in a triad lookup table.
const TriadSize = 512

var (
	triadForward [TriadSize]byte
	triadReverse [TriadSize]byte
)

func isBaseCode(b int) bool {
	return b == codeA || b == codeC || b == codeT || b == codeN || b == codeG
}

// The tables are only defined for ACGTN windows; anything else is '.'.
func init() {
	for i := 0; i < TriadSize; i++ {
		b0, b1, b2 := i>>6, (i>>3)&7, i&7
		triadForward[i], triadReverse[i] = '.', '.'
		if !isBaseCode(b0) || !isBaseCode(b1) || !isBaseCode(b2) {
			continue
		}
		if b0 == codeC {
			switch {
			case b1 == codeG:
				triadForward[i] = 'z'
			case b2 == codeG:
				triadForward[i] = 'x'
			default:
				triadForward[i] = 'h'
			}
		}
		if b2 == codeG {
			switch {
			case b1 == codeC:
				triadReverse[i] = 'z'
			case b0 == codeC:
				triadReverse[i] = 'x'
			default:
				triadReverse[i] = 'h'
			}
		}
	}
}

// TriadAddr returns the 9-bit table address of a 3-base window.
func TriadAddr(b0, b1, b2 byte) int {
	return int(b0&7)<<6 | int(b1&7)<<3 | int(b2&7)
}

// TriadContext returns the unmethylated call character ('z', 'x', 'h') that a
// cytosine in the given window would carry, or '.' if the window has no
// cytosine at the classified position. On the forward strand the window
// starts at the cytosine; on the reverse strand it ends at the guanine.
//
// REQUIRES: len(triad) >= 3.
func TriadContext(triad []byte, strand pileup.StrandType) byte {
	addr := TriadAddr(triad[0], triad[1], triad[2])
	if strand == pileup.StrandRev {
		return triadReverse[addr]
	}
	return triadForward[addr]
}

// RefContext returns the triad context of 0-based position pos of seq on the
// given strand. Windows running off either end of seq are padded with 'N'.
func RefContext(seq []byte, pos int, strand pileup.StrandType) byte {
	if pos < 0 || pos >= len(seq) {
		return '.'
	}
	start := pos
	if strand == pileup.StrandRev {
		start = pos - 2
	}
	var triad [3]byte
	for i := range triad {
		j := start + i
		if j < 0 || j >= len(seq) {
			triad[i] = 'N'
		} else {
			triad[i] = seq[j]
		}
	}
	return TriadContext(triad[:], strand)
}
