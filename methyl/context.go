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

import (
	"fmt"
	"strings"
	"unicode"
)

// NumIndex is the number of distinct call indices.
const NumIndex = 16

// UnmethBit distinguishes the unmethylated (lower case) index of a context
// family from the methylated one.
const UnmethBit = 8

// Call indices, see CallIndex.
const (
	IdxCHH           = 2  // 'H'
	IdxUnknown       = 5  // 'U'
	IdxCHG           = 6  // 'X'
	IdxCpG           = 7  // 'Z'
	IdxUnmethCHH     = 10 // 'h'
	IdxAmbiguous     = 11 // '+', '-'
	IdxNotApplicable = 12 // '.'
	IdxUnmethUnknown = 13 // 'u'
	IdxUnmethCHG     = 14 // 'x'
	IdxUnmethCpG     = 15 // 'z'
)

// CallIndex maps a call character to its index in [0, NumIndex). It is total:
// bytes outside the call alphabet land on indices that no family uses.
func CallIndex(c byte) int {
	return ((int(c) + 2) >> 2) & 15
}

// IsMethylated reports whether idx is the upper-case half of the index space.
func IsMethylated(idx int) bool {
	return idx < UnmethBit
}

// Context is a cytosine context family.
type Context uint8

const (
	// ContextNone is used for indices outside the three families and Unknown.
	ContextNone Context = iota
	ContextCHH
	ContextCHG
	ContextCpG
	ContextUnknown
)

var contextLabels = [...]string{"NA", "CHH", "CHG", "CG", "U"}

// String returns the report label ("CG", "CHG", "CHH").
func (c Context) String() string {
	if int(c) < len(contextLabels) {
		return contextLabels[c]
	}
	return fmt.Sprintf("Context(%d)", c)
}

// MethIndex returns the methylated call index of the family, or -1 for
// ContextNone.
func (c Context) MethIndex() int {
	switch c {
	case ContextCHH:
		return IdxCHH
	case ContextCHG:
		return IdxCHG
	case ContextCpG:
		return IdxCpG
	case ContextUnknown:
		return IdxUnknown
	}
	return -1
}

var indexToContext [NumIndex]Context

func init() {
	for _, c := range []Context{ContextCHH, ContextCHG, ContextCpG, ContextUnknown} {
		indexToContext[c.MethIndex()] = c
		indexToContext[c.MethIndex()|UnmethBit] = c
	}
}

// ContextOf returns the family of call index idx.
func ContextOf(idx int) Context {
	return indexToContext[idx&15]
}

// Selector is the set of call indices treated as in-context.
type Selector [NumIndex]bool

// Has reports whether call index idx is selected.
func (s *Selector) Has(idx int) bool { return s[idx&15] }

// Add selects both cases of the family c.
func (s *Selector) Add(c Context) {
	if i := c.MethIndex(); i >= 0 {
		s[i] = true
		s[i|UnmethBit] = true
	}
}

// Contexts lists the selected families in CHH, CHG, CpG, Unknown order.
func (s *Selector) Contexts() []Context {
	var r []Context
	for _, c := range []Context{ContextCHH, ContextCHG, ContextCpG, ContextUnknown} {
		if s.Has(c.MethIndex()) {
			r = append(r, c)
		}
	}
	return r
}

// String renders the selector in the form accepted by ParseSelector.
func (s Selector) String() string {
	var names []string
	for _, c := range s.Contexts() {
		names = append(names, c.String())
	}
	return strings.Join(names, ",")
}

// ParseSelector parses a context selector. The string is a comma- or
// space-separated list whose terms are family names (CG, CpG, CHG, CHH) or
// runs of call letters ("Zz", "HX"). Matching is case-insensitive, and
// naming either case of a family selects both.
func ParseSelector(str string) (Selector, error) {
	var s Selector
	terms := strings.FieldsFunc(str, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	if len(terms) == 0 {
		return s, fmt.Errorf("methyl.ParseSelector: empty context selector %q", str)
	}
	for _, term := range terms {
		switch strings.ToUpper(term) {
		case "CG", "CPG":
			s.Add(ContextCpG)
			continue
		case "CHG":
			s.Add(ContextCHG)
			continue
		case "CHH":
			s.Add(ContextCHH)
			continue
		}
		for i := 0; i < len(term); i++ {
			switch term[i] {
			case 'Z', 'z', 'X', 'x', 'H', 'h', 'U', 'u':
				s.Add(ContextOf(CallIndex(term[i])))
			default:
				return s, fmt.Errorf("methyl.ParseSelector: unrecognized context %q in %q", term, str)
			}
		}
	}
	return s, nil
}

// CountContexts tallies the call indices of calls.
func CountContexts(calls []byte) (counts [NumIndex]uint32) {
	for _, c := range calls {
		counts[CallIndex(c)]++
	}
	return
}
