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

// Package methyl classifies bisulfite methylation calls.
//
// A methylation-call string (the XM aux tag written by Bismark-style
// aligners) carries one character per aligned base:
//
//   z / Z  unmethylated / methylated C in CpG context
//   x / X  unmethylated / methylated C in CHG context
//   h / H  unmethylated / methylated C in CHH context
//   u / U  unmethylated / methylated C in unknown context
//   .      not a cytosine
//
// Fused fragments additionally use '-' (and '+') to mark offsets that no read
// covered.
//
// CallIndex folds every byte into a 4-bit index, so per-position tallies can
// be kept in a fixed [16]uint32 array. Indices below 8 are methylated (upper
// case); setting bit 3 gives the unmethylated counterpart.
//
// The package also classifies 3-base reference windows (TriadContext,
// RefContext), which is how the optional REFCTX output column is produced.
package methyl
