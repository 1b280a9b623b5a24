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
/*
Given a BAM of bisulfite alignments carrying XM (methylation call) and XG
(conversion strand) tags, as written by Bismark, bio-mhl reports for each
position and strand the linearized methylation haplotype load (lMHL): how long
the fully methylated stretches of cytosines through the position are, averaged
over the covering fragments and normalized by each fragment's number of
in-context cytosines.

Mates of a read pair are fused into one fragment first; where they overlap,
the base with the higher quality wins.

A position is reported only if more than half of its calls fall in one
cytosine context and that context was requested with -context. Output
columns:

  #CHROM    reference name
  POS       1-based position
  STRAND    '+' or '-'
  CONTEXT   CG, CHG or CHH
  COVERAGE  calls in the reported context
  HLEN      average haplotype size of the covering fragments
  MHL       lMHL
  REFCTX    (optional) context call derived from the reference FASTA

Sample usage:
bio-mhl \
    --context CG \
    --skip-duplicates \
    --out output-prefix \
    my.bam
*/
package main
