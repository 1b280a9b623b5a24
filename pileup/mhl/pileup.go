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
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio-mhl/encoding/bamprovider"
	"github.com/grailbio/bio-mhl/methyl"
	"github.com/grailbio/bio-mhl/pileup"
	"github.com/grailbio/hts/sam"
)

// Opts configures Pileup.
type Opts struct {
	// Paired selects paired-end fragment geometry (span from the template
	// length) and requires the proper-pair flag.
	Paired bool
	// Grouping is "name" or "mate" in paired mode; ignored otherwise.
	Grouping string
	// Context lists the in-context families, e.g. "CG" or "CHG,CHH".
	Context string
	// MaxHaplotype caps the run length used for weights. <= 0 means
	// DefaultMaxHaplotype.
	MaxHaplotype int
	// MinHaplotype is the minimum number of in-context calls for a fragment to
	// be scored.
	MinHaplotype int
	MinMapQ      int
	// MinBaseQual is inclusive.
	MinBaseQual    int
	SkipDuplicates bool
	Parallelism    int
	// Presorted declares that fragments already arrive in (reference, start)
	// order, which holds for single-end coordinate-sorted input. The fragment
	// sorter is skipped.
	Presorted     bool
	SortBatchSize int
	TempDir       string
	Format        string
	Cols          string
	// FaPath is the reference FASTA, needed only for the refctx column.
	FaPath string
}

// DefaultOpts are the default Pileup options.
var DefaultOpts = Opts{
	Paired:         true,
	Grouping:       "name",
	Context:        "CG",
	MaxHaplotype:   0,
	MinHaplotype:   0,
	MinMapQ:        0,
	MinBaseQual:    0,
	SkipDuplicates: false,
	Parallelism:    0,
	Presorted:      false,
	Format:         FormatTSV,
}

// Stats summarizes a Pileup run.
type Stats struct {
	bamprovider.FragmentStats
	// DroppedNoTag is the number of records without XG or XM tags.
	DroppedNoTag int64
	// DroppedOtherRef is the number of records aligned to a different
	// reference than the rest of their fragment.
	DroppedOtherRef int64
	// Empty is the number of fragments with no surviving record.
	Empty int64
	// Short is the number of fragments below the minimum haplotype size.
	Short int64
	// Rows is the number of rows written.
	Rows int64
	// Checksum is the seahash of the written rows.
	Checksum uint64
	// OutPath is the path of the output file.
	OutPath string
}

// fragCancelCheckInterval is the number of fragments between context checks.
const fragCancelCheckInterval = 1 << 16

// Problem:
// Given a BAM of bisulfite alignments carrying Bismark-style XM (call string)
// and XG (conversion strand) tags, we want, for every reference position and
// strand, the linearized methylation haplotype load: a weighted average over
// covering fragments of how long the fully methylated stretches through the
// position are, relative to the fragment's number of in-context cytosines.
//
// Implementation strategy:
// 1. Records are filtered and grouped into fragments (bamprovider
//    FragmentIterator). Each group is fused into one reference-spaced call
//    string, keeping the highest-quality base where mates overlap (Fuser).
// 2. Fused fragments are sorted by (reference, start). Paired input that is
//    name-collated, or whose fragments start at the mate position, is not in
//    this order, so sorted batches are spilled to TempDir and merged
//    (fragmentSorter). With Presorted the stream goes straight through.
// 3. Each fragment is scored once (Scorer): maximal methylated runs of
//    in-context calls get weight f(run length), the whole fragment gets
//    f(number of in-context calls).
// 4. Scores are folded into a map of (position, strand) cells (Aggregator).
//    Since fragments arrive sorted by start, once a fragment starts past every
//    folded position no later fragment can touch the map, so it is reported
//    and cleared. The map therefore only ever holds about one fragment
//    length worth of positions.

func (opts *Opts) grouping() (bamprovider.Grouping, error) {
	if !opts.Paired {
		return bamprovider.GroupSingle, nil
	}
	g, err := bamprovider.ParseGrouping(opts.Grouping)
	if err != nil {
		return g, err
	}
	if g == bamprovider.GroupSingle {
		return g, fmt.Errorf("mhl: grouping 'single' cannot be used with paired input")
	}
	return g, nil
}

// recordFilter returns the pre-fusion record filter.
func (opts *Opts) recordFilter() func(*sam.Record) bool {
	minMapQ := opts.MinMapQ
	skipDups := opts.SkipDuplicates
	paired := opts.Paired
	return func(r *sam.Record) bool {
		if r.Flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 || r.Ref == nil || r.Ref.ID() < 0 {
			return false
		}
		if int(r.MapQ) < minMapQ {
			return false
		}
		if skipDups && r.Flags&sam.Duplicate != 0 {
			return false
		}
		if paired && r.Flags&sam.ProperPair == 0 {
			return false
		}
		return true
	}
}

// pipeline holds the per-run state from fusion onwards.
type pipeline struct {
	fuser  *Fuser
	scorer *Scorer
	agg    *Aggregator
	stats  *Stats
}

// consume scores a fused fragment and folds it into the aggregator.
func (p *pipeline) consume(frag *Fragment) error {
	sc, ok := p.scorer.Score(frag.Calls)
	if !ok {
		p.stats.Short++
		return p.agg.Skip(frag)
	}
	return p.agg.Add(frag, sc)
}

// Pileup computes the lMHL report of the BAM at bampath and writes it to
// outPrefix plus a format-dependent suffix.
//
// Errors abort the run and leave no output file. The exception is
// cancellation of ctx: the rows written before it stay in the output, without
// the positions still open.
func Pileup(ctx context.Context, bampath, outPrefix string, opts Opts) (stats Stats, err error) {
	provider := bamprovider.NewProvider(bampath, bamprovider.ProviderOpts{Parallelism: opts.Parallelism})
	defer func() {
		if e := provider.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return pileupProvider(ctx, provider, bampath, outPrefix, opts)
}

// pileupProvider runs Pileup on an opened provider. name is used in messages
// only.
func pileupProvider(ctx context.Context, provider bamprovider.Provider, name, outPrefix string, opts Opts) (stats Stats, err error) {
	grouping, err := opts.grouping()
	if err != nil {
		return
	}
	if opts.Presorted && grouping == bamprovider.GroupByMate {
		return stats, fmt.Errorf("mhl: mate grouping yields fragments out of start order; presorted cannot be used with it")
	}
	sel, err := methyl.ParseSelector(opts.Context)
	if err != nil {
		return
	}
	if opts.MaxHaplotype > DefaultMaxHaplotype {
		return stats, fmt.Errorf("mhl: max haplotype %d exceeds %d", opts.MaxHaplotype, DefaultMaxHaplotype)
	}
	if opts.MinBaseQual < 0 || opts.MinBaseQual > 255 {
		return stats, fmt.Errorf("mhl: min base quality %d out of range [0, 255]", opts.MinBaseQual)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	colBitset := colBitsetDefault
	if opts.Cols != "" {
		if opts.Format == FormatRio {
			return stats, fmt.Errorf("mhl: cols cannot be used with rio output")
		}
		if colBitset, err = pileup.ParseCols(opts.Cols, colNameMap, colBitsetDefault); err != nil {
			return
		}
	}

	header, err := provider.GetHeader()
	if err != nil {
		return
	}
	headerRefs := header.Refs()
	refNames := make([]string, len(headerRefs))
	for i, ref := range headerRefs {
		refNames[i] = ref.Name()
	}
	var refSeqs [][]byte
	if colBitset&colBitRefContext != 0 {
		if opts.FaPath == "" {
			return stats, fmt.Errorf("mhl: refctx column requires a reference FASTA")
		}
		fa, e := pileup.LoadFa(ctx, opts.FaPath)
		if e != nil {
			return stats, errors.E(e, "loading", opts.FaPath)
		}
		if refSeqs, err = pileup.FaToByteSlices(fa, headerRefs); err != nil {
			return
		}
	}

	sink, outPath, err := newRowSink(ctx, outPrefix, opts.Format, opts.Parallelism, colBitset, refNames, refSeqs)
	if err != nil {
		return
	}
	stats.OutPath = outPath
	defer func() {
		stats.Checksum = sink.Checksum()
		if err != nil && ctx.Err() == nil {
			sink.Discard(ctx)
			stats.OutPath = ""
			return
		}
		if e := sink.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()

	log.Debug.Printf("mhl: %s: contexts %v, grouping %v, presorted %v", name, sel, grouping, opts.Presorted)
	p := pipeline{
		fuser:  NewFuser(opts.Paired, opts.MinBaseQual),
		scorer: NewScorer(sel, opts.MaxHaplotype, opts.MinHaplotype),
		agg:    NewAggregator(sel, sink),
		stats:  &stats,
	}
	var sorter *fragmentSorter
	if !opts.Presorted {
		sorter = newFragmentSorter(opts.TempDir, opts.SortBatchSize)
	}

	iter := provider.NewIterator()
	frags := bamprovider.NewFragmentIterator(ctx, iter, bamprovider.FragmentOpts{
		Grouping: grouping,
		Filter:   opts.recordFilter(),
	})
	err = func() error {
		var nFrags int64
		for frags.Scan() {
			nFrags++
			if nFrags%fragCancelCheckInterval == 0 {
				if e := ctx.Err(); e != nil {
					return e
				}
			}
			frag, ok, e := p.fuser.Fuse(frags.Records())
			if e != nil {
				return e
			}
			if !ok {
				stats.Empty++
				continue
			}
			if sorter != nil {
				sorter.add(&frag)
				continue
			}
			if e = p.consume(&frag); e != nil {
				return e
			}
		}
		if e := frags.Err(); e != nil {
			return e
		}
		if sorter != nil {
			log.Debug.Printf("mhl: %d fragments read, merging", nFrags)
			var nSorted int64
			if e := sorter.finish(func(frag *Fragment) error {
				nSorted++
				if nSorted%fragCancelCheckInterval == 0 {
					if e := ctx.Err(); e != nil {
						return e
					}
				}
				return p.consume(frag)
			}); e != nil {
				return e
			}
		}
		return p.agg.Finish()
	}()
	if e := iter.Close(); e != nil && err == nil {
		err = e
	}
	stats.FragmentStats = frags.Stats()
	stats.DroppedNoTag = p.fuser.DroppedNoTag
	stats.DroppedOtherRef = p.fuser.DroppedOtherRef
	stats.Rows = p.agg.Rows
	if err != nil {
		err = errors.E(err, "mhl pileup", name)
		return
	}
	log.Printf("mhl: %s: %d records (%d filtered, %d without XG/XM, %d off-reference), %d fragments (%d below min haplotype), %d rows written to %s",
		name, stats.Records, stats.Filtered, stats.DroppedNoTag, stats.DroppedOtherRef, stats.Fragments, stats.Short, stats.Rows, outPath)
	return
}
