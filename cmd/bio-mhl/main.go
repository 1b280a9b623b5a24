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
package main

/*
bio-mhl reports the linearized methylation haplotype load at each position
of a bisulfite BAM.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio-mhl/pileup/mhl"
)

var (
	paired         = flag.Bool("paired", mhl.DefaultOpts.Paired, "Input is paired-end; mates are fused into one fragment and the proper-pair flag is required")
	grouping       = flag.String("grouping", mhl.DefaultOpts.Grouping, "How mates are found in paired input: 'name' (adjacent records sharing a name) or 'mate' (coordinate-sorted input)")
	contexts       = flag.String("context", mhl.DefaultOpts.Context, "Comma-separated cytosine contexts to report: any of CG, CHG, CHH")
	maxHaplotype   = flag.Int("max-haplotype", mhl.DefaultOpts.MaxHaplotype, "Cap on methylated run length used for weights; 0 = 65536")
	minHaplotype   = flag.Int("min-haplotype", mhl.DefaultOpts.MinHaplotype, "Fragments with fewer in-context cytosines are ignored")
	minMapQ        = flag.Int("mapq", mhl.DefaultOpts.MinMapQ, "Reads with MAPQ below this level are skipped")
	minBaseQual    = flag.Int("min-base-qual", mhl.DefaultOpts.MinBaseQual, "Bases with quality below this level are ignored")
	skipDuplicates = flag.Bool("skip-duplicates", mhl.DefaultOpts.SkipDuplicates, "Skip reads flagged as duplicates")
	presorted      = flag.Bool("presorted", mhl.DefaultOpts.Presorted, "Fragments already arrive in start order (single-end coordinate-sorted input); skips the fragment sort")
	sortBatchSize  = flag.Int("sort-batch-size", mhl.DefaultSortBatchSize, "Bytes of calls buffered in memory before a sorted batch is spilled to -temp-dir")
	cols           = flag.String("cols", mhl.DefaultOpts.Cols, "Output TSV columns. #CHROM/POS/STRAND are always present. Optional columns are 'ctx', 'cov', 'hlen', 'mhl' and 'refctx'; default is \"ctx,cov,hlen,mhl\"")
	faPath         = flag.String("fa", mhl.DefaultOpts.FaPath, "Reference FASTA, required for the refctx column")
	format         = flag.String("format", mhl.DefaultOpts.Format, "Output format; 'tsv', 'tsv-bgz' and 'rio' supported")
	outPrefix      = flag.String("out", "bio-mhl", "Output path prefix")
	parallelism    = flag.Int("parallelism", 0, "BAM decompression and bgzip threads; 0 = runtime.NumCPU()")
	tempDir        = flag.String("temp-dir", mhl.DefaultOpts.TempDir, "Directory to write temporary files to (default os.TempDir())")
)

func bioMHLUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bioMHLUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("Expected exactly one positional argument (bampath); please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	ctx := vcontext.Background()
	opts := mhl.Opts{
		Paired:         *paired,
		Grouping:       *grouping,
		Context:        *contexts,
		MaxHaplotype:   *maxHaplotype,
		MinHaplotype:   *minHaplotype,
		MinMapQ:        *minMapQ,
		MinBaseQual:    *minBaseQual,
		SkipDuplicates: *skipDuplicates,
		Parallelism:    *parallelism,
		Presorted:      *presorted,
		SortBatchSize:  *sortBatchSize,
		TempDir:        *tempDir,
		Format:         *format,
		Cols:           *cols,
		FaPath:         *faPath,
	}
	stats, err := mhl.Pileup(ctx, flag.Arg(0), *outPrefix, opts)
	if err != nil {
		log.Panicf("%v", err)
	}
	log.Printf("checksum of %d rows: %016x", stats.Rows, stats.Checksum)
	log.Debug.Printf("exiting")
}
