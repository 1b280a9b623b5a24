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
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio-mhl/encoding/bamprovider"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

const defaultHeaderLine = "#CHROM\tPOS\tSTRAND\tCONTEXT\tCOVERAGE\tHLEN\tMHL\n"

// pairedRecords returns a name-collated paired input. The p2 template starts
// before p1 so fragments need sorting.
func pairedRecords() []*sam.Record {
	p1a := newMethRecord("p1", chr1, 100, "4M", "CGCG", "Z.Z.", "CT", nil)
	p1b := newMethRecord("p1", chr1, 102, "4M", "CGCG", "Z.z.", "CT", nil)
	mate(p1a, p1b)
	p2a := newMethRecord("p2", chr1, 50, "2M", "CG", "Zz", "CT", nil)
	p2b := newMethRecord("p2", chr1, 52, "2M", "CG", "ZZ", "CT", nil)
	mate(p2a, p2b)
	lowq1 := newMethRecord("p3", chr1, 60, "2M", "CG", "ZZ", "CT", nil)
	lowq2 := newMethRecord("p3", chr1, 62, "2M", "CG", "ZZ", "CT", nil)
	mate(lowq1, lowq2)
	lowq1.MapQ, lowq2.MapQ = 5, 5
	dup1 := newMethRecord("p4", chr1, 60, "2M", "CG", "ZZ", "CT", nil)
	dup2 := newMethRecord("p4", chr1, 62, "2M", "CG", "ZZ", "CT", nil)
	mate(dup1, dup2)
	dup1.Flags |= sam.Duplicate
	dup2.Flags |= sam.Duplicate
	untagged1 := newMethRecord("p5", chr1, 70, "2M", "CG", "", "CT", nil)
	untagged2 := newMethRecord("p5", chr1, 72, "2M", "CG", "ZZ", "", nil)
	mate(untagged1, untagged2)
	return []*sam.Record{p1a, p1b, p2a, p2b, lowq1, lowq2, dup1, dup2, untagged1, untagged2}
}

const pairedWant = defaultHeaderLine +
	"chr1\t51\t+\tCG\t1\t4\t0.05\n" +
	"chr1\t52\t+\tCG\t1\t4\t0\n" +
	"chr1\t53\t+\tCG\t1\t4\t0.2\n" +
	"chr1\t54\t+\tCG\t1\t4\t0.2\n" +
	"chr1\t101\t+\tCG\t1\t3\t0.4\n" +
	"chr1\t103\t+\tCG\t1\t3\t0.4\n" +
	"chr1\t105\t+\tCG\t1\t3\t0\n"

func pairedOpts() Opts {
	opts := DefaultOpts
	opts.MinMapQ = 10
	opts.SkipDuplicates = true
	return opts
}

func runProvider(t *testing.T, recs []*sam.Record, outPrefix string, opts Opts) (Stats, string, error) {
	provider := bamprovider.NewFakeProvider(testHeader, recs)
	stats, err := pileupProvider(vcontext.Background(), provider, "test", outPrefix, opts)
	if stats.OutPath == "" {
		return stats, "", err
	}
	data, e := ioutil.ReadFile(stats.OutPath)
	require.NoError(t, e)
	return stats, string(data), err
}

func TestPileupPairedByName(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	opts := pairedOpts()
	opts.TempDir = tempDir
	stats, got, err := runProvider(t, pairedRecords(), filepath.Join(tempDir, "out"), opts)
	require.NoError(t, err)
	expect.EQ(t, got, pairedWant)
	expect.EQ(t, stats.Records, int64(10))
	expect.EQ(t, stats.Filtered, int64(4))
	expect.EQ(t, stats.Fragments, int64(3))
	expect.EQ(t, stats.DroppedNoTag, int64(2))
	expect.EQ(t, stats.Empty, int64(1))
	expect.EQ(t, stats.Rows, int64(7))
	expect.EQ(t, stats.OutPath, filepath.Join(tempDir, "out.mhl.tsv"))

	// Spilling every fragment gives the same result.
	opts.SortBatchSize = 1
	_, got, err = runProvider(t, pairedRecords(), filepath.Join(tempDir, "spill"), opts)
	require.NoError(t, err)
	expect.EQ(t, got, pairedWant)
}

func TestPileupPairedByMate(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	recs := pairedRecords()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Pos < recs[j].Pos })
	opts := pairedOpts()
	opts.TempDir = tempDir
	opts.Grouping = "mate"
	stats, got, err := runProvider(t, recs, filepath.Join(tempDir, "out"), opts)
	require.NoError(t, err)
	expect.EQ(t, got, pairedWant)
	expect.EQ(t, stats.Fragments, int64(3))
	expect.EQ(t, stats.Orphans, int64(0))
}

// withNonPrimary adds a supplementary p1 record on another reference after
// p1's mates and a secondary p2 record after p2's mates.
func withNonPrimary(recs []*sam.Record) []*sam.Record {
	supp := newMethRecord("p1", chr2, 10, "4M", "CGCG", "zzzz", "CT", nil)
	supp.Flags = sam.Paired | sam.ProperPair | sam.Read1 | sam.Supplementary
	supp.MateRef, supp.MatePos = chr1, 102
	sec := newMethRecord("p2", chr1, 51, "2M", "CG", "zz", "CT", nil)
	sec.Flags = sam.Paired | sam.ProperPair | sam.Read1 | sam.Secondary
	sec.MateRef, sec.MatePos = chr1, 52
	var out []*sam.Record
	for _, r := range recs {
		out = append(out, r)
		if r.Name == "p1" && r.Pos == 102 {
			out = append(out, supp)
		}
		if r.Name == "p2" && r.Pos == 52 {
			out = append(out, sec)
		}
	}
	return out
}

func TestPileupSkipsNonPrimary(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	opts := pairedOpts()
	opts.TempDir = tempDir
	recs := withNonPrimary(pairedRecords())
	require.Equal(t, 12, len(recs))
	stats, got, err := runProvider(t, recs, filepath.Join(tempDir, "name"), opts)
	require.NoError(t, err)
	expect.EQ(t, got, pairedWant)
	expect.EQ(t, stats.Records, int64(12))
	expect.EQ(t, stats.Filtered, int64(6))
	expect.EQ(t, stats.Fragments, int64(3))

	// A secondary alignment must not take the place of the real mate.
	sort.SliceStable(recs, func(i, j int) bool {
		if a, b := recs[i].Ref.ID(), recs[j].Ref.ID(); a != b {
			return a < b
		}
		return recs[i].Pos < recs[j].Pos
	})
	opts.Grouping = "mate"
	stats, got, err = runProvider(t, recs, filepath.Join(tempDir, "mate"), opts)
	require.NoError(t, err)
	expect.EQ(t, got, pairedWant)
	expect.EQ(t, stats.Fragments, int64(3))
	expect.EQ(t, stats.Orphans, int64(0))
}

func TestPileupMinHaplotype(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	opts := pairedOpts()
	opts.TempDir = tempDir
	opts.MinHaplotype = 4
	stats, got, err := runProvider(t, pairedRecords(), filepath.Join(tempDir, "out"), opts)
	require.NoError(t, err)
	// p1 has only three CpGs.
	expect.EQ(t, got, strings.Join(strings.SplitAfter(pairedWant, "\n")[:5], ""))
	expect.EQ(t, stats.Short, int64(1))
}

func singleRecords() []*sam.Record {
	return []*sam.Record{
		newMethRecord("s1", chr1, 10, "3M", "CAC", "Z.Z", "CT", nil),
		newMethRecord("s2", chr1, 12, "3M", "CAC", "z.Z", "CT", nil),
		newMethRecord("s3", chr2, 5, "1M", "G", "Z", "GA", nil),
	}
}

const singleWant = defaultHeaderLine +
	"chr1\t11\t+\tCG\t1\t2\t1\n" +
	"chr1\t13\t+\tCG\t2\t2\t0.5\n" +
	"chr1\t15\t+\tCG\t1\t2\t0.25\n" +
	"chr2\t6\t-\tCG\t1\t1\t1\n"

func writeTestBAM(t *testing.T, path string, recs []*sam.Record) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out.Writer(ctx), testHeader, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close(ctx))
}

func TestPileupSingleBAM(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	bamPath := filepath.Join(tempDir, "in.bam")
	writeTestBAM(t, bamPath, singleRecords())
	ctx := vcontext.Background()
	for _, presorted := range []bool{false, true} {
		opts := DefaultOpts
		opts.Paired = false
		opts.Presorted = presorted
		opts.TempDir = tempDir
		stats, err := Pileup(ctx, bamPath, filepath.Join(tempDir, "out"), opts)
		require.NoError(t, err)
		data, err := ioutil.ReadFile(stats.OutPath)
		require.NoError(t, err)
		expect.EQ(t, string(data), singleWant, "presorted=%v", presorted)
		expect.EQ(t, stats.Fragments, int64(3))
	}
}

func TestPileupRioMatchesTSV(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	opts := DefaultOpts
	opts.Paired = false
	opts.TempDir = tempDir
	tsvStats, _, err := runProvider(t, singleRecords(), filepath.Join(tempDir, "out"), opts)
	require.NoError(t, err)

	opts.Format = FormatRio
	provider := bamprovider.NewFakeProvider(testHeader, singleRecords())
	rioStats, err := pileupProvider(vcontext.Background(), provider, "test", filepath.Join(tempDir, "out"), opts)
	require.NoError(t, err)
	expect.EQ(t, rioStats.Checksum, tsvStats.Checksum)
	rows, refNames, err := ReadRowsRio(vcontext.Background(), rioStats.OutPath)
	require.NoError(t, err)
	expect.EQ(t, refNames, []string{"chr1", "chr2"})
	require.Equal(t, 4, len(rows))
	expect.EQ(t, rows[1].Pos, uint32(12))
	expect.EQ(t, rows[1].Coverage, uint32(2))
	expect.EQ(t, rows[1].MHL, 0.5)
}

func TestPileupRefContext(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	faPath := filepath.Join(tempDir, "ref.fa")
	// Both contigs must match the header length.
	chr1Seq := "AAAAAAAAAACACGCAG" + strings.Repeat("A", 10000-17)
	chr2Seq := "AAAACG" + strings.Repeat("T", 10000-6)
	require.NoError(t, ioutil.WriteFile(faPath, []byte(">chr1\n"+chr1Seq+"\n>chr2\n"+chr2Seq+"\n"), 0644))
	opts := DefaultOpts
	opts.Paired = false
	opts.TempDir = tempDir
	opts.Cols = "mhl,refctx"
	opts.FaPath = faPath
	_, got, err := runProvider(t, singleRecords(), filepath.Join(tempDir, "out"), opts)
	require.NoError(t, err)
	expect.EQ(t, got, "#CHROM\tPOS\tSTRAND\tMHL\tREFCTX\n"+
		"chr1\t11\t+\t1\th\n"+
		"chr1\t13\t+\t0.5\tz\n"+
		"chr1\t15\t+\t0.25\tx\n"+
		"chr2\t6\t-\t1\tz\n")
}

func TestPileupCigarErrorAborts(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	recs := singleRecords()
	bad := newMethRecord("bad", chr1, 13, "2M", "CG", "ZZ", "CT", nil)
	bad.Cigar = sam.Cigar{sam.CigarOp(2<<4 | 12)}
	recs = append(recs[:2], bad)
	for _, presorted := range []bool{false, true} {
		opts := DefaultOpts
		opts.Paired = false
		opts.Presorted = presorted
		opts.TempDir = tempDir
		stats, got, err := runProvider(t, recs, filepath.Join(tempDir, "out"), opts)
		require.Error(t, err)
		assert.HasSubstr(t, err.Error(), "unknown CIGAR operation")
		assert.HasSubstr(t, err.Error(), "bad")
		expect.EQ(t, stats.OutPath, "")
		expect.EQ(t, got, "")
		leftover, err := filepath.Glob(filepath.Join(tempDir, "out.mhl.tsv*"))
		require.NoError(t, err)
		expect.EQ(t, len(leftover), 0, "presorted=%v: %v", presorted, leftover)
	}
}

func TestPileupErrorAfterFlushLeavesNoOutput(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	// The chr2 record flushes every chr1 row before the failure.
	bad := newMethRecord("bad", chr2, 100, "2M", "CG", "ZZ", "CT", nil)
	bad.Cigar = sam.Cigar{sam.CigarOp(2<<4 | 12)}
	recs := append(singleRecords(), bad)
	for _, format := range []string{FormatTSV, FormatTSVBgz, FormatRio} {
		opts := DefaultOpts
		opts.Paired = false
		opts.Presorted = true
		opts.Format = format
		opts.TempDir = tempDir
		outPrefix := filepath.Join(tempDir, "flushed")
		provider := bamprovider.NewFakeProvider(testHeader, recs)
		stats, err := pileupProvider(vcontext.Background(), provider, "test", outPrefix, opts)
		require.Error(t, err, format)
		expect.EQ(t, stats.Rows, int64(3), format)
		expect.EQ(t, stats.OutPath, "", format)
		leftover, err := filepath.Glob(outPrefix + "*")
		require.NoError(t, err)
		expect.EQ(t, len(leftover), 0, "%s: %v", format, leftover)
	}
}

func TestPileupOptsErrors(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "mhlpileup")
	defer testutil.NoCleanupOnError(t, cleanup, tempDir)

	tests := []struct {
		name   string
		modify func(*Opts)
		substr string
	}{
		{"presorted-mate", func(o *Opts) { o.Grouping = "mate"; o.Presorted = true }, "presorted"},
		{"single-grouping", func(o *Opts) { o.Grouping = "single" }, "paired"},
		{"bad-grouping", func(o *Opts) { o.Grouping = "fragment" }, "unknown grouping"},
		{"bad-context", func(o *Opts) { o.Context = "CA" }, "unrecognized context"},
		{"empty-context", func(o *Opts) { o.Context = "" }, "empty context"},
		{"bad-format", func(o *Opts) { o.Format = "bed" }, "unrecognized format"},
		{"rio-cols", func(o *Opts) { o.Format = FormatRio; o.Cols = "mhl" }, "rio"},
		{"refctx-no-fasta", func(o *Opts) { o.Cols = "+refctx" }, "FASTA"},
		{"big-cap", func(o *Opts) { o.MaxHaplotype = DefaultMaxHaplotype + 1 }, "exceeds"},
		{"bad-qual", func(o *Opts) { o.MinBaseQual = 256 }, "out of range"},
	}
	for _, tt := range tests {
		opts := DefaultOpts
		opts.TempDir = tempDir
		tt.modify(&opts)
		_, _, err := runProvider(t, pairedRecords(), filepath.Join(tempDir, tt.name), opts)
		require.Error(t, err, tt.name)
		assert.HasSubstr(t, err.Error(), tt.substr, tt.name)
	}
}
