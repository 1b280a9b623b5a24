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
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/unsafe"
	"github.com/grailbio/bio-mhl/methyl"
	"github.com/grailbio/bio-mhl/pileup"
	"github.com/grailbio/hts/bgzf"
)

// Output formats.
const (
	FormatTSV    = "tsv"
	FormatTSVBgz = "tsv-bgz"
	FormatRio    = "rio"
)

// formatSuffix maps an output format to the suffix appended to the output
// prefix.
var formatSuffix = map[string]string{
	FormatTSV:    ".mhl.tsv",
	FormatTSVBgz: ".mhl.tsv.gz",
	FormatRio:    ".mhl.rio",
}

// Optional output columns. #CHROM, POS and STRAND are always present.
const (
	colBitContext = 1 << iota
	colBitCoverage
	colBitHLen
	colBitMHL
	colBitRefContext
)

const colBitsetDefault = colBitContext | colBitCoverage | colBitHLen | colBitMHL

var colNameMap = map[string]int{
	"ctx":    colBitContext,
	"cov":    colBitCoverage,
	"hlen":   colBitHLen,
	"mhl":    colBitMHL,
	"refctx": colBitRefContext,
}

const (
	refNamesHeader = "mhl_ref_names"
	trailerVersion = 1
)

// rowSink is a RowWriter backed by a file. Exactly one of Close or Discard
// must be called.
type rowSink interface {
	RowWriter
	Close(ctx context.Context) error
	// Discard abandons the output. Nothing is left at the output path.
	Discard(ctx context.Context)
	// Checksum returns the seahash of every row written so far.
	Checksum() uint64
}

// rowHasher feeds the fields of each row into a running checksum. Floats are
// hashed by their bit pattern.
type rowHasher struct {
	h   hash.Hash64
	buf [26]byte
}

func newRowHasher() rowHasher { return rowHasher{h: seahash.New()} }

func (rh *rowHasher) add(refName string, r *Row) {
	rh.h.Write(unsafe.StringToBytes(refName)) // nolint: errcheck
	b := rh.buf[:]
	binary.LittleEndian.PutUint32(b[0:4], r.Pos)
	b[4] = byte(r.Strand)
	b[5] = byte(r.Context)
	binary.LittleEndian.PutUint32(b[6:10], r.Coverage)
	binary.LittleEndian.PutUint64(b[10:18], math.Float64bits(r.HLen))
	binary.LittleEndian.PutUint64(b[18:26], math.Float64bits(r.MHL))
	rh.h.Write(b) // nolint: errcheck
}

// tsvSink writes rows as tab-separated text, optionally bgzf-compressed.
type tsvSink struct {
	dst       file.File
	bgzfw     *bgzf.Writer
	w         *tsv.Writer
	colBitset int
	refNames  []string
	refSeqs   [][]byte
	hasher    rowHasher
}

func newTSVSink(ctx context.Context, path string, bgzip bool, parallelism, colBitset int, refNames []string, refSeqs [][]byte) (*tsvSink, error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return openTSVSink(ctx, dst, bgzip, parallelism, colBitset, refNames, refSeqs)
}

// openTSVSink writes the header line to dst. dst is discarded if that fails.
func openTSVSink(ctx context.Context, dst file.File, bgzip bool, parallelism, colBitset int, refNames []string, refSeqs [][]byte) (s *tsvSink, err error) {
	s = &tsvSink{
		dst:       dst,
		colBitset: colBitset,
		refNames:  refNames,
		refSeqs:   refSeqs,
		hasher:    newRowHasher(),
	}
	if bgzip {
		s.bgzfw = bgzf.NewWriter(dst.Writer(ctx), parallelism)
		s.w = tsv.NewWriter(s.bgzfw)
	} else {
		s.w = tsv.NewWriter(dst.Writer(ctx))
	}
	s.w.WriteString("#CHROM\tPOS\tSTRAND")
	if colBitset&colBitContext != 0 {
		s.w.WriteString("CONTEXT")
	}
	if colBitset&colBitCoverage != 0 {
		s.w.WriteString("COVERAGE")
	}
	if colBitset&colBitHLen != 0 {
		s.w.WriteString("HLEN")
	}
	if colBitset&colBitMHL != 0 {
		s.w.WriteString("MHL")
	}
	if colBitset&colBitRefContext != 0 {
		s.w.WriteString("REFCTX")
	}
	if err = s.w.EndLine(); err == nil {
		err = s.w.Flush()
	}
	if err != nil {
		s.Discard(ctx)
		return nil, err
	}
	return s, nil
}

func (s *tsvSink) WriteRow(r *Row) error {
	refName := s.refNames[r.RefID]
	s.hasher.add(refName, r)
	s.w.WriteString(refName)
	s.w.WriteUint32(r.Pos + 1)
	s.w.WriteByte(pileup.StrandTypeToASCIITable[r.Strand])
	if s.colBitset&colBitContext != 0 {
		s.w.WriteString(r.Context.String())
	}
	if s.colBitset&colBitCoverage != 0 {
		s.w.WriteUint32(r.Coverage)
	}
	if s.colBitset&colBitHLen != 0 {
		s.w.WriteFloat64(r.HLen, 'g', -1)
	}
	if s.colBitset&colBitMHL != 0 {
		s.w.WriteFloat64(r.MHL, 'g', -1)
	}
	if s.colBitset&colBitRefContext != 0 {
		var seq []byte
		if int(r.RefID) < len(s.refSeqs) {
			seq = s.refSeqs[r.RefID]
		}
		s.w.WriteByte(methyl.RefContext(seq, int(r.Pos), r.Strand))
	}
	return s.w.EndLine()
}

func (s *tsvSink) Checksum() uint64 { return s.hasher.h.Sum64() }

func (s *tsvSink) Close(ctx context.Context) (err error) {
	err = s.w.Flush()
	if s.bgzfw != nil {
		if e := s.bgzfw.Close(); e != nil && err == nil {
			err = e
		}
	}
	file.CloseAndReport(ctx, s.dst, &err)
	return
}

func (s *tsvSink) Discard(ctx context.Context) {
	if s.bgzfw != nil {
		s.bgzfw.Close() // nolint: errcheck
	}
	s.dst.Discard(ctx)
}

// rioSink writes rows as zstd-compressed recordio records. The trailer holds
// the row count.
type rioSink struct {
	dst      file.File
	w        recordio.Writer
	refNames []string
	nRows    int64
	hasher   rowHasher
}

func newRioSink(ctx context.Context, path string, refNames []string) (*rioSink, error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	// recordiozstd.Init() is called in singleton.go's init().
	w := recordio.NewWriter(dst.Writer(ctx), recordio.WriterOpts{
		Marshal:      marshalRow,
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(refNamesHeader, strings.Join(refNames, "\000"))
	w.AddHeader(recordio.KeyTrailer, true)
	return &rioSink{dst: dst, w: w, refNames: refNames, hasher: newRowHasher()}, nil
}

func (s *rioSink) WriteRow(r *Row) error {
	s.hasher.add(s.refNames[r.RefID], r)
	// Append retains its argument until the block is flushed.
	row := *r
	s.w.Append(&row)
	s.nRows++
	return nil
}

func (s *rioSink) Checksum() uint64 { return s.hasher.h.Sum64() }

func (s *rioSink) Close(ctx context.Context) (err error) {
	s.w.SetTrailer(rowsRioTrailer(s.nRows))
	err = s.w.Finish()
	file.CloseAndReport(ctx, s.dst, &err)
	return
}

func (s *rioSink) Discard(ctx context.Context) {
	s.w.Finish() // nolint: errcheck
	s.dst.Discard(ctx)
}

func rowsRioTrailer(nRows int64) []byte {
	t := make([]byte, 16)
	binary.LittleEndian.PutUint64(t[0:8], trailerVersion)
	binary.LittleEndian.PutUint64(t[8:16], uint64(nRows))
	return t
}

func parseRowsRioTrailer(trailer []byte) (int64, error) {
	if len(trailer) != 16 {
		return 0, fmt.Errorf("mhl: malformed trailer of %d bytes", len(trailer))
	}
	if v := binary.LittleEndian.Uint64(trailer[0:8]); v != trailerVersion {
		return 0, fmt.Errorf("mhl: unrecognized trailer version: got %d, want %d", v, trailerVersion)
	}
	return int64(binary.LittleEndian.Uint64(trailer[8:16])), nil
}

// ReadRowsRio reads every row of a file written with the rio format, along
// with its reference names.
func ReadRowsRio(ctx context.Context, path string) (rows []Row, refNames []string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	scanner := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{
		Unmarshal: unmarshalRow,
	})
	for _, kv := range scanner.Header() {
		if kv.Key == refNamesHeader {
			if names := kv.Value.(string); names != "" {
				refNames = strings.Split(names, "\000")
			}
		}
	}
	for scanner.Scan() {
		rows = append(rows, *scanner.Get().(*Row))
	}
	if err = scanner.Err(); err != nil {
		scanner.Finish() // nolint: errcheck
		return nil, nil, err
	}
	nRows, err := parseRowsRioTrailer(scanner.Trailer())
	if err != nil {
		scanner.Finish() // nolint: errcheck
		return nil, nil, err
	}
	if nRows != int64(len(rows)) {
		scanner.Finish() // nolint: errcheck
		return nil, nil, fmt.Errorf("mhl.ReadRowsRio: %s: trailer says %d rows, read %d", path, nRows, len(rows))
	}
	err = scanner.Finish()
	return
}

// newRowSink opens outPrefix+suffix for the given format.
func newRowSink(ctx context.Context, outPrefix, format string, parallelism, colBitset int, refNames []string, refSeqs [][]byte) (rowSink, string, error) {
	suffix, ok := formatSuffix[format]
	if !ok {
		return nil, "", fmt.Errorf("mhl: unrecognized format '%s'; must be one of tsv, tsv-bgz, rio", format)
	}
	path := outPrefix + suffix
	if format == FormatRio {
		s, err := newRioSink(ctx, path, refNames)
		return s, path, err
	}
	s, err := newTSVSink(ctx, path, format == FormatTSVBgz, parallelism, colBitset, refNames, refSeqs)
	return s, path, err
}
