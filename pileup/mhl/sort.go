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
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bio-mhl/pileup"
	"v.io/x/lib/vlog"
)

// DefaultSortBatchSize is the default number of call bytes buffered in
// memory before the fragment sorter spills a sorted batch to disk.
const DefaultSortBatchSize = 256 << 20

// fragCoord encodes reference id (bits 34-63), start position (bits 2-33) and
// strand (bits 0-1). Its order is the order the aggregator consumes fragments
// in.
type fragCoord uint64

func makeFragCoord(refID int, start PosType, strand pileup.StrandType) fragCoord {
	return fragCoord(refID)<<34 | fragCoord(uint32(start))<<2 | fragCoord(strand)
}

func (c fragCoord) refID() int                { return int(c >> 34) }
func (c fragCoord) start() PosType            { return PosType(uint32(c >> 2)) }
func (c fragCoord) strand() pileup.StrandType { return pileup.StrandType(c & 3) }

// sortEntry is one buffered fragment. seq is the input order, used as the
// tie breaker so that equal coordinates keep their arrival order.
type sortEntry struct {
	coord fragCoord
	seq   uint64
	calls []byte
}

func (e *sortEntry) less(o *sortEntry) bool {
	if e.coord != o.coord {
		return e.coord < o.coord
	}
	return e.seq < o.seq
}

func (e *sortEntry) fragment() Fragment {
	return Fragment{
		RefID:  e.coord.refID(),
		Start:  e.coord.start(),
		Strand: e.coord.strand(),
		Calls:  e.calls,
	}
}

// fragmentSorter orders fused fragments by (reference, start, strand). Batches
// larger than batchSize call bytes are sorted and spilled to snappy-compressed
// temp files, which are merged at the end.
//
// Example:
//   s := newFragmentSorter(tempDir, 0)
//   for ... {
//     s.add(&frag)
//   }
//   err := s.finish(func(f *Fragment) error { ... })
type fragmentSorter struct {
	tempDir   string
	batchSize int

	entries []sortEntry
	nBytes  int
	seq     uint64
	shards  []string
	err     errors.Once
}

func newFragmentSorter(tempDir string, batchSize int) *fragmentSorter {
	if batchSize <= 0 {
		batchSize = DefaultSortBatchSize
	}
	return &fragmentSorter{tempDir: tempDir, batchSize: batchSize}
}

// add copies frag's calls into the sorter. Seq is not retained.
func (s *fragmentSorter) add(frag *Fragment) {
	calls := make([]byte, len(frag.Calls))
	copy(calls, frag.Calls)
	s.entries = append(s.entries, sortEntry{
		coord: makeFragCoord(frag.RefID, frag.Start, frag.Strand),
		seq:   s.seq,
		calls: calls,
	})
	s.seq++
	s.nBytes += len(calls)
	if s.nBytes >= s.batchSize {
		s.spill()
	}
}

func (s *fragmentSorter) sortEntries() {
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].less(&s.entries[j]) })
}

// Shard format: a snappy stream of records, each
//   coord uint64
//   seq   uint64
//   n     uint32
//   calls [n]byte
const shardRecordHeaderSize = 20

func (s *fragmentSorter) spill() {
	if len(s.entries) == 0 {
		return
	}
	s.sortEntries()
	temp, err := ioutil.TempFile(s.tempDir, "mhlsort")
	if err != nil {
		s.err.Set(err)
		s.entries = s.entries[:0]
		return
	}
	vlog.VI(1).Infof("mhl: spilling %d fragments to %s", len(s.entries), temp.Name())
	w := snappy.NewBufferedWriter(temp)
	var hdr [shardRecordHeaderSize]byte
	for i := range s.entries {
		e := &s.entries[i]
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(e.coord))
		binary.LittleEndian.PutUint64(hdr[8:16], e.seq)
		binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(e.calls)))
		if _, err = w.Write(hdr[:]); err != nil {
			break
		}
		if _, err = w.Write(e.calls); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Close()
	}
	s.err.Set(err)
	s.err.Set(temp.Close())
	s.shards = append(s.shards, temp.Name())
	s.entries = s.entries[:0]
	s.nBytes = 0
}

// shardReader reads back one spilled shard.
type shardReader struct {
	path string
	in   *os.File
	r    *bufio.Reader
	cur  sortEntry
	err  *errors.Once
}

func newShardReader(path string, errReporter *errors.Once) *shardReader {
	in, err := os.Open(path)
	if err != nil {
		errReporter.Set(err)
		return nil
	}
	return &shardReader{
		path: path,
		in:   in,
		r:    bufio.NewReader(snappy.NewReader(in)),
		err:  errReporter,
	}
}

// scan reads the next entry into r.cur. It returns false at EOF or on error.
func (r *shardReader) scan() bool {
	var hdr [shardRecordHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err != io.EOF {
			r.err.Set(errors.E(err, "reading sort shard", r.path))
		}
		return false
	}
	r.cur.coord = fragCoord(binary.LittleEndian.Uint64(hdr[0:8]))
	r.cur.seq = binary.LittleEndian.Uint64(hdr[8:16])
	r.cur.calls = make([]byte, binary.LittleEndian.Uint32(hdr[16:20]))
	if _, err := io.ReadFull(r.r, r.cur.calls); err != nil {
		r.err.Set(errors.E(err, "reading sort shard", r.path))
		return false
	}
	return true
}

func (r *shardReader) close() {
	r.err.Set(r.in.Close())
}

// mergeLeaf is an llrb item wrapping a shardReader.
type mergeLeaf struct {
	idx    int
	reader *shardReader
}

func (l *mergeLeaf) Compare(c llrb.Comparable) int {
	o := c.(*mergeLeaf)
	if l.reader.cur.less(&o.reader.cur) {
		return -1
	}
	if o.reader.cur.less(&l.reader.cur) {
		return 1
	}
	return l.idx - o.idx
}

// finish calls cb for every fragment in sorted order. It stops at the first
// error returned by cb. Temp files are removed before returning.
func (s *fragmentSorter) finish(cb func(f *Fragment) error) error {
	defer func() {
		for _, path := range s.shards {
			// os.Remove returns an error if we try to remove a file that isn't there.
			_ = os.Remove(path)
		}
		s.shards = nil
	}()
	if len(s.shards) == 0 {
		s.sortEntries()
		for i := range s.entries {
			frag := s.entries[i].fragment()
			if err := cb(&frag); err != nil {
				return err
			}
		}
		s.entries = nil
		return s.err.Err()
	}
	s.spill()
	if err := s.err.Err(); err != nil {
		return err
	}
	return s.merge(cb)
}

// merge does an N-way merge of the spilled shards. As in a tournament, the
// leaf at the top of the tree is drained until it falls behind the runner-up.
func (s *fragmentSorter) merge(cb func(f *Fragment) error) error {
	var readers []*shardReader
	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()
	leafs := llrb.Tree{}
	for i, path := range s.shards {
		r := newShardReader(path, &s.err)
		if r == nil {
			return s.err.Err()
		}
		readers = append(readers, r)
		if r.scan() {
			leafs.Insert(&mergeLeaf{idx: i, reader: r})
		}
	}
	vlog.VI(1).Infof("mhl: merging %d shards, %d leafs active", len(s.shards), leafs.Len())
	for leafs.Len() > 0 {
		nthiter := 0
		var top, next *mergeLeaf
		leafs.Do(func(item llrb.Comparable) bool {
			nthiter++
			if nthiter == 1 {
				top = item.(*mergeLeaf)
				return false
			}
			next = item.(*mergeLeaf)
			return true
		})
		leafs.DeleteMin()
		done := false
		for {
			frag := top.reader.cur.fragment()
			if err := cb(&frag); err != nil {
				return err
			}
			if !top.reader.scan() {
				done = true
				break
			}
			if next != nil && next.reader.cur.less(&top.reader.cur) {
				break
			}
		}
		if !done {
			leafs.Insert(top)
		}
	}
	return s.err.Err()
}
