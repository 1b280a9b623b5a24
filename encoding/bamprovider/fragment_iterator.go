package bamprovider

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// Grouping selects how FragmentIterator assembles fragments from records.
type Grouping int

const (
	// GroupSingle treats every record as its own fragment (single-end data).
	GroupSingle Grouping = iota
	// GroupByName groups runs of adjacent records sharing a name. This is the
	// layout of name-collated paired BAMs (e.g. Bismark output).
	GroupByName
	// GroupByMate pairs records of coordinate-sorted paired BAMs. The first
	// record of each pair is held until its mate arrives. Records whose mate
	// never arrives on the same reference are yielded alone when the reference
	// changes or the input ends.
	GroupByMate
)

// ParseGrouping parses "single", "name" or "mate".
func ParseGrouping(name string) (Grouping, error) {
	switch name {
	case "single":
		return GroupSingle, nil
	case "name":
		return GroupByName, nil
	case "mate":
		return GroupByMate, nil
	}
	return GroupSingle, fmt.Errorf("bamprovider.ParseGrouping: unknown grouping '%s'; must be one of single, name, mate", name)
}

// String implements fmt.Stringer.
func (g Grouping) String() string {
	switch g {
	case GroupSingle:
		return "single"
	case GroupByName:
		return "name"
	case GroupByMate:
		return "mate"
	}
	return fmt.Sprintf("Grouping(%d)", int(g))
}

// cancelCheckInterval is the number of records read between context checks.
const cancelCheckInterval = 1 << 20

// FragmentStats counts what FragmentIterator saw.
type FragmentStats struct {
	// Records is the number of records read from the underlying iterator.
	Records int64
	// Filtered is the number of records rejected by FragmentOpts.Filter.
	Filtered int64
	// Fragments is the number of groups yielded.
	Fragments int64
	// Orphans is the number of GroupByMate records yielded without a mate.
	Orphans int64
}

// FragmentOpts configures a FragmentIterator.
type FragmentOpts struct {
	Grouping Grouping
	// Filter, if non-nil, is applied to each record before grouping. Records
	// for which it returns false are discarded.
	Filter func(*sam.Record) bool
}

// FragmentIterator yields the records of one fragment at a time. Use
// NewFragmentIterator to create one. Thread compatible.
type FragmentIterator struct {
	ctx   context.Context
	iter  Iterator
	opts  FragmentOpts
	group []*sam.Record
	stats FragmentStats
	err   error
	done  bool

	// GroupByName lookahead.
	pending *sam.Record

	// GroupByMate state.
	mates   map[string]*sam.Record
	curRef  int
	orphans []*sam.Record
	held    *sam.Record
	eof     bool
}

// NewFragmentIterator creates a FragmentIterator reading from iter. The
// context is polled every 2^20 records; if it is done, Scan stops and Err
// returns the context error. The caller remains responsible for closing iter.
func NewFragmentIterator(ctx context.Context, iter Iterator, opts FragmentOpts) *FragmentIterator {
	f := &FragmentIterator{
		ctx:    ctx,
		iter:   iter,
		opts:   opts,
		curRef: -1,
	}
	if opts.Grouping == GroupByMate {
		f.mates = make(map[string]*sam.Record)
	}
	return f
}

// Stats returns the counters accumulated so far.
func (f *FragmentIterator) Stats() FragmentStats { return f.stats }

// Err returns the first error encountered, including context cancellation.
func (f *FragmentIterator) Err() error { return f.err }

// Records returns the records of the current fragment, in input order. The
// slice is reused by the next call to Scan.
//
// REQUIRES: Scan() has been called and its last call returned true.
func (f *FragmentIterator) Records() []*sam.Record { return f.group }

// next reads the next record that passes the filter.
func (f *FragmentIterator) next() (*sam.Record, bool) {
	for {
		if !f.iter.Scan() {
			f.err = f.iter.Err()
			return nil, false
		}
		f.stats.Records++
		if f.stats.Records%cancelCheckInterval == 0 {
			if err := f.ctx.Err(); err != nil {
				f.err = err
				return nil, false
			}
		}
		r := f.iter.Record()
		if f.opts.Filter != nil && !f.opts.Filter(r) {
			f.stats.Filtered++
			continue
		}
		return r, true
	}
}

// Scan advances to the next fragment. It returns false at the end of input or
// on error.
func (f *FragmentIterator) Scan() bool {
	if f.done {
		return false
	}
	f.group = f.group[:0]
	var ok bool
	switch f.opts.Grouping {
	case GroupByName:
		ok = f.scanByName()
	case GroupByMate:
		ok = f.scanByMate()
	default:
		var r *sam.Record
		if r, ok = f.next(); ok {
			f.group = append(f.group, r)
		}
	}
	if !ok {
		f.done = true
		return false
	}
	f.stats.Fragments++
	return true
}

func (f *FragmentIterator) scanByName() bool {
	first := f.pending
	f.pending = nil
	if first == nil {
		var ok bool
		if first, ok = f.next(); !ok {
			return false
		}
	}
	f.group = append(f.group, first)
	for {
		r, ok := f.next()
		if !ok {
			return f.err == nil
		}
		if r.Name != first.Name {
			f.pending = r
			return true
		}
		f.group = append(f.group, r)
	}
}

func (f *FragmentIterator) scanByMate() bool {
	for {
		if len(f.orphans) > 0 {
			f.group = append(f.group, f.orphans[0])
			f.orphans = f.orphans[1:]
			f.stats.Orphans++
			return true
		}
		r := f.held
		f.held = nil
		if r == nil {
			if f.eof {
				return false
			}
			var ok bool
			if r, ok = f.next(); !ok {
				if f.err != nil {
					return false
				}
				f.eof = true
				f.releaseOrphans()
				continue
			}
			if refID := r.Ref.ID(); refID != f.curRef {
				f.releaseOrphans()
				f.curRef = refID
				if len(f.orphans) > 0 {
					// Yield the previous reference's orphans before r.
					f.held = r
					continue
				}
			}
		}
		if r.Flags&sam.Paired == 0 || r.MateRef.ID() != r.Ref.ID() {
			f.group = append(f.group, r)
			return true
		}
		mate, ok := f.mates[r.Name]
		if !ok {
			f.mates[r.Name] = r
			continue
		}
		delete(f.mates, r.Name)
		f.group = append(f.group, mate, r)
		return true
	}
}

// releaseOrphans moves every held record into the orphan queue, sorted by
// position.
func (f *FragmentIterator) releaseOrphans() {
	if len(f.mates) == 0 {
		return
	}
	for _, r := range f.mates {
		f.orphans = append(f.orphans, r)
	}
	sort.SliceStable(f.orphans, func(i, j int) bool {
		if f.orphans[i].Pos != f.orphans[j].Pos {
			return f.orphans[i].Pos < f.orphans[j].Pos
		}
		return f.orphans[i].Name < f.orphans[j].Name
	})
	vlog.VI(1).Infof("bamprovider: %d records on ref %d without a mate", len(f.mates), f.curRef)
	f.mates = make(map[string]*sam.Record)
}
