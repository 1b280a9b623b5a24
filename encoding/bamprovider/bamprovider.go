package bamprovider

import (
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// BAMProvider implements Provider for BAM files.  The path may use any scheme
// registered with grailbio/base/file, e.g. s3://.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Parallelism is passed to bam.NewReader.
	Parallelism int
	err         errors.Once

	mu      sync.Mutex
	nActive int
	header  *sam.Header
}

type bamIterator struct {
	provider *BAMProvider
	in       file.File
	reader   *bam.Reader
	active   bool
	err      error
	next     *sam.Record
}

func (b *BAMProvider) parallelism() int {
	if b.Parallelism <= 0 {
		return 1
	}
	return b.Parallelism
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}

	ctx := vcontext.Background()
	reader, err := file.Open(ctx, b.Path)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer reader.Close(ctx) // nolint: errcheck
	bamReader, err := bam.NewReader(reader.Reader(ctx), 1)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer bamReader.Close() // nolint: errcheck
	b.header = bamReader.Header()
	return b.header, nil
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nActive > 0 {
		vlog.Fatalf("%d iterators still active for %+v", b.nActive, b.Path)
	}
	return b.err.Err()
}

// NewIterator implements the Provider interface.
// Once the provider has seen an error, it only hands out error iterators.
func (b *BAMProvider) NewIterator() Iterator {
	if err := b.err.Err(); err != nil {
		return NewErrorIterator(err)
	}
	b.mu.Lock()
	b.nActive++
	b.mu.Unlock()

	iter := &bamIterator{
		provider: b,
		active:   true,
	}
	ctx := vcontext.Background()
	if iter.in, iter.err = file.Open(ctx, b.Path); iter.err != nil {
		return iter
	}
	if iter.reader, iter.err = bam.NewReader(iter.in.Reader(ctx), b.parallelism()); iter.err != nil {
		return iter
	}
	b.mu.Lock()
	if b.header == nil {
		b.header = iter.reader.Header()
	}
	b.mu.Unlock()
	vlog.VI(1).Infof("%v: opened with parallelism %d", b.Path, b.parallelism())
	return iter
}

// Scan implements the Iterator interface.
func (i *bamIterator) Scan() bool {
	if !i.active {
		vlog.Fatal("Reusing iterator")
	}
	if i.err != nil {
		return false
	}
	i.next, i.err = i.reader.Read()
	return i.err == nil
}

// Record implements the Iterator interface.
func (i *bamIterator) Record() *sam.Record {
	return i.next
}

// Err implements the Iterator interface.
func (i *bamIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements the Iterator interface.
func (i *bamIterator) Close() error {
	if !i.active {
		vlog.Fatal("Closing inactive iterator")
	}
	i.active = false
	if i.reader != nil {
		if err := i.reader.Close(); err != nil && i.Err() == nil {
			i.err = err
		}
		i.reader = nil
	}
	if i.in != nil {
		if err := i.in.Close(vcontext.Background()); err != nil && i.Err() == nil {
			i.err = err
		}
		i.in = nil
	}
	err := i.Err()
	b := i.provider
	b.err.Set(err)
	b.mu.Lock()
	b.nActive--
	if b.nActive < 0 {
		vlog.Fatalf("Negative active count for %+v", b.Path)
	}
	b.mu.Unlock()
	return err
}
