// Package fasta parses FASTA reference files into memory.  FASTA files consist
// of a number of named sequences that may be interrupted by newlines.  For
// example:
//
// >chr7
// ACGTAC
// GAGGAC
// GCG
// >chr8
// ACGT
//
// Sequence names are the stretch of characters excluding spaces immediately
// after '>'.  Any text after a space is ignored, so '>chr1 A viral sequence'
// becomes 'chr1'.
package fasta

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// maxLineLen bounds the length of a single FASTA line.
const maxLineLen = 1 << 28

// Fasta represents FASTA-formatted data, consisting of a set of named
// sequences.
type Fasta interface {
	// Get returns a substring of the given sequence name at the given
	// coordinates, which are treated as a 0-based half-open interval
	// [start, end). Get is thread-safe.
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the length of the given sequence.
	Len(seqName string) (uint64, error)

	// SeqNames returns the names of all sequences, in the order of appearance in
	// the FASTA file.
	SeqNames() []string
}

type fasta struct {
	seqs     map[string][]byte
	seqNames []string
}

// New reads all the FASTA data from r into memory.
func New(r io.Reader) (Fasta, error) {
	f := &fasta{seqs: make(map[string][]byte)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineLen)
	var (
		name    string
		seq     []byte
		started bool
	)
	add := func() error {
		if !started {
			if len(seq) != 0 {
				return errors.Errorf("malformed FASTA file: sequence data before the first header")
			}
			return nil
		}
		if _, ok := f.seqs[name]; ok {
			return errors.Errorf("malformed FASTA file: duplicate sequence %s", name)
		}
		f.seqs[name] = seq
		f.seqNames = append(f.seqNames, name)
		return nil
	}
	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] != '>' {
			seq = append(seq, line...)
			continue
		}
		if err := add(); err != nil {
			return nil, err
		}
		fields := bytes.Fields(line[1:])
		if len(fields) == 0 {
			return nil, errors.Errorf("malformed FASTA file: empty sequence name")
		}
		name, seq, started = string(fields[0]), nil, true
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if err := add(); err != nil {
		return nil, err
	}
	return f, nil
}

// Get implements Fasta.Get().
func (f *fasta) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if end <= start {
		return "", errors.Errorf("start must be less than end")
	}
	if end > uint64(len(s)) {
		return "", errors.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, len(s))
	}
	return string(s[start:end]), nil
}

// Len implements Fasta.Len().
func (f *fasta) Len(seqName string) (uint64, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	return uint64(len(s)), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *fasta) SeqNames() []string {
	return f.seqNames
}
