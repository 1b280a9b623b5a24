// Package bamprovider provides utilities for scanning a BAM file in order.
//
// The Provider is an interface for reading a BAM file sequentially.
//
// FragmentIterator is implemented on top of Provider to group the records of
// one sequenced fragment (a single read, or the two mates of a pair).
package bamprovider
