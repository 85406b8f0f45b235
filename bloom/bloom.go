// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bloom implements the approximate-membership filter kept per table
// generation. The filter is sized up front from the expected key count,
// filled incrementally as the index writer appends keys, and never produces
// false negatives. Probes are constrained to a single cache line.
package bloom

import (
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

const (
	cacheLineSize = 64
	cacheLineBits = cacheLineSize * 8
)

// This table contains the optimal number of probes for each bitsPerKey. For
// bits per key over 10, probes[10] should be used. The standard bloom filter
// formula does not yield the optimal number for a scheme that constrains all
// probes to one cache line.
var probes = [11]uint32{
	1:  1,
	2:  1,
	3:  2,
	4:  3,
	5:  3,
	6:  4,
	7:  4,
	8:  5,
	9:  5,
	10: 6,
}

func calculateProbes(bitsPerKey uint32) uint32 {
	if bitsPerKey > 10 {
		return probes[10]
	}
	return probes[bitsPerKey]
}

// hash implements a hashing algorithm similar to the Murmur hash.
func hash(b []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ (uint32(len(b)) * m)
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}
	// Casting to int8 first matches the sign-extension behavior of the C++
	// implementations this hash originates from.
	switch len(b) {
	case 3:
		h += uint32(int8(b[2])) << 16
		fallthrough
	case 2:
		h += uint32(int8(b[1])) << 8
		fallthrough
	case 1:
		h += uint32(int8(b[0]))
		h *= m
		h ^= h >> 24
	}
	return h
}

// BitsPerKeyForFalsePositiveRate returns the bits-per-key budget that
// approximately yields the requested false-positive chance.
func BitsPerKeyForFalsePositiveRate(fpChance float64) uint32 {
	if fpChance <= 0 || fpChance >= 1 {
		return 10
	}
	bits := -math.Log(fpChance) / (math.Ln2 * math.Ln2)
	if bits < 1 {
		return 1
	}
	return uint32(math.Ceil(bits))
}

// Filter is an immutable-once-published bloom filter over raw partition
// keys. Handles are reference counted: the writer keeps one handle and every
// reader produced from it holds an independent SharedCopy. The bit array is
// released when the last handle closes.
type Filter struct {
	shared *sharedBits
	// alwaysPresent is set on the degenerate filter used when bloom-filter
	// persistence is disabled for a generation.
	alwaysPresent bool
}

type sharedBits struct {
	refs      atomic.Int32
	bits      []byte
	numProbes uint32
	nLines    uint32
}

// NewFilter sizes a filter for numKeys keys at the given bits-per-key
// budget. numKeys is an estimate; overflowing it only degrades the false
// positive rate.
func NewFilter(numKeys int64, bitsPerKey uint32) *Filter {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	if numKeys < 1 {
		numKeys = 1
	}
	nLines := uint32((uint64(numKeys)*uint64(bitsPerKey) + cacheLineBits - 1) / cacheLineBits)
	// Make nLines an odd number to make sure more bits are involved when
	// determining which block.
	nLines |= 1
	s := &sharedBits{
		bits:      make([]byte, nLines*cacheLineSize),
		numProbes: calculateProbes(bitsPerKey),
		nLines:    nLines,
	}
	s.refs.Store(1)
	return &Filter{shared: s}
}

// AlwaysPresent returns a filter that reports every key as possibly present.
// Stands in when no filter component exists on disk.
func AlwaysPresent() *Filter {
	return &Filter{alwaysPresent: true}
}

// Add inserts a raw key. Not safe for concurrent use with other Adds; the
// single-writer append path is the only caller.
func (f *Filter) Add(key []byte) {
	if f.alwaysPresent {
		return
	}
	s := f.shared
	h := hash(key)
	delta := h>>17 | h<<15
	lineIdx := h % s.nLines
	line := s.bits[lineIdx*cacheLineSize : (lineIdx+1)*cacheLineSize]
	for i := uint32(0); i < s.numProbes; i++ {
		line[(h>>3)&(cacheLineSize-1)] |= 1 << (h & 7)
		h += delta
	}
}

// MayContain reports whether key may have been added. False positives are
// possible; false negatives are not.
func (f *Filter) MayContain(key []byte) bool {
	if f.alwaysPresent {
		return true
	}
	s := f.shared
	h := hash(key)
	delta := h>>17 | h<<15
	lineIdx := h % s.nLines
	line := s.bits[lineIdx*cacheLineSize : (lineIdx+1)*cacheLineSize]
	for i := uint32(0); i < s.numProbes; i++ {
		if line[(h>>3)&(cacheLineSize-1)]&(1<<(h&7)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// SharedCopy returns a new handle referencing the same bit array. The copy
// must be Closed independently of the original.
func (f *Filter) SharedCopy() *Filter {
	if f.alwaysPresent {
		return f
	}
	f.shared.refs.Add(1)
	return &Filter{shared: f.shared}
}

// Close releases this handle. The bit array is freed when the last handle
// closes. Closing an already-closed handle is an error.
func (f *Filter) Close() error {
	if f.alwaysPresent {
		return nil
	}
	switch refs := f.shared.refs.Add(-1); {
	case refs < 0:
		return errors.AssertionFailedf("bloom filter handle closed twice")
	case refs == 0:
		f.shared.bits = nil
	}
	return nil
}

// WriteTo serializes the filter parameters and bit array.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	s := f.shared
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], s.numProbes)
	binary.BigEndian.PutUint32(hdr[4:8], s.nLines)
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	n, err := w.Write(s.bits)
	return int64(len(hdr) + n), err
}

// Read deserializes a filter previously written with WriteTo.
func Read(r io.Reader) (*Filter, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "bloom filter header")
	}
	numProbes := binary.BigEndian.Uint32(hdr[0:4])
	nLines := binary.BigEndian.Uint32(hdr[4:8])
	if numProbes == 0 || numProbes > 30 || nLines == 0 {
		return nil, errors.Newf("bloom filter header is invalid: probes=%d lines=%d", numProbes, nLines)
	}
	bits := make([]byte, int64(nLines)*cacheLineSize)
	if _, err := io.ReadFull(r, bits); err != nil {
		return nil, errors.Wrap(err, "bloom filter bits")
	}
	s := &sharedBits{bits: bits, numProbes: numProbes, nLines: nLines}
	s.refs.Store(1)
	return &Filter{shared: s}, nil
}

// Tracker counts true and false positives observed against one table's
// filter, for adaptive diagnostics. Safe for concurrent use.
type Tracker struct {
	falsePositives atomic.Int64
	truePositives  atomic.Int64
}

// AddFalsePositive records a lookup the filter passed but the index refuted.
func (t *Tracker) AddFalsePositive() { t.falsePositives.Add(1) }

// AddTruePositive records a lookup the filter passed and the index confirmed.
func (t *Tracker) AddTruePositive() { t.truePositives.Add(1) }

// FalsePositives returns the count of recorded false positives.
func (t *Tracker) FalsePositives() int64 { return t.falsePositives.Load() }

// TruePositives returns the count of recorded true positives.
func (t *Tracker) TruePositives() int64 { return t.truePositives.Load() }
