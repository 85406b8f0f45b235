// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

// baseSamplingLevel is the granularity of summary resolution adjustment. At
// this level every minIndexInterval-th index entry is sampled; lower levels
// keep proportionally fewer entries (samplingLevel out of every
// baseSamplingLevel potential samples).
const baseSamplingLevel = 128

const minSamplingLevel = 1

// summaryEntry is one sampled index entry held in memory: the decorated key
// and the offset of its serialized entry in the index file.
type summaryEntry struct {
	token    base.Token
	key      []byte
	indexPos int64
}

// IndexSummary is the in-memory sample of the index file: an ordered subset
// of the index entries, one per effective interval. A lookup binary-searches
// the summary and then scans at most one effective interval of the index
// file.
type IndexSummary struct {
	entries          []summaryEntry
	samplingLevel    int
	minIndexInterval int
}

// Size returns the number of sampled entries.
func (s *IndexSummary) Size() int { return len(s.entries) }

// SamplingLevel returns the current resolution, out of baseSamplingLevel.
func (s *IndexSummary) SamplingLevel() int { return s.samplingLevel }

// MinIndexInterval returns the index interval the summary was built with.
func (s *IndexSummary) MinIndexInterval() int { return s.minIndexInterval }

// EntryAt returns the sampled key and its index file offset.
func (s *IndexSummary) EntryAt(i int) (base.DecoratedKey, int64) {
	e := &s.entries[i]
	return base.DecoratedKey{Token: e.token, Key: e.key}, e.indexPos
}

// binarySearch returns the greatest entry index whose key is <= the search
// key, or -1 if the search key sorts before every sampled entry.
func (s *IndexSummary) binarySearch(sk base.SearchKey) int {
	return sort.Search(len(s.entries), func(i int) bool {
		dk := base.DecoratedKey{Token: s.entries[i].token, Key: s.entries[i].key}
		return sk.CompareKey(dk) > 0
	}) - 1
}

// EffectiveIndexIntervalAfterIndex returns the maximum number of index
// entries between summary entry i and the next one. i == -1 means "before the
// first entry". At full resolution this is minIndexInterval; downsampling
// widens the gaps unevenly according to the removal pattern.
func (s *IndexSummary) EffectiveIndexIntervalAfterIndex(i int) int64 {
	return effectiveIndexIntervalAfterIndex(i, s.samplingLevel, s.minIndexInterval)
}

var samplingPatternCache struct {
	sync.Mutex
	patterns  map[int][]int
	originals map[int][]int
}

// samplingPattern returns the order in which potential sample positions
// within a span of the given (power of two) size are dropped as the sampling
// level decreases: all odd positions first, then recursively the doubled
// pattern of the half-size span.
func samplingPattern(size int) []int {
	samplingPatternCache.Lock()
	defer samplingPatternCache.Unlock()
	return samplingPatternLocked(size)
}

func samplingPatternLocked(size int) []int {
	if samplingPatternCache.patterns == nil {
		samplingPatternCache.patterns = make(map[int][]int)
	}
	if p, ok := samplingPatternCache.patterns[size]; ok {
		return p
	}
	var pattern []int
	if size <= 1 {
		pattern = []int{0}
	} else {
		pattern = make([]int, 0, size)
		for i := 1; i < size; i += 2 {
			pattern = append(pattern, i)
		}
		for _, i := range samplingPatternLocked(size / 2) {
			pattern = append(pattern, i*2)
		}
	}
	samplingPatternCache.patterns[size] = pattern
	return pattern
}

// originalIndexes returns, for a sampling level, the positions within a
// baseSamplingLevel-wide span that are still sampled, in increasing order.
func originalIndexes(samplingLevel int) []int {
	samplingPatternCache.Lock()
	defer samplingPatternCache.Unlock()
	if samplingPatternCache.originals == nil {
		samplingPatternCache.originals = make(map[int][]int)
	}
	if idxs, ok := samplingPatternCache.originals[samplingLevel]; ok {
		return idxs
	}
	dropped := samplingPatternLocked(baseSamplingLevel)[:baseSamplingLevel-samplingLevel]
	removed := make(map[int]bool, len(dropped))
	for _, i := range dropped {
		removed[i] = true
	}
	idxs := make([]int, 0, samplingLevel)
	for i := 0; i < baseSamplingLevel; i++ {
		if !removed[i] {
			idxs = append(idxs, i)
		}
	}
	samplingPatternCache.originals[samplingLevel] = idxs
	return idxs
}

func effectiveIndexIntervalAfterIndex(index, samplingLevel, minIndexInterval int) int64 {
	idxs := originalIndexes(samplingLevel)
	if index == -1 {
		// Entries preceding the first sample.
		return int64(idxs[0]) * int64(minIndexInterval)
	}
	index %= samplingLevel
	if index == len(idxs)-1 {
		// The last sample in a span also covers the gap wrapping around to
		// the first sample of the next span.
		return int64((baseSamplingLevel-idxs[index])+idxs[0]) * int64(minIndexInterval)
	}
	return int64(idxs[index+1]-idxs[index]) * int64(minIndexInterval)
}

// startPoints returns the offsets, within each span of the current summary's
// entries, at which removal passes start when moving from currentLevel to
// newLevel. Offsets are adjusted for positions already removed by earlier
// downsampling rounds.
func startPoints(currentLevel, newLevel int) []int {
	pattern := samplingPattern(baseSamplingLevel)
	toRemove := pattern[baseSamplingLevel-currentLevel : baseSamplingLevel-newLevel]
	alreadyRemoved := pattern[:baseSamplingLevel-currentLevel]
	points := make([]int, 0, len(toRemove))
	for _, p := range toRemove {
		adjustment := 0
		for _, r := range alreadyRemoved {
			if r < p {
				adjustment++
			}
		}
		points = append(points, p-adjustment)
	}
	return points
}

// Downsample returns a copy of the summary at a strictly lower sampling
// level, dropping entries according to the removal pattern so that the
// retained entries are exactly those a builder at the new level would have
// sampled.
func Downsample(existing *IndexSummary, newLevel int) (*IndexSummary, error) {
	cur := existing.samplingLevel
	if newLevel >= cur || newLevel < minSamplingLevel {
		return nil, errors.Newf("cannot downsample from level %d to %d", cur, newLevel)
	}
	remove := make(map[int]bool)
	for _, start := range startPoints(cur, newLevel) {
		for j := start; j < len(existing.entries); j += cur {
			remove[j] = true
		}
	}
	out := &IndexSummary{samplingLevel: newLevel, minIndexInterval: existing.minIndexInterval}
	out.entries = make([]summaryEntry, 0, len(existing.entries)-len(remove))
	for j := range existing.entries {
		if !remove[j] {
			out.entries = append(out.entries, existing.entries[j])
		}
	}
	return out, nil
}

// ReadableBoundary is the most recent point at which both the data file and
// the index file are durable through a whole partition: everything up to
// lastKey can be served to readers. Advanced by the writer's flush callbacks.
type ReadableBoundary struct {
	LastKey      base.DecoratedKey
	IndexLength  int64
	DataLength   int64
	summaryCount int
}

// summaryBuilder accumulates sampled entries as partitions are appended and
// tracks the readable boundary from the index and data sync positions.
type summaryBuilder struct {
	minIndexInterval int
	samplingLevel    int
	starts           []int

	entries       []summaryEntry
	keysWritten   int64
	nextSamplePos int64

	indexSync  int64
	dataSync   int64
	candidates []ReadableBoundary // ordered by both IndexLength and DataLength
	last       *ReadableBoundary
}

func newSummaryBuilder(minIndexInterval, samplingLevel int) *summaryBuilder {
	b := &summaryBuilder{
		minIndexInterval: minIndexInterval,
		samplingLevel:    samplingLevel,
		starts:           startPoints(baseSamplingLevel, samplingLevel),
		indexSync:        -1,
		dataSync:         -1,
	}
	b.nextSamplePos = b.nextUnskippedPosition(-int64(minIndexInterval))
	return b
}

// nextUnskippedPosition advances from position by minIndexInterval steps,
// skipping positions a summary at this sampling level does not sample.
func (b *summaryBuilder) nextUnskippedPosition(position int64) int64 {
tryAgain:
	for {
		position += int64(b.minIndexInterval)
		span := position / int64(b.minIndexInterval) % baseSamplingLevel
		for _, start := range b.starts {
			if int64(start) == span {
				continue tryAgain
			}
		}
		return position
	}
}

// maybeAddEntry records a potential summary entry for the partition just
// appended, and queues a readable-boundary candidate covering it. indexEnd
// and dataEnd are the logical file positions after the partition's entries.
func (b *summaryBuilder) maybeAddEntry(key base.DecoratedKey, indexStart, indexEnd, dataEnd int64) {
	if b.keysWritten == b.nextSamplePos {
		b.entries = append(b.entries, summaryEntry{
			token:    key.Token,
			key:      append([]byte(nil), key.Key...),
			indexPos: indexStart,
		})
		b.nextSamplePos = b.nextUnskippedPosition(b.nextSamplePos)
	}
	b.keysWritten++
	b.candidates = append(b.candidates, ReadableBoundary{
		LastKey:      key.Clone(),
		IndexLength:  indexEnd,
		DataLength:   dataEnd,
		summaryCount: len(b.entries),
	})
}

// truncateTo rolls the builder back so that the last recorded partition is
// the one ending at indexEnd, for the writer's save-point rollback. Sampled
// entries and boundary candidates past the mark are discarded.
func (b *summaryBuilder) truncateTo(keysWritten int64, indexEnd int64) {
	for len(b.candidates) > 0 && b.candidates[len(b.candidates)-1].IndexLength > indexEnd {
		b.candidates = b.candidates[:len(b.candidates)-1]
	}
	count := 0
	dataEnd := int64(0)
	if len(b.candidates) > 0 {
		last := &b.candidates[len(b.candidates)-1]
		count = last.summaryCount
		dataEnd = last.DataLength
	}
	b.entries = b.entries[:count]
	// Durability claims past the truncation point no longer hold, and neither
	// does a boundary that covers rolled-back partitions.
	if b.indexSync > indexEnd {
		b.indexSync = indexEnd
	}
	if b.dataSync > dataEnd {
		b.dataSync = dataEnd
	}
	if b.last != nil && b.last.IndexLength > indexEnd {
		b.last = nil
	}
	b.keysWritten = keysWritten
	// Recompute the next sample position from scratch; rollback is rare.
	pos := b.nextUnskippedPosition(-int64(b.minIndexInterval))
	for pos < keysWritten {
		pos = b.nextUnskippedPosition(pos)
	}
	b.nextSamplePos = pos
}

// markIndexSynced records that the index file is durable up to the given
// logical position and advances the readable boundary if possible.
func (b *summaryBuilder) markIndexSynced(upTo int64) {
	if upTo > b.indexSync {
		b.indexSync = upTo
	}
	b.refreshReadableBoundary()
}

// markDataSynced records that the data file is durable up to the given
// logical position and advances the readable boundary if possible.
func (b *summaryBuilder) markDataSynced(upTo int64) {
	if upTo > b.dataSync {
		b.dataSync = upTo
	}
	b.refreshReadableBoundary()
}

func (b *summaryBuilder) refreshReadableBoundary() {
	advanced := -1
	for i := range b.candidates {
		c := &b.candidates[i]
		if c.IndexLength <= b.indexSync && c.DataLength <= b.dataSync {
			advanced = i
		} else if c.IndexLength > b.indexSync && c.DataLength > b.dataSync {
			break
		}
	}
	if advanced >= 0 {
		boundary := b.candidates[advanced]
		b.last = &boundary
		b.candidates = append(b.candidates[:0], b.candidates[advanced+1:]...)
	}
}

// lastReadableBoundary returns the current boundary, or nil if no whole
// partition is durable yet.
func (b *summaryBuilder) lastReadableBoundary() *ReadableBoundary {
	return b.last
}

// build materializes the summary. A non-nil boundary bounds it to the
// durable prefix for an early-opened reader; nil includes every entry, for
// the finished table.
func (b *summaryBuilder) build(boundary *ReadableBoundary) *IndexSummary {
	entries := b.entries
	if boundary != nil {
		entries = entries[:boundary.summaryCount]
	}
	return &IndexSummary{
		entries:          append([]summaryEntry(nil), entries...),
		samplingLevel:    b.samplingLevel,
		minIndexInterval: b.minIndexInterval,
	}
}

// writeSummary persists the summary sidecar: sampling parameters, the
// sampled entries, and the table's first and last keys so Open can avoid
// touching the index file at all.
func writeSummary(fs vfs.FS, path string, s *IndexSummary, first, last base.DecoratedKey) error {
	f, err := fs.Create(path)
	if err != nil {
		return base.WriteError(err, path)
	}
	bw := &binaryWriter{w: f}
	bw.u32(uint32(s.samplingLevel))
	bw.u32(uint32(s.minIndexInterval))
	bw.u64(uint64(first.Token))
	bw.shortBytes(first.Key)
	bw.u64(uint64(last.Token))
	bw.shortBytes(last.Key)
	bw.u32(uint32(len(s.entries)))
	for i := range s.entries {
		e := &s.entries[i]
		bw.u64(uint64(e.token))
		bw.shortBytes(e.key)
		bw.u64(uint64(e.indexPos))
	}
	if bw.err != nil {
		_ = f.Close()
		return base.WriteError(bw.err, path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	return f.Close()
}

func readSummary(fs vfs.FS, path string) (*IndexSummary, base.DecoratedKey, base.DecoratedKey, error) {
	var first, last base.DecoratedKey
	f, err := fs.Open(path)
	if err != nil {
		return nil, first, last, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	br := &binaryReader{r: f}
	s := &IndexSummary{}
	s.samplingLevel = int(br.u32())
	s.minIndexInterval = int(br.u32())
	first.Token = base.Token(br.u64())
	first.Key = br.shortBytes()
	last.Token = base.Token(br.u64())
	last.Key = br.shortBytes()
	n := br.u32()
	if br.err != nil {
		return nil, first, last, base.MarkCorruptionError(errors.Wrapf(br.err, "reading %s", path))
	}
	if s.samplingLevel < minSamplingLevel || s.samplingLevel > baseSamplingLevel || s.minIndexInterval <= 0 {
		return nil, first, last, base.CorruptionErrorf(
			"%s: invalid sampling parameters level=%d interval=%d", path, s.samplingLevel, s.minIndexInterval)
	}
	s.entries = make([]summaryEntry, n)
	for i := range s.entries {
		e := &s.entries[i]
		e.token = base.Token(br.u64())
		e.key = br.shortBytes()
		e.indexPos = int64(br.u64())
	}
	if br.err != nil {
		return nil, first, last, base.MarkCorruptionError(errors.Wrapf(br.err, "reading %s", path))
	}
	return s, first, last, nil
}
