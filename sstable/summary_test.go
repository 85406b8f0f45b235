// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

func TestSamplingPattern(t *testing.T) {
	require.Equal(t, []int{0}, samplingPattern(1))
	require.Equal(t, []int{1, 0}, samplingPattern(2))
	require.Equal(t, []int{1, 3, 2, 0}, samplingPattern(4))
	require.Equal(t, []int{1, 3, 5, 7, 2, 6, 4, 0}, samplingPattern(8))

	// Every position appears exactly once, and 0 is always dropped last: a
	// summary at any level retains the first potential sample of each span.
	p := samplingPattern(baseSamplingLevel)
	require.Len(t, p, baseSamplingLevel)
	seen := make(map[int]bool)
	for _, i := range p {
		require.False(t, seen[i])
		seen[i] = true
	}
	require.Equal(t, 0, p[baseSamplingLevel-1])
}

func TestOriginalIndexes(t *testing.T) {
	full := originalIndexes(baseSamplingLevel)
	require.Len(t, full, baseSamplingLevel)
	for i, idx := range full {
		require.Equal(t, i, idx)
	}

	// Half resolution drops exactly the odd positions.
	half := originalIndexes(64)
	require.Len(t, half, 64)
	for i, idx := range half {
		require.Equal(t, 2*i, idx)
	}

	require.Equal(t, []int{0}, originalIndexes(1))
}

func TestEffectiveIndexInterval(t *testing.T) {
	const minInterval = 128

	// Full resolution: uniform intervals, nothing precedes the first sample.
	require.EqualValues(t, 0, effectiveIndexIntervalAfterIndex(-1, baseSamplingLevel, minInterval))
	for i := 0; i < baseSamplingLevel; i++ {
		require.EqualValues(t, minInterval,
			effectiveIndexIntervalAfterIndex(i, baseSamplingLevel, minInterval))
	}

	// Half resolution: doubled gaps, including the wraparound after the last
	// sample of a span.
	for i := 0; i < 63; i++ {
		require.EqualValues(t, 2*minInterval, effectiveIndexIntervalAfterIndex(i, 64, minInterval))
	}
	require.EqualValues(t, (128-126+0)*minInterval, effectiveIndexIntervalAfterIndex(63, 64, minInterval))

	// Indexes beyond one span wrap modulo the sampling level.
	require.EqualValues(t, 2*minInterval, effectiveIndexIntervalAfterIndex(64, 64, minInterval))
}

func TestStartPoints(t *testing.T) {
	// First downsampling round removes the odd positions; no adjustment.
	points := startPoints(baseSamplingLevel, 64)
	require.Len(t, points, 64)
	require.Equal(t, 1, points[0])
	require.Equal(t, 3, points[1])
	require.Equal(t, 127, points[63])

	// Second round: removal positions shift down by the already-removed odds
	// preceding them.
	points = startPoints(64, 32)
	require.Len(t, points, 32)
	require.Equal(t, 1, points[0])
	require.Equal(t, 3, points[1])
	require.Equal(t, 5, points[2])
}

func buildSummaryOf(t *testing.T, n int, minInterval, level int) *IndexSummary {
	t.Helper()
	b := newSummaryBuilder(minInterval, level)
	for i := 0; i < n; i++ {
		key := base.OrderPreservingPartitioner.DecorateKey([]byte(fmt.Sprintf("key-%08d", i)))
		b.maybeAddEntry(key, int64(i*100), int64(i*100+100), int64(i*1000))
	}
	return b.build(nil)
}

func TestDownsampleMatchesDirectBuild(t *testing.T) {
	// A summary downsampled from full resolution must retain exactly the
	// entries a builder at the lower level would have sampled.
	const n = 1000
	for _, level := range []int{64, 32, 8, 1} {
		full := buildSummaryOf(t, n, 1, baseSamplingLevel)
		down, err := Downsample(full, level)
		require.NoError(t, err)
		direct := buildSummaryOf(t, n, 1, level)
		require.Equal(t, direct.entries, down.entries, "level %d", level)
		require.Equal(t, level, down.SamplingLevel())
	}

	// Downsampling in two hops matches one hop.
	full := buildSummaryOf(t, n, 1, baseSamplingLevel)
	via64, err := Downsample(full, 64)
	require.NoError(t, err)
	via32, err := Downsample(via64, 32)
	require.NoError(t, err)
	direct32, err := Downsample(full, 32)
	require.NoError(t, err)
	require.Equal(t, direct32.entries, via32.entries)

	_, err = Downsample(via32, 64)
	require.Error(t, err)
}

func TestSummaryBinarySearch(t *testing.T) {
	s := buildSummaryOf(t, 100, 10, baseSamplingLevel)
	require.Equal(t, 10, s.Size())

	// Before the first sampled key.
	require.Equal(t, -1, s.binarySearch(base.Search(
		base.OrderPreservingPartitioner.DecorateKey([]byte("a")))))

	// Exact hits on sampled keys.
	for i := 0; i < s.Size(); i++ {
		key, _ := s.EntryAt(i)
		require.Equal(t, i, s.binarySearch(base.Search(key)))
	}

	// Keys between samples floor to the preceding sample.
	between := base.OrderPreservingPartitioner.DecorateKey([]byte("key-00000015"))
	require.Equal(t, 1, s.binarySearch(base.Search(between)))

	// After the last sampled key.
	require.Equal(t, s.Size()-1, s.binarySearch(base.Search(
		base.OrderPreservingPartitioner.DecorateKey([]byte("zzz")))))
}

func TestReadableBoundaryTracking(t *testing.T) {
	b := newSummaryBuilder(1, baseSamplingLevel)
	keys := make([]base.DecoratedKey, 3)
	for i := range keys {
		keys[i] = base.OrderPreservingPartitioner.DecorateKey([]byte{byte('a' + i)})
		b.maybeAddEntry(keys[i], int64(i*10), int64(i*10+10), int64(i*100+100))
	}
	require.Nil(t, b.lastReadableBoundary())

	// Index durable through the second partition, data only through the
	// first: the boundary is the first partition.
	b.markIndexSynced(20)
	require.Nil(t, b.lastReadableBoundary())
	b.markDataSynced(100)
	boundary := b.lastReadableBoundary()
	require.NotNil(t, boundary)
	require.Equal(t, keys[0], boundary.LastKey)
	require.EqualValues(t, 10, boundary.IndexLength)
	require.EqualValues(t, 100, boundary.DataLength)

	// Data catches up: the boundary advances to the second partition.
	b.markDataSynced(300)
	boundary = b.lastReadableBoundary()
	require.Equal(t, keys[1], boundary.LastKey)
	require.EqualValues(t, 20, boundary.IndexLength)

	// And the third once the index is durable too.
	b.markIndexSynced(30)
	boundary = b.lastReadableBoundary()
	require.Equal(t, keys[2], boundary.LastKey)

	// A bounded build keeps only the entries covered by the boundary.
	b2 := newSummaryBuilder(1, baseSamplingLevel)
	for i := range keys {
		b2.maybeAddEntry(keys[i], int64(i*10), int64(i*10+10), int64(i*100+100))
	}
	b2.markIndexSynced(10)
	b2.markDataSynced(100)
	bounded := b2.build(b2.lastReadableBoundary())
	require.Equal(t, 1, bounded.Size())
	full := b2.build(nil)
	require.Equal(t, 3, full.Size())
}

func TestSummaryBuilderTruncate(t *testing.T) {
	b := newSummaryBuilder(2, baseSamplingLevel)
	var keys []base.DecoratedKey
	for i := 0; i < 10; i++ {
		key := base.OrderPreservingPartitioner.DecorateKey([]byte(fmt.Sprintf("k%02d", i)))
		keys = append(keys, key)
		b.maybeAddEntry(key, int64(i*10), int64(i*10+10), int64(i*100+100))
	}
	require.Equal(t, 5, len(b.entries))

	// Roll back to 5 partitions and re-append the same span; the result must
	// match an uninterrupted build.
	b.truncateTo(5, 50)
	require.Equal(t, 3, len(b.entries))
	for i := 5; i < 10; i++ {
		b.maybeAddEntry(keys[i], int64(i*10), int64(i*10+10), int64(i*100+100))
	}
	direct := newSummaryBuilder(2, baseSamplingLevel)
	for i := 0; i < 10; i++ {
		direct.maybeAddEntry(keys[i], int64(i*10), int64(i*10+10), int64(i*100+100))
	}
	require.Equal(t, direct.entries, b.entries)
}

func TestSummarySaveLoad(t *testing.T) {
	fs := vfs.NewMem()
	s := buildSummaryOf(t, 500, 4, baseSamplingLevel)
	first := base.OrderPreservingPartitioner.DecorateKey([]byte("key-00000000"))
	last := base.OrderPreservingPartitioner.DecorateKey([]byte("key-00000499"))

	require.NoError(t, writeSummary(fs, "summary", s, first, last))
	loaded, loadedFirst, loadedLast, err := readSummary(fs, "summary")
	require.NoError(t, err)
	require.Equal(t, s.entries, loaded.entries)
	require.Equal(t, s.SamplingLevel(), loaded.SamplingLevel())
	require.Equal(t, s.MinIndexInterval(), loaded.MinIndexInterval())
	require.Equal(t, first, loadedFirst)
	require.Equal(t, last, loadedLast)

	_, _, _, err = readSummary(fs, "missing")
	require.Error(t, err)
}
