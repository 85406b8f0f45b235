// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

func testDescriptor() Descriptor {
	return Descriptor{
		Dir:        "db",
		Keyspace:   "ks",
		Table:      "events",
		TableID:    uuid.New(),
		Generation: 1,
	}
}

func testWriterOptions(fs vfs.FS) WriterOptions {
	return WriterOptions{
		FS:          fs,
		Logger:      base.NoopLogger,
		Partitioner: base.OrderPreservingPartitioner,
	}
}

func testPartition(key string, cols ...string) *Partition {
	p := &Partition{Key: []byte(key), Deletion: LiveDeletionTime}
	row := Row{Clustering: [][]byte{[]byte("c0")}, Deletion: LiveDeletionTime}
	for i, col := range cols {
		row.Cells = append(row.Cells, Cell{
			Column:            []byte(col),
			Timestamp:         int64(1000 + i),
			LocalDeletionTime: LiveDeletionTime.LocalDeletionTime,
			Value:             []byte("value-of-" + col),
		})
	}
	p.Rows = append(p.Rows, row)
	return p
}

func buildTable(t *testing.T, fs vfs.FS, o WriterOptions, keys []string) *Reader {
	t.Helper()
	w, err := NewWriter(testDescriptor(), o)
	require.NoError(t, err)
	for _, key := range keys {
		_, err := w.Append(testPartition(key, "col"))
		require.NoError(t, err)
	}
	r, err := w.Finish()
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestWriterRoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "snappy", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			fs := vfs.NewMem()
			o := testWriterOptions(fs)
			switch compression {
			case "none":
				o.DisableCompression = true
			case "snappy":
				o.Compression = Snappy
			case "zstd":
				o.Compression = Zstd
			}
			o.ChunkLength = 256 // force multiple chunks

			w, err := NewWriter(testDescriptor(), o)
			require.NoError(t, err)
			var want []*Partition
			for i := 0; i < 200; i++ {
				p := testPartition(fmt.Sprintf("key-%04d", i), "a", "b")
				want = append(want, p)
				entry, err := w.Append(p)
				require.NoError(t, err)
				require.NotNil(t, entry)
			}
			r, err := w.Finish()
			require.NoError(t, err)
			defer r.Close()

			for i, p := range want {
				entry, err := r.Lookup(p.Key, base.EQ)
				require.NoError(t, err)
				require.NotNil(t, entry, "key %d", i)
				got, err := r.ReadPartition(entry)
				require.NoError(t, err)
				require.Equal(t, p, got)
			}

			// A key that was never written.
			entry, err := r.Lookup([]byte("key-9999"), base.EQ)
			require.NoError(t, err)
			require.Nil(t, entry)
		})
	}
}

func TestWriterKeyOrdering(t *testing.T) {
	fs := vfs.NewMem()
	w, err := NewWriter(testDescriptor(), testWriterOptions(fs))
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()

	_, err = w.Append(testPartition("bravo", "col"))
	require.NoError(t, err)

	// Same key and a smaller key are both rejected.
	_, err = w.Append(testPartition("bravo", "col"))
	require.Error(t, err)
	_, err = w.Append(testPartition("alpha", "col"))
	require.Error(t, err)

	// The writer is still usable for keys after the last accepted one.
	_, err = w.Append(testPartition("charlie", "col"))
	require.NoError(t, err)
}

func TestWriterKeyTooLong(t *testing.T) {
	fs := vfs.NewMem()
	w, err := NewWriter(testDescriptor(), testWriterOptions(fs))
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()

	_, err = w.Append(testPartition(strings.Repeat("k", base.MaxKeyLength+1), "col"))
	require.Error(t, err)

	_, err = w.Append(testPartition(strings.Repeat("k", base.MaxKeyLength), "col"))
	require.NoError(t, err)
}

func TestWriterSkipsEmptyPartition(t *testing.T) {
	fs := vfs.NewMem()
	w, err := NewWriter(testDescriptor(), testWriterOptions(fs))
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()

	entry, err := w.Append(&Partition{Key: []byte("ghost"), Deletion: LiveDeletionTime})
	require.NoError(t, err)
	require.Nil(t, entry)
	require.EqualValues(t, 0, w.Count())

	// A rowless partition with a deletion marker is data, not emptiness.
	entry, err = w.Append(&Partition{
		Key:      []byte("tombstone"),
		Deletion: DeletionTime{MarkedForDeleteAt: 9, LocalDeletionTime: 100},
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestWriterMarkReset(t *testing.T) {
	fs := vfs.NewMem()
	w, err := NewWriter(testDescriptor(), testWriterOptions(fs))
	require.NoError(t, err)

	_, err = w.Append(testPartition("alpha", "col"))
	require.NoError(t, err)
	mark := w.Mark()

	_, err = w.Append(testPartition("bravo", "old"))
	require.NoError(t, err)
	_, err = w.Append(testPartition("charlie", "old"))
	require.NoError(t, err)
	require.NoError(t, w.ResetAndTruncate(mark))
	require.EqualValues(t, 1, w.Count())

	// Rewriting the rolled-back span with different contents must win.
	_, err = w.Append(testPartition("bravo", "new"))
	require.NoError(t, err)

	r, err := w.Finish()
	require.NoError(t, err)
	defer r.Close()

	entry, err := r.Lookup([]byte("charlie"), base.EQ)
	require.NoError(t, err)
	require.Nil(t, entry)

	entry, err = r.Lookup([]byte("bravo"), base.EQ)
	require.NoError(t, err)
	require.NotNil(t, entry)
	p, err := r.ReadPartition(entry)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), p.Rows[0].Cells[0].Column)
}

func TestWriterAbortRemovesFiles(t *testing.T) {
	fs := vfs.NewMem()
	w, err := NewWriter(testDescriptor(), testWriterOptions(fs))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := w.Append(testPartition(fmt.Sprintf("key-%04d", i), "col"))
		require.NoError(t, err)
	}
	// Early-open links must be cleaned up too.
	require.NoError(t, w.Flush())
	early, err := w.OpenEarly()
	require.NoError(t, err)
	require.NotNil(t, early)
	require.NoError(t, early.Close())

	require.NoError(t, w.Abort())
	names, err := fs.List("db")
	require.NoError(t, err)
	require.Empty(t, names)

	// Abort is idempotent, and a spent writer rejects appends.
	require.NoError(t, w.Abort())
	_, err = w.Append(testPartition("zulu", "col"))
	require.Error(t, err)
}

func TestFinishEmptyWriter(t *testing.T) {
	fs := vfs.NewMem()
	w, err := NewWriter(testDescriptor(), testWriterOptions(fs))
	require.NoError(t, err)
	r, err := w.Finish()
	require.NoError(t, err)
	require.Nil(t, r)

	names, err := fs.List("db")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestFinishPublishesTOC(t *testing.T) {
	fs := vfs.NewMem()
	r := buildTable(t, fs, testWriterOptions(fs), []string{"alpha", "bravo"})
	defer r.Close()

	d := r.Descriptor()
	toc, err := ReadTOC(fs, d)
	require.NoError(t, err)
	for _, c := range []Component{
		ComponentData, ComponentIndex, ComponentFilter, ComponentCompressionInfo,
		ComponentStats, ComponentSummary, ComponentTOC,
	} {
		require.True(t, toc.Contains(c), "missing %s", c)
	}

	// No temp-named files survive the commit.
	names, err := fs.List("db")
	require.NoError(t, err)
	for _, name := range names {
		require.False(t, strings.HasPrefix(name, "tmp"), "leftover %s", name)
	}

	// Component paths parse back to the descriptor that produced them.
	parsed, c, err := ParseComponentPath(fs, d.FileFor(ComponentData, fs))
	require.NoError(t, err)
	require.Equal(t, ComponentData, c)
	require.Equal(t, d.Keyspace, parsed.Keyspace)
	require.Equal(t, d.Table, parsed.Table)
	require.Equal(t, d.Generation, parsed.Generation)
	require.Equal(t, d.Version, parsed.Version)
	require.Equal(t, KindFinal, parsed.Kind)
}

func TestFinishReaderSharesKeyCache(t *testing.T) {
	fs := vfs.NewMem()
	o := testWriterOptions(fs)
	o.KeyCache = NewKeyCache(256)
	r := buildTable(t, fs, o, []string{"alpha", "bravo"})
	defer r.Close()

	// The reader Finish returns populates the writer's cache, the same as a
	// reader opened with ReaderOptions.KeyCache.
	_, err := r.Lookup([]byte("alpha"), base.EQ)
	require.NoError(t, err)
	require.Equal(t, 1, o.KeyCache.Len())

	hits := o.KeyCache.Hits()
	_, err = r.Lookup([]byte("alpha"), base.EQ)
	require.NoError(t, err)
	require.Equal(t, hits+1, o.KeyCache.Hits())
}

func TestWriterDisabledFilter(t *testing.T) {
	fs := vfs.NewMem()
	o := testWriterOptions(fs)
	o.FilterFPChance = 1 // disable
	r := buildTable(t, fs, o, []string{"alpha", "bravo"})
	defer r.Close()

	toc, err := ReadTOC(fs, r.Descriptor())
	require.NoError(t, err)
	require.False(t, toc.Contains(ComponentFilter))

	// Without a filter every exact lookup proceeds to the index.
	entry, err := r.Lookup([]byte("alpha"), base.EQ)
	require.NoError(t, err)
	require.NotNil(t, entry)
	entry, err = r.Lookup([]byte("nope"), base.EQ)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestWriterPromotedIndex(t *testing.T) {
	fs := vfs.NewMem()
	o := testWriterOptions(fs)
	o.ColumnIndexBlockSize = 128

	w, err := NewWriter(testDescriptor(), o)
	require.NoError(t, err)

	wide := &Partition{Key: []byte("wide"), Deletion: LiveDeletionTime}
	for i := 0; i < 100; i++ {
		wide.Rows = append(wide.Rows, Row{
			Clustering: [][]byte{[]byte(fmt.Sprintf("ck-%04d", i))},
			Deletion:   LiveDeletionTime,
			Cells: []Cell{{
				Column:            []byte("col"),
				Timestamp:         1,
				LocalDeletionTime: LiveDeletionTime.LocalDeletionTime,
				Value:             []byte("0123456789abcdef"),
			}},
		})
	}
	entry, err := w.Append(wide)
	require.NoError(t, err)
	require.True(t, entry.IsIndexed())
	require.Greater(t, len(entry.Blocks), 1)

	// Blocks tile the row span contiguously.
	for i := 1; i < len(entry.Blocks); i++ {
		prev, cur := entry.Blocks[i-1], entry.Blocks[i]
		require.Equal(t, prev.Offset+prev.Width, cur.Offset)
	}

	r, err := w.Finish()
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Lookup([]byte("wide"), base.EQ)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, len(entry.Blocks), len(got.Blocks))
	p, err := r.ReadPartition(got)
	require.NoError(t, err)
	require.Equal(t, wide, p)
}

func TestWriterStats(t *testing.T) {
	fs := vfs.NewMem()
	o := testWriterOptions(fs)
	o.RepairedAt = 12345

	w, err := NewWriter(testDescriptor(), o)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := w.Append(testPartition(fmt.Sprintf("key-%04d", i), "a", "b", "c"))
		require.NoError(t, err)
	}
	_, err = w.Append(&Partition{
		Key:      []byte("key-9999"),
		Deletion: DeletionTime{MarkedForDeleteAt: 77, LocalDeletionTime: 200},
	})
	require.NoError(t, err)

	r, err := w.Finish()
	require.NoError(t, err)
	defer r.Close()

	stats := r.Stats()
	require.NotNil(t, stats)
	require.EqualValues(t, 11, stats.PartitionCount)
	require.EqualValues(t, 10, stats.RowCount)
	require.EqualValues(t, 30, stats.CellCount)
	require.EqualValues(t, 1, stats.TombstoneCount)
	require.EqualValues(t, 12345, stats.RepairedAt)
	require.EqualValues(t, 3, stats.CellsPerPartition.ValueAtQuantile(50))
	require.EqualValues(t, 11, stats.PartitionSizes.TotalCount())
}
