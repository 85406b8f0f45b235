// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"io"
)

// IndexInfo locates one block of rows inside a wide partition: the clustering
// bounds of the block, its offset relative to the start of the partition's
// data entry, and its width in bytes.
type IndexInfo struct {
	FirstClustering []byte
	LastClustering  []byte
	Offset          int64
	Width           int64
}

// RowIndexEntry is the per-partition index record: the byte offset of the
// partition in the data file, plus, for partitions wider than one index
// block, the partition-level deletion marker and the promoted block index
// used to skip intra-partition ranges without reading the whole partition.
// Produced once at write time; immutable.
type RowIndexEntry struct {
	// Position is the offset of the partition's data entry in the data file.
	Position int64
	// Deletion is only serialized alongside a promoted index; narrow
	// partitions re-read it from the data file.
	Deletion DeletionTime
	// Blocks is the promoted intra-partition index; empty for partitions
	// that fit a single index block.
	Blocks []IndexInfo
}

// IsIndexed reports whether the entry carries a promoted block index.
func (e *RowIndexEntry) IsIndexed() bool { return len(e.Blocks) > 0 }

func (e *RowIndexEntry) promotedSize() int {
	if !e.IsIndexed() {
		return 0
	}
	n := 12 + 4 // deletion time + block count
	for i := range e.Blocks {
		b := &e.Blocks[i]
		n += 2 + len(b.FirstClustering) + 2 + len(b.LastClustering) + 8 + 8
	}
	return n
}

// writeRowIndexEntry serializes e: position, promoted-index length, then the
// promoted index itself when present. The explicit length lets readers skip
// entries without understanding their contents.
func writeRowIndexEntry(b *binaryWriter, e *RowIndexEntry) {
	b.u64(uint64(e.Position))
	b.u32(uint32(e.promotedSize()))
	if !e.IsIndexed() {
		return
	}
	writeDeletionTime(b, e.Deletion)
	b.u32(uint32(len(e.Blocks)))
	for i := range e.Blocks {
		blk := &e.Blocks[i]
		b.shortBytes(blk.FirstClustering)
		b.shortBytes(blk.LastClustering)
		b.u64(uint64(blk.Offset))
		b.u64(uint64(blk.Width))
	}
}

// readRowIndexEntry deserializes what writeRowIndexEntry produced.
func readRowIndexEntry(b *binaryReader) *RowIndexEntry {
	e := &RowIndexEntry{Deletion: LiveDeletionTime}
	e.Position = int64(b.u64())
	promoted := b.u32()
	if b.err != nil || promoted == 0 {
		return e
	}
	e.Deletion = readDeletionTime(b)
	n := b.u32()
	if b.err != nil {
		return e
	}
	e.Blocks = make([]IndexInfo, n)
	for i := range e.Blocks {
		blk := &e.Blocks[i]
		blk.FirstClustering = b.shortBytes()
		blk.LastClustering = b.shortBytes()
		blk.Offset = int64(b.u64())
		blk.Width = int64(b.u64())
	}
	return e
}

// skipRowIndexEntry advances past a serialized entry without decoding the
// promoted index.
func skipRowIndexEntry(in *fileDataInput) error {
	if _, err := in.readU64(); err != nil {
		return err
	}
	promoted, err := in.readU32()
	if err != nil {
		return err
	}
	return in.skip(int64(promoted))
}

// columnIndexBuilder serializes a partition's rows to w, cutting an
// IndexInfo block roughly every blockSize bytes of serialized rows. Offsets
// are relative to the start of the partition's data entry.
type columnIndexBuilder struct {
	bw        *binaryWriter
	blockSize int64

	blocks      []IndexInfo
	blockStart  int64 // offset of the open block, relative to entry start
	firstInSpan []byte
	lastInSpan  []byte
}

func newColumnIndexBuilder(w io.Writer, blockSize int64) *columnIndexBuilder {
	return &columnIndexBuilder{bw: &binaryWriter{w: w}, blockSize: blockSize}
}

func clusteringLabel(row *Row) []byte {
	if len(row.Clustering) == 0 {
		return nil
	}
	return row.Clustering[0]
}

// writePartition serializes the full partition entry (key, deletion marker,
// rows, terminator) and returns the RowIndexEntry for it. position is the
// data-file offset at which the entry begins.
func (c *columnIndexBuilder) writePartition(p *Partition, position int64) (*RowIndexEntry, error) {
	c.bw.shortBytes(p.Key)
	writeDeletionTime(c.bw, p.Deletion)
	c.blockStart = c.bw.n

	for i := range p.Rows {
		row := &p.Rows[i]
		if c.firstInSpan == nil {
			c.firstInSpan = clusteringLabel(row)
			if c.firstInSpan == nil {
				c.firstInSpan = []byte{}
			}
		}
		c.lastInSpan = clusteringLabel(row)
		writeRow(c.bw, row)
		if c.bw.n-c.blockStart >= c.blockSize {
			c.closeBlock()
		}
	}
	if c.firstInSpan != nil {
		c.closeBlock()
	}
	c.bw.u16(endOfPartitionMarker)
	if c.bw.err != nil {
		return nil, c.bw.err
	}

	entry := &RowIndexEntry{Position: position, Deletion: p.Deletion}
	// A single block carries no more information than the entry position, so
	// the promoted index is only kept for wide partitions.
	if len(c.blocks) > 1 {
		entry.Blocks = c.blocks
	}
	return entry, nil
}

func (c *columnIndexBuilder) closeBlock() {
	c.blocks = append(c.blocks, IndexInfo{
		FirstClustering: c.firstInSpan,
		LastClustering:  c.lastInSpan,
		Offset:          c.blockStart,
		Width:           c.bw.n - c.blockStart,
	})
	c.blockStart = c.bw.n
	c.firstInSpan = nil
	c.lastInSpan = nil
}
