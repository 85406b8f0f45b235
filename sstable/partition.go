// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"math"
)

// DeletionTime records when a partition or row was deleted as a whole.
type DeletionTime struct {
	// MarkedForDeleteAt is the write timestamp of the deletion;
	// math.MinInt64 means live.
	MarkedForDeleteAt int64
	// LocalDeletionTime is the local server time of the deletion, used for
	// tombstone expiry; math.MaxInt32 means live.
	LocalDeletionTime int32
}

// LiveDeletionTime is the deletion marker of undeleted data.
var LiveDeletionTime = DeletionTime{MarkedForDeleteAt: math.MinInt64, LocalDeletionTime: math.MaxInt32}

// IsLive reports whether no deletion applies.
func (d DeletionTime) IsLive() bool { return d == LiveDeletionTime }

// Cell is one column value within a row.
type Cell struct {
	Column            []byte
	Timestamp         int64
	LocalDeletionTime int32
	Value             []byte
}

// IsTombstone reports whether the cell is a deletion rather than a value.
func (c Cell) IsTombstone() bool { return c.LocalDeletionTime != math.MaxInt32 && len(c.Value) == 0 }

// Row is a clustering-addressed row of cells inside a partition.
type Row struct {
	Clustering [][]byte
	Deletion   DeletionTime
	Cells      []Cell
}

// Partition is the unit of storage handed to the writer: a raw partition key
// with its deletion marker and rows in clustering order.
type Partition struct {
	Key      []byte
	Deletion DeletionTime
	Rows     []Row
}

// IsEmpty reports whether the partition carries no data worth writing: no
// rows and a live partition-level deletion.
func (p *Partition) IsEmpty() bool {
	return len(p.Rows) == 0 && p.Deletion.IsLive()
}

// Row serialization markers. 0x0000 terminates a partition; it cannot be
// mistaken for a legal clustering count prefix of a row because rows are
// introduced by the rowMarker.
const (
	endOfPartitionMarker = uint16(0x0000)
	rowMarker            = uint16(0x0001)
)

func writeDeletionTime(b *binaryWriter, d DeletionTime) {
	b.u64(uint64(d.MarkedForDeleteAt))
	b.u32(uint32(d.LocalDeletionTime))
}

func readDeletionTime(b *binaryReader) DeletionTime {
	return DeletionTime{
		MarkedForDeleteAt: int64(b.u64()),
		LocalDeletionTime: int32(b.u32()),
	}
}

func writeRow(b *binaryWriter, row *Row) {
	b.u16(rowMarker)
	b.u16(uint16(len(row.Clustering)))
	for _, c := range row.Clustering {
		b.shortBytes(c)
	}
	writeDeletionTime(b, row.Deletion)
	b.u32(uint32(len(row.Cells)))
	for i := range row.Cells {
		cell := &row.Cells[i]
		b.shortBytes(cell.Column)
		b.u64(uint64(cell.Timestamp))
		b.u32(uint32(cell.LocalDeletionTime))
		b.u32(uint32(len(cell.Value)))
		b.write(cell.Value)
	}
}

func readRow(b *binaryReader) Row {
	var row Row
	n := b.u16()
	row.Clustering = make([][]byte, n)
	for i := range row.Clustering {
		row.Clustering[i] = b.shortBytes()
	}
	row.Deletion = readDeletionTime(b)
	cells := b.u32()
	row.Cells = make([]Cell, cells)
	for i := range row.Cells {
		cell := &row.Cells[i]
		cell.Column = b.shortBytes()
		cell.Timestamp = int64(b.u64())
		cell.LocalDeletionTime = int32(b.u32())
		vn := b.u32()
		if b.err == nil {
			cell.Value = make([]byte, vn)
			b.read(cell.Value)
		}
	}
	return row
}
