// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"math"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

// Metadata component identifiers within the Stats file. Newer versions write
// an offset table mapping each identifier to its serialized position so a
// reader can deserialize a single component without scanning the others.
const (
	metadataValidation uint32 = 0
	metadataStats      uint32 = 1
)

// ValidationMetadata is checked at open time: a table written under a
// different partitioner has incomparable tokens, and the filter false
// positive chance documents how the Filter component was sized.
type ValidationMetadata struct {
	PartitionerName string
	FilterFPChance  float64
}

// StatsMetadata summarizes the table's contents for compaction heuristics
// and operator tooling.
type StatsMetadata struct {
	PartitionSizes    *hdrhistogram.Histogram
	CellsPerPartition *hdrhistogram.Histogram

	MinTimestamp         int64
	MaxTimestamp         int64
	MinLocalDeletionTime int32
	MaxLocalDeletionTime int32
	MinClustering        []byte
	MaxClustering        []byte

	PartitionCount int64
	RowCount       int64
	CellCount      int64
	TombstoneCount int64

	// RepairedAt and SamplingLevel are only serialized by versions that
	// support them; see Version.
	RepairedAt    int64
	SamplingLevel int
}

func newStatsHistogram() *hdrhistogram.Histogram {
	// Up to 64GiB partitions / 4G cells at two significant figures.
	return hdrhistogram.New(1, 1<<36, 2)
}

// statsCollector accumulates StatsMetadata as partitions are appended.
type statsCollector struct {
	stats StatsMetadata
}

func newStatsCollector() *statsCollector {
	return &statsCollector{stats: StatsMetadata{
		PartitionSizes:       newStatsHistogram(),
		CellsPerPartition:    newStatsHistogram(),
		MinTimestamp:         math.MaxInt64,
		MaxTimestamp:         math.MinInt64,
		MinLocalDeletionTime: math.MaxInt32,
		MaxLocalDeletionTime: math.MinInt32,
	}}
}

func (c *statsCollector) updateTimestamp(ts int64) {
	if ts < c.stats.MinTimestamp {
		c.stats.MinTimestamp = ts
	}
	if ts > c.stats.MaxTimestamp {
		c.stats.MaxTimestamp = ts
	}
}

func (c *statsCollector) updateLocalDeletionTime(ldt int32) {
	if ldt < c.stats.MinLocalDeletionTime {
		c.stats.MinLocalDeletionTime = ldt
	}
	if ldt > c.stats.MaxLocalDeletionTime {
		c.stats.MaxLocalDeletionTime = ldt
	}
}

func (c *statsCollector) updateClustering(clustering []byte) {
	if c.stats.MinClustering == nil || string(clustering) < string(c.stats.MinClustering) {
		c.stats.MinClustering = append([]byte(nil), clustering...)
	}
	if c.stats.MaxClustering == nil || string(clustering) > string(c.stats.MaxClustering) {
		c.stats.MaxClustering = append([]byte(nil), clustering...)
	}
}

// update records one appended partition and its serialized width in the data
// file.
func (c *statsCollector) update(p *Partition, serializedSize int64) {
	s := &c.stats
	s.PartitionCount++
	_ = s.PartitionSizes.RecordValue(serializedSize)
	if !p.Deletion.IsLive() {
		s.TombstoneCount++
		c.updateTimestamp(p.Deletion.MarkedForDeleteAt)
		c.updateLocalDeletionTime(p.Deletion.LocalDeletionTime)
	}
	var cells int64
	for i := range p.Rows {
		row := &p.Rows[i]
		s.RowCount++
		for _, clustering := range row.Clustering {
			c.updateClustering(clustering)
		}
		if !row.Deletion.IsLive() {
			s.TombstoneCount++
			c.updateTimestamp(row.Deletion.MarkedForDeleteAt)
			c.updateLocalDeletionTime(row.Deletion.LocalDeletionTime)
		}
		for j := range row.Cells {
			cell := &row.Cells[j]
			cells++
			s.CellCount++
			c.updateTimestamp(cell.Timestamp)
			if cell.IsTombstone() {
				s.TombstoneCount++
				c.updateLocalDeletionTime(cell.LocalDeletionTime)
			}
		}
	}
	_ = s.CellsPerPartition.RecordValue(cells)
}

func writeHistogram(bw *binaryWriter, h *hdrhistogram.Histogram) {
	snap := h.Export()
	bw.u64(uint64(snap.LowestTrackableValue))
	bw.u64(uint64(snap.HighestTrackableValue))
	bw.u64(uint64(snap.SignificantFigures))
	bw.u32(uint32(len(snap.Counts)))
	for _, count := range snap.Counts {
		bw.u64(uint64(count))
	}
}

func readHistogram(br *binaryReader) *hdrhistogram.Histogram {
	snap := &hdrhistogram.Snapshot{
		LowestTrackableValue:  int64(br.u64()),
		HighestTrackableValue: int64(br.u64()),
		SignificantFigures:    int64(br.u64()),
	}
	n := br.u32()
	if br.err != nil {
		return newStatsHistogram()
	}
	snap.Counts = make([]int64, n)
	for i := range snap.Counts {
		snap.Counts[i] = int64(br.u64())
	}
	if br.err != nil {
		return newStatsHistogram()
	}
	return hdrhistogram.Import(snap)
}

// writeStatsFile serializes both metadata components. Versions with
// component offsets prefix a table of [id, offset] pairs; older versions
// write the components back to back in identifier order.
func writeStatsFile(
	fs vfs.FS, path string, version Version, validation *ValidationMetadata, stats *StatsMetadata,
) error {
	f, err := fs.Create(path)
	if err != nil {
		return base.WriteError(err, path)
	}

	var validationBuf, statsBuf bytesBuffer
	vw := &binaryWriter{w: &validationBuf}
	vw.shortBytes([]byte(validation.PartitionerName))
	vw.u64(math.Float64bits(validation.FilterFPChance))

	sw := &binaryWriter{w: &statsBuf}
	writeHistogram(sw, stats.PartitionSizes)
	writeHistogram(sw, stats.CellsPerPartition)
	sw.u64(uint64(stats.MinTimestamp))
	sw.u64(uint64(stats.MaxTimestamp))
	sw.u32(uint32(stats.MinLocalDeletionTime))
	sw.u32(uint32(stats.MaxLocalDeletionTime))
	sw.shortBytes(stats.MinClustering)
	sw.shortBytes(stats.MaxClustering)
	sw.u64(uint64(stats.PartitionCount))
	sw.u64(uint64(stats.RowCount))
	sw.u64(uint64(stats.CellCount))
	sw.u64(uint64(stats.TombstoneCount))
	if version.hasRepairedAt {
		sw.u64(uint64(stats.RepairedAt))
	}
	if version.hasSamplingLevel {
		sw.u32(uint32(stats.SamplingLevel))
	}

	bw := &binaryWriter{w: f}
	if version.hasComponentOffsets {
		// 4 (count) + 2 * 8 (id, offset pairs).
		headerLen := 4 + 2*8
		bw.u32(2)
		bw.u32(metadataValidation)
		bw.u32(uint32(headerLen))
		bw.u32(metadataStats)
		bw.u32(uint32(headerLen + len(validationBuf)))
	}
	bw.write(validationBuf)
	bw.write(statsBuf)
	if err := errors.CombineErrors(vw.err, errors.CombineErrors(sw.err, bw.err)); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	return f.Close()
}

func readStatsFile(
	fs vfs.FS, path string, version Version,
) (*ValidationMetadata, *StatsMetadata, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	br := &binaryReader{r: f}

	if version.hasComponentOffsets {
		n := br.u32()
		if br.err == nil && n != 2 {
			return nil, nil, base.CorruptionErrorf("%s: expected 2 metadata components, found %d", path, n)
		}
		for i := uint32(0); i < n; i++ {
			id := br.u32()
			br.u32() // offset; components are read sequentially in id order
			if br.err == nil && id != metadataValidation && id != metadataStats {
				return nil, nil, base.CorruptionErrorf("%s: unknown metadata component %d", path, id)
			}
		}
	}

	validation := &ValidationMetadata{}
	validation.PartitionerName = string(br.shortBytes())
	validation.FilterFPChance = math.Float64frombits(br.u64())

	stats := &StatsMetadata{}
	stats.PartitionSizes = readHistogram(br)
	stats.CellsPerPartition = readHistogram(br)
	stats.MinTimestamp = int64(br.u64())
	stats.MaxTimestamp = int64(br.u64())
	stats.MinLocalDeletionTime = int32(br.u32())
	stats.MaxLocalDeletionTime = int32(br.u32())
	stats.MinClustering = br.shortBytes()
	stats.MaxClustering = br.shortBytes()
	stats.PartitionCount = int64(br.u64())
	stats.RowCount = int64(br.u64())
	stats.CellCount = int64(br.u64())
	stats.TombstoneCount = int64(br.u64())
	if version.hasRepairedAt {
		stats.RepairedAt = int64(br.u64())
	}
	if version.hasSamplingLevel {
		stats.SamplingLevel = int(br.u32())
	}
	if br.err != nil {
		return nil, nil, base.MarkCorruptionError(errors.Wrapf(br.err, "reading %s", path))
	}
	return validation, stats, nil
}

// bytesBuffer is a minimal append-only buffer satisfying io.Writer.
type bytesBuffer []byte

func (b *bytesBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
