// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/bloom"
	"github.com/mosaicdb/mosaic/internal/base"
)

type writerState int8

const (
	writerOpen writerState = iota
	writerCommitted
	writerAborted
)

// Writer produces one table generation: partitions are appended in strictly
// increasing key order to temp-named component files, and Finish commits them
// atomically by renaming into the final names after everything is durable.
// Before Finish, OpenEarly can expose the durable prefix to readers.
//
// Not safe for concurrent use.
type Writer struct {
	opts WriterOptions
	desc Descriptor // temp kind

	data  fileWriter
	cw    *compressedWriter // == data when compression is enabled
	index *indexWriter

	stats   *statsCollector
	summary *summaryBuilder
	filter  *bloom.Filter

	first base.DecoratedKey
	last  base.DecoratedKey
	count int64

	// earlyLinked is set once tmplink hard links exist, so early readers
	// survive the temp-to-final rename and abort can clean the links up.
	earlyLinked bool

	state     writerState
	cleanedUp bool
}

// Mark is a save point in a writer, capturing the logical positions of every
// component so a failed multi-partition operation can be rolled back.
type Mark struct {
	dataPos  int64
	indexPos int64
	count    int64
	last     base.DecoratedKey
}

// indexWriter appends (key, entry) records to the index file, feeding the
// bloom filter and the summary builder as a side effect.
type indexWriter struct {
	w       fileWriter
	filter  *bloom.Filter
	summary *summaryBuilder
}

func (iw *indexWriter) append(key base.DecoratedKey, entry *RowIndexEntry, dataEnd int64) error {
	indexStart := iw.w.Pos()
	bw := &binaryWriter{w: iw.w}
	bw.u64(uint64(key.Token))
	bw.shortBytes(key.Key)
	writeRowIndexEntry(bw, entry)
	if bw.err != nil {
		return base.WriteError(bw.err, iw.w.Path())
	}
	if iw.filter != nil {
		iw.filter.Add(key.Key)
	}
	iw.summary.maybeAddEntry(key, indexStart, iw.w.Pos(), dataEnd)
	return nil
}

// NewWriter creates the temp component files for d's generation and returns a
// writer for them. d's Version and Kind are assigned from the options.
func NewWriter(d Descriptor, o WriterOptions) (*Writer, error) {
	o = o.ensureDefaults()
	d.Version = o.Version
	d = d.WithKind(KindTemp)

	w := &Writer{
		opts:    o,
		desc:    d,
		stats:   newStatsCollector(),
		summary: newSummaryBuilder(o.MinIndexInterval, o.SamplingLevel),
	}
	w.stats.stats.RepairedAt = o.RepairedAt
	w.stats.stats.SamplingLevel = o.SamplingLevel

	dataPath := d.FileFor(ComponentData, o.FS)
	if o.DisableCompression {
		sw, err := newSequentialWriter(o.FS, dataPath)
		if err != nil {
			return nil, err
		}
		w.data = sw
	} else {
		cw, err := newCompressedWriter(
			o.FS, dataPath, d.FileFor(ComponentCompressionInfo, o.FS), o.Compression, o.ChunkLength)
		if err != nil {
			return nil, err
		}
		w.data = cw
		w.cw = cw
	}
	w.data.SetOnFlush(w.summary.markDataSynced)

	iw, err := newSequentialWriter(o.FS, d.FileFor(ComponentIndex, o.FS))
	if err != nil {
		return nil, w.data.Abort(err)
	}
	iw.SetOnFlush(w.summary.markIndexSynced)

	if o.FilterFPChance < 1 {
		w.filter = bloom.NewFilter(
			o.EstimatedPartitionCount, bloom.BitsPerKeyForFalsePositiveRate(o.FilterFPChance))
	}
	w.index = &indexWriter{w: iw, filter: w.filter, summary: w.summary}
	o.Logger.Infof("created writer for %s", d)
	return w, nil
}

// Descriptor returns the final descriptor of the generation being written.
func (w *Writer) Descriptor() Descriptor { return w.desc.WithKind(KindFinal) }

// Count returns the number of partitions appended so far.
func (w *Writer) Count() int64 { return w.count }

// Append serializes one partition and indexes it, returning its index entry.
// Keys must strictly increase across calls under the partitioner's order.
// An empty partition is skipped and yields a nil entry.
func (w *Writer) Append(p *Partition) (*RowIndexEntry, error) {
	if w.state != writerOpen {
		return nil, errors.AssertionFailedf("append to a %v writer", w.state)
	}
	if p.IsEmpty() {
		return nil, nil
	}
	if len(p.Key) > base.MaxKeyLength {
		return nil, errors.Newf("key of %d bytes exceeds the maximum of %d bytes in %s",
			len(p.Key), base.MaxKeyLength, w.desc)
	}
	key := w.opts.Partitioner.DecorateKey(p.Key)
	if w.count > 0 && key.Compare(w.last) <= 0 {
		return nil, errors.Newf("out of order key %s after %s in %s", key, w.last, w.desc)
	}

	position := w.data.Pos()
	entry, err := newColumnIndexBuilder(w.data, w.opts.ColumnIndexBlockSize).writePartition(p, position)
	if err != nil {
		return nil, base.WriteError(err, w.data.Path())
	}
	w.stats.update(p, w.data.Pos()-position)
	if err := w.index.append(key, entry, w.data.Pos()); err != nil {
		return nil, err
	}
	if w.count == 0 {
		w.first = key.Clone()
	}
	w.last = key.Clone()
	w.count++
	return entry, nil
}

// Mark returns a save point for ResetAndTruncate.
func (w *Writer) Mark() Mark {
	return Mark{
		dataPos:  w.data.Mark(),
		indexPos: w.index.w.Mark(),
		count:    w.count,
		last:     w.last,
	}
}

// ResetAndTruncate rolls the writer back to a save point, discarding every
// partition appended after it. Bits already set in the bloom filter are not
// rolled back; stray bits only raise the false positive rate. Statistics are
// likewise not unwound, so a rolled-back span leaves the stats component
// slightly pessimistic.
func (w *Writer) ResetAndTruncate(m Mark) error {
	if w.state != writerOpen {
		return errors.AssertionFailedf("reset of a %v writer", w.state)
	}
	if err := w.data.ResetAndTruncate(m.dataPos); err != nil {
		return err
	}
	if err := w.index.w.ResetAndTruncate(m.indexPos); err != nil {
		return err
	}
	w.summary.truncateTo(m.count, m.indexPos)
	w.count = m.count
	w.last = m.last
	return nil
}

// Flush makes everything appended so far durable and advances the readable
// boundary to the last whole partition covered by both files.
func (w *Writer) Flush() error {
	if err := w.index.w.Flush(); err != nil {
		return err
	}
	return w.data.Flush()
}

func (w *Writer) filterOrAlwaysPresent() *bloom.Filter {
	if w.filter == nil {
		return bloom.AlwaysPresent()
	}
	return w.filter.SharedCopy()
}

// OpenEarly exposes the durable prefix of the in-progress table as a reader.
// The prefix is whatever prior Flush calls made durable; OpenEarly itself
// syncs nothing, so partitions appended since the last Flush are invisible to
// the reader. Returns (nil, nil) when no whole partition is durable yet. The
// reader is backed by tmplink hard links, so it stays valid across the commit
// rename; its last key is clamped to the readable boundary.
func (w *Writer) OpenEarly() (*Reader, error) {
	if w.state != writerOpen {
		return nil, errors.AssertionFailedf("early open of a %v writer", w.state)
	}
	boundary := w.summary.lastReadableBoundary()
	if boundary == nil {
		return nil, nil
	}

	link := w.desc.WithKind(KindTempLink)
	if !w.earlyLinked {
		for _, c := range []Component{ComponentData, ComponentIndex} {
			if err := w.opts.FS.Link(w.desc.FileFor(c, w.opts.FS), link.FileFor(c, w.opts.FS)); err != nil {
				return nil, base.WriteError(err, link.FileFor(c, w.opts.FS))
			}
		}
		w.earlyLinked = true
	}

	var ci *CompressionInfo
	if w.cw != nil {
		ci = w.cw.snapshotInfo(boundary.DataLength)
	}
	return openEarlyReader(link, w.opts, earlyState{
		summary:     w.summary.build(boundary),
		filter:      w.filterOrAlwaysPresent(),
		first:       w.first,
		last:        boundary.LastKey,
		dataLength:  boundary.DataLength,
		indexLength: boundary.IndexLength,
		ci:          ci,
	})
}

// OpenFinalEarly flushes everything and opens a reader over the complete
// contents, still backed by the tmplink names. Used to start serving the
// table while Finish's commit work proceeds.
func (w *Writer) OpenFinalEarly() (*Reader, error) {
	if err := w.Flush(); err != nil {
		return nil, err
	}
	// Both files are fully durable, so the boundary reaches the last key.
	return w.OpenEarly()
}

// Finish commits the table: metadata components are written, everything is
// made durable, the TOC is published and the temp files are renamed to their
// final names (data last). On success the committed table is opened and
// returned; the writer is spent either way. An empty writer commits nothing,
// removes its files and returns (nil, nil).
func (w *Writer) Finish() (*Reader, error) {
	if w.state != writerOpen {
		return nil, errors.AssertionFailedf("finish of a %v writer", w.state)
	}
	if w.count == 0 {
		return nil, w.Abort()
	}
	if err := w.prepareToCommit(); err != nil {
		return nil, w.abort(err)
	}

	// Point of no return: the final data file exists, so the generation is
	// committed even if closing the handles fails.
	w.state = writerCommitted
	err := w.data.Commit(nil)
	err = w.index.w.Commit(err)
	w.cleanup()
	if err != nil {
		return nil, err
	}

	final := w.desc.WithKind(KindFinal)
	w.opts.Logger.Infof("committed %s with %d partitions", final, w.count)
	return Open(final, ReaderOptions{
		FS:          w.opts.FS,
		Logger:      w.opts.Logger,
		Partitioner: w.opts.Partitioner,
		KeyCache:    w.opts.KeyCache,
	})
}

func (w *Writer) prepareToCommit() error {
	fs := w.opts.FS
	if err := w.index.w.PrepareToCommit(); err != nil {
		return err
	}
	// For the compressed sink this also publishes the CompressionInfo file.
	if err := w.data.PrepareToCommit(); err != nil {
		return err
	}

	components := Components(ComponentData, ComponentIndex, ComponentStats, ComponentSummary, ComponentTOC)
	if w.cw != nil {
		components.Add(ComponentCompressionInfo)
	}
	if w.filter != nil {
		components.Add(ComponentFilter)
		if err := w.writeFilterFile(); err != nil {
			return err
		}
	}
	if err := writeSummary(
		fs, w.desc.FileFor(ComponentSummary, fs), w.summary.build(nil), w.first, w.last); err != nil {
		return err
	}
	validation := &ValidationMetadata{
		PartitionerName: w.opts.Partitioner.Name(),
		FilterFPChance:  w.opts.FilterFPChance,
	}
	if err := writeStatsFile(
		fs, w.desc.FileFor(ComponentStats, fs), w.desc.Version, validation, &w.stats.stats); err != nil {
		return err
	}
	if err := writeTOC(fs, w.desc, components); err != nil {
		return err
	}
	return rename(fs, w.desc, components)
}

func (w *Writer) writeFilterFile() error {
	path := w.desc.FileFor(ComponentFilter, w.opts.FS)
	f, err := w.opts.FS.Create(path)
	if err != nil {
		return base.WriteError(err, path)
	}
	if _, err := w.filter.WriteTo(f); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	return f.Close()
}

// Abort discards the in-progress table, deleting every file it created.
// Idempotent; safe to defer alongside Finish.
func (w *Writer) Abort() error {
	if w.state != writerOpen {
		return nil
	}
	return w.abort(nil)
}

func (w *Writer) abort(accumulate error) error {
	w.state = writerAborted
	accumulate = w.data.Abort(accumulate)
	accumulate = w.index.w.Abort(accumulate)
	fs := w.opts.FS
	// A failure after the rename leaves final-named files; discover what is
	// actually present under each kind and delete it all.
	for _, d := range []Descriptor{w.desc, w.desc.WithKind(KindFinal)} {
		if set := discoverComponents(fs, d); !set.IsEmpty() {
			accumulate = deleteComponents(fs, d, set, accumulate)
		}
	}
	w.cleanup()
	w.opts.Logger.Infof("aborted writer for %s", w.desc)
	return accumulate
}

// cleanup runs exactly once per writer, after commit or abort: the writer's
// filter handle is released and the tmplink names are removed. Early readers
// hold their own filter copies and open file handles, so they are unaffected.
func (w *Writer) cleanup() {
	if w.cleanedUp {
		return
	}
	w.cleanedUp = true
	if w.filter != nil {
		_ = w.filter.Close()
	}
	if w.earlyLinked {
		link := w.desc.WithKind(KindTempLink)
		for _, c := range []Component{ComponentData, ComponentIndex} {
			if err := w.opts.FS.Remove(link.FileFor(c, w.opts.FS)); err != nil {
				w.opts.Logger.Errorf("removing %s: %v", link.FileFor(c, w.opts.FS), err)
			}
		}
	}
}

func (s writerState) String() string {
	switch s {
	case writerOpen:
		return "open"
	case writerCommitted:
		return "committed"
	default:
		return "aborted"
	}
}
