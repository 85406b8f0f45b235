// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/bloom"
	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/internal/keycache"
)

// Reader serves point lookups against one table generation. A lookup
// consults, in order: the bloom filter (for exact matches), the key cache,
// the table's key range, the in-memory index summary, and finally a bounded
// scan of the on-disk index.
//
// Safe for concurrent use. The index summary may be swapped at runtime by
// RebuildSummary without blocking lookups.
type Reader struct {
	desc Descriptor
	opts ReaderOptions

	data  *SegmentedFile
	index *SegmentedFile

	filter  *bloom.Filter
	tracker bloom.Tracker
	summary atomic.Pointer[IndexSummary]

	first base.DecoratedKey
	last  base.DecoratedKey

	validation *ValidationMetadata
	stats      *StatsMetadata

	// early readers serve the durable prefix of an in-progress table; their
	// summary is never persisted and their last key is the readable boundary.
	early   bool
	suspect atomic.Bool
	closed  atomic.Bool
}

// earlyState carries the writer's in-memory state into an early-opened
// reader: the bounded summary, a shared filter handle, and the readable
// lengths of the component files.
type earlyState struct {
	summary     *IndexSummary
	filter      *bloom.Filter
	first, last base.DecoratedKey
	dataLength  int64
	indexLength int64
	ci          *CompressionInfo
}

// Open opens a committed table generation for reading. The descriptor's
// version must be readable by this code and the partitioner in o must match
// the one the table was written with.
func Open(d Descriptor, o ReaderOptions) (*Reader, error) {
	o = o.ensureDefaults()
	if !d.Version.IsCompatible() {
		return nil, errors.Newf("unsupported sstable format version %q in %s", d.Version, d)
	}
	toc, err := ReadTOC(o.FS, d)
	if err != nil {
		return nil, err
	}
	for _, c := range []Component{ComponentData, ComponentIndex} {
		if !toc.Contains(c) {
			return nil, base.CorruptionErrorf("%s: TOC is missing the %s component", d, c)
		}
	}

	r := &Reader{desc: d, opts: o}

	if toc.Contains(ComponentStats) {
		validation, stats, err := readStatsFile(o.FS, d.FileFor(ComponentStats, o.FS), d.Version)
		if err != nil {
			return nil, err
		}
		if validation.PartitionerName != o.Partitioner.Name() {
			return nil, errors.Newf("%s was written with partitioner %q, opened with %q",
				d, validation.PartitionerName, o.Partitioner.Name())
		}
		r.validation, r.stats = validation, stats
	}

	var ci *CompressionInfo
	if toc.Contains(ComponentCompressionInfo) {
		ci, err = readCompressionInfo(o.FS, d.FileFor(ComponentCompressionInfo, o.FS))
		if err != nil {
			return nil, err
		}
		if _, err := CodecByName(ci.CodecName); err != nil {
			return nil, base.MarkCorruptionError(errors.Wrapf(err, "%s", d))
		}
	}

	dataPath := d.FileFor(ComponentData, o.FS)
	dataLength := int64(0)
	if ci != nil {
		dataLength = ci.LogicalTotal
	} else {
		fi, err := o.FS.Stat(dataPath)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", d)
		}
		dataLength = fi.Size()
	}
	indexPath := d.FileFor(ComponentIndex, o.FS)
	fi, err := o.FS.Stat(indexPath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", d)
	}

	r.data, err = openSegmentedFile(o.FS, dataPath, dataLength, ci)
	if err != nil {
		return nil, err
	}
	r.index, err = openSegmentedFile(o.FS, indexPath, fi.Size(), nil)
	if err != nil {
		_ = r.data.Unref()
		return nil, err
	}

	r.filter = bloom.AlwaysPresent()
	if toc.Contains(ComponentFilter) {
		if err := r.loadFilter(); err != nil {
			_ = r.closeFiles(nil)
			return nil, err
		}
	}

	if err := r.loadOrRebuildSummary(toc.Contains(ComponentSummary)); err != nil {
		_ = r.filter.Close()
		_ = r.closeFiles(nil)
		return nil, err
	}
	return r, nil
}

func (r *Reader) loadFilter() error {
	path := r.desc.FileFor(ComponentFilter, r.opts.FS)
	f, err := r.opts.FS.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	filter, err := bloom.Read(f)
	if err != nil {
		return base.MarkCorruptionError(errors.Wrapf(err, "reading %s", path))
	}
	r.filter = filter
	return nil
}

// loadOrRebuildSummary loads the summary sidecar, falling back to a rebuild
// from the index when the sidecar is missing or unreadable. The sidecar is
// not part of the committed format, so a damaged one is recoverable.
func (r *Reader) loadOrRebuildSummary(present bool) error {
	if present {
		s, first, last, err := readSummary(r.opts.FS, r.desc.FileFor(ComponentSummary, r.opts.FS))
		if err == nil {
			if !r.desc.Version.hasSamplingLevel && s.SamplingLevel() != baseSamplingLevel {
				err = base.CorruptionErrorf("%s: version %s cannot carry a downsampled summary",
					r.desc, r.desc.Version)
			}
		}
		if err == nil {
			r.summary.Store(s)
			r.first, r.last = first, last
			return nil
		}
		r.opts.Logger.Errorf("summary of %s is unusable, rebuilding from the index: %v", r.desc, err)
	}
	s, first, last, err := r.buildSummaryFromIndex(defaultMinIndexInterval, baseSamplingLevel)
	if err != nil {
		return err
	}
	r.summary.Store(s)
	r.first, r.last = first, last
	return nil
}

// buildSummaryFromIndex scans the whole index file, resampling it at the
// given resolution.
func (r *Reader) buildSummaryFromIndex(
	minIndexInterval, samplingLevel int,
) (*IndexSummary, base.DecoratedKey, base.DecoratedKey, error) {
	var first, last base.DecoratedKey
	in, err := r.index.NewInput(0)
	if err != nil {
		return nil, first, last, err
	}
	defer func() { _ = in.close() }()

	b := newSummaryBuilder(minIndexInterval, samplingLevel)
	for !in.eof() {
		indexStart := in.offset()
		token, err := in.readU64()
		if err != nil {
			return nil, first, last, r.fail(err)
		}
		rawKey, err := in.readShortBytes()
		if err != nil {
			return nil, first, last, r.fail(err)
		}
		if err := skipRowIndexEntry(in); err != nil {
			return nil, first, last, r.fail(err)
		}
		key := base.DecoratedKey{Token: base.Token(token), Key: rawKey}
		b.maybeAddEntry(key, indexStart, in.offset(), 0)
		if first.Key == nil {
			first = key
		}
		last = key
	}
	return b.build(nil), first, last, nil
}

// openEarlyReader wires a reader directly to the writer's in-memory state,
// bounded at the readable boundary.
func openEarlyReader(d Descriptor, wo WriterOptions, st earlyState) (*Reader, error) {
	r := &Reader{
		desc: d,
		opts: ReaderOptions{
			FS: wo.FS, Logger: wo.Logger, Partitioner: wo.Partitioner, KeyCache: wo.KeyCache,
		}.ensureDefaults(),
		filter: st.filter,
		first:  st.first,
		last:   st.last,
		early:  true,
	}
	r.summary.Store(st.summary)
	var err error
	r.data, err = openSegmentedFile(wo.FS, d.FileFor(ComponentData, wo.FS), st.dataLength, st.ci)
	if err != nil {
		_ = st.filter.Close()
		return nil, err
	}
	r.index, err = openSegmentedFile(wo.FS, d.FileFor(ComponentIndex, wo.FS), st.indexLength, nil)
	if err != nil {
		_ = st.filter.Close()
		_ = r.data.Unref()
		return nil, err
	}
	return r, nil
}

// Descriptor returns the generation this reader serves.
func (r *Reader) Descriptor() Descriptor { return r.desc }

// First returns the smallest key in the readable range.
func (r *Reader) First() base.DecoratedKey { return r.first }

// Last returns the largest key in the readable range. For an early-opened
// reader this is the readable boundary, not the writer's last appended key.
func (r *Reader) Last() base.DecoratedKey { return r.last }

// Stats returns the table's statistics metadata, or nil when the component
// is absent (early-opened readers).
func (r *Reader) Stats() *StatsMetadata { return r.stats }

// Summary returns the current index summary.
func (r *Reader) Summary() *IndexSummary { return r.summary.Load() }

// FilterTracker exposes the true/false positive counts of the bloom filter.
func (r *Reader) FilterTracker() *bloom.Tracker { return &r.tracker }

// IsEarly reports whether this reader serves an in-progress table.
func (r *Reader) IsEarly() bool { return r.early }

// IsSuspect reports whether a corruption error has been observed on this
// reader. A suspect reader still serves lookups; callers decide whether to
// retire it.
func (r *Reader) IsSuspect() bool { return r.suspect.Load() }

// fail marks the reader suspect when err indicates corruption and returns
// the error.
func (r *Reader) fail(err error) error {
	if base.IsCorruptionError(err) {
		if r.suspect.CompareAndSwap(false, true) {
			r.opts.Logger.Errorf("%s is suspect: %v", r.desc, err)
		}
	}
	return err
}

func (r *Reader) cacheKey(rawKey []byte) keycache.Key {
	return keycache.Key{
		TableID:    r.desc.TableID,
		Generation: r.desc.Generation,
		RawKey:     string(rawKey),
	}
}

// Lookup resolves the index entry for a raw partition key under the reader's
// partitioner, updating the key cache and filter counters.
func (r *Reader) Lookup(rawKey []byte, op base.Operator) (*RowIndexEntry, error) {
	return r.GetPosition(base.Search(r.opts.Partitioner.DecorateKey(rawKey)), op, true)
}

// GetPosition returns the index entry of the partition matching the search
// position under op, or (nil, nil) when no partition matches. EQ lookups of
// real keys are screened by the bloom filter and answered from the key cache
// when possible. With updateCacheAndStats set, every exact match found in the
// index repopulates the cache and the filter's true/false positive counters
// advance; bulk scans (compaction, verification) pass false so they neither
// pollute the cache nor skew filter diagnostics.
func (r *Reader) GetPosition(
	sk base.SearchKey, op base.Operator, updateCacheAndStats bool,
) (*RowIndexEntry, error) {
	if op == base.EQ {
		if !sk.IsReal() {
			return nil, errors.AssertionFailedf("EQ lookup with a synthetic bound %s", sk)
		}
		if !r.filter.MayContain(sk.Key().Key) {
			return nil, nil
		}
	}
	if r.opts.KeyCache != nil && sk.IsReal() && op != base.GT {
		if entry, ok := r.opts.KeyCache.Get(r.cacheKey(sk.Key().Key)); ok {
			if op == base.EQ && updateCacheAndStats {
				r.tracker.AddTruePositive()
			}
			return entry, nil
		}
	}

	// Check the table's key range. A miss here on an EQ lookup means the
	// filter produced a false positive. Range operators may still match: a
	// position before the first key satisfies GE/GT with the first key.
	if sk.CompareKey(r.first) > 0 || sk.CompareKey(r.last) < 0 {
		if op == base.EQ && updateCacheAndStats {
			r.tracker.AddFalsePositive()
		}
		if op.Apply(1) < 0 {
			return nil, nil
		}
	}

	summary := r.summary.Load()
	sampledIndex := summary.binarySearch(sk)
	scanFrom := int64(0)
	if sampledIndex >= 0 {
		_, scanFrom = summary.EntryAt(sampledIndex)
	}
	effectiveInterval := summary.EffectiveIndexIntervalAfterIndex(sampledIndex)

	in, err := r.index.NewInput(scanFrom)
	if err != nil {
		return nil, r.fail(err)
	}
	defer func() { _ = in.close() }()

	for i := int64(0); !in.eof(); i++ {
		// An exact match must lie within one effective interval of the
		// sampled entry; a longer EQ scan cannot succeed. Range operators may
		// legitimately match the first entry of the next interval.
		if op == base.EQ && i > effectiveInterval {
			break
		}
		token, err := in.readU64()
		if err != nil {
			return nil, r.fail(err)
		}
		rawKey, err := in.readShortBytes()
		if err != nil {
			return nil, r.fail(err)
		}
		indexKey := base.DecoratedKey{Token: base.Token(token), Key: rawKey}
		comparison := sk.CompareKey(indexKey)
		verdict := op.Apply(comparison)
		if verdict == 0 {
			br := &binaryReader{r: in}
			entry := readRowIndexEntry(br)
			if br.err != nil {
				return nil, r.fail(base.MarkCorruptionError(
					errors.Wrapf(br.err, "%s at offset %d", in.path(), in.offset())))
			}
			if comparison == 0 && sk.IsReal() && updateCacheAndStats {
				if r.opts.KeyCache != nil {
					r.opts.KeyCache.Set(r.cacheKey(rawKey), entry)
				}
				if op == base.EQ {
					r.tracker.AddTruePositive()
				}
			}
			return entry, nil
		}
		if verdict < 0 {
			break
		}
		if err := skipRowIndexEntry(in); err != nil {
			return nil, r.fail(err)
		}
	}
	if op == base.EQ && updateCacheAndStats {
		r.tracker.AddFalsePositive()
	}
	return nil, nil
}

// ReadPartition materializes the partition addressed by an index entry.
func (r *Reader) ReadPartition(entry *RowIndexEntry) (*Partition, error) {
	in, err := r.data.NewInput(entry.Position)
	if err != nil {
		return nil, r.fail(err)
	}
	defer func() { _ = in.close() }()

	br := &binaryReader{r: in}
	p := &Partition{}
	p.Key = br.shortBytes()
	p.Deletion = readDeletionTime(br)
	for br.err == nil {
		switch marker := br.u16(); marker {
		case endOfPartitionMarker:
			if br.err != nil {
				break
			}
			return p, nil
		case rowMarker:
			p.Rows = append(p.Rows, readRow(br))
		default:
			return nil, r.fail(base.CorruptionErrorf(
				"%s at offset %d: unexpected row marker %#x", in.path(), in.offset(), marker))
		}
	}
	return nil, r.fail(base.MarkCorruptionError(
		errors.Wrapf(br.err, "%s reading partition at %d", in.path(), entry.Position)))
}

// RebuildSummary replaces the reader's summary with one at the requested
// sampling level. Lowering the level downsamples the current summary in
// memory; raising it rescans the index file. The new summary is persisted to
// the sidecar for committed tables so the next Open skips the rebuild.
func (r *Reader) RebuildSummary(samplingLevel int) error {
	if samplingLevel < minSamplingLevel || samplingLevel > baseSamplingLevel {
		return errors.Newf("sampling level %d outside [%d, %d]",
			samplingLevel, minSamplingLevel, baseSamplingLevel)
	}
	if !r.desc.Version.hasSamplingLevel && samplingLevel != baseSamplingLevel {
		return errors.Newf("version %s of %s cannot persist a downsampled summary", r.desc.Version, r.desc)
	}
	cur := r.summary.Load()
	if samplingLevel == cur.SamplingLevel() {
		return nil
	}

	var next *IndexSummary
	if samplingLevel < cur.SamplingLevel() {
		var err error
		next, err = Downsample(cur, samplingLevel)
		if err != nil {
			return err
		}
	} else {
		var err error
		next, _, _, err = r.buildSummaryFromIndex(cur.MinIndexInterval(), samplingLevel)
		if err != nil {
			return err
		}
	}
	r.summary.Store(next)

	if !r.early {
		path := r.desc.FileFor(ComponentSummary, r.opts.FS)
		if err := writeSummary(r.opts.FS, path, next, r.first, r.last); err != nil {
			// The in-memory swap already happened; a stale sidecar only costs
			// a rebuild at the next open.
			r.opts.Logger.Errorf("persisting summary of %s: %v", r.desc, err)
		}
	}
	return nil
}

// EvictCachedKeys drops this generation's entries from the key cache. Called
// when the generation is deleted; a merely closed reader leaves its entries
// for a successor reader of the same generation.
func (r *Reader) EvictCachedKeys() {
	if r.opts.KeyCache != nil {
		r.opts.KeyCache.EvictTable(r.desc.TableID, r.desc.Generation)
	}
}

func (r *Reader) closeFiles(accumulate error) error {
	if err := r.index.Unref(); err != nil {
		accumulate = errors.CombineErrors(accumulate, err)
	}
	if err := r.data.Unref(); err != nil {
		accumulate = errors.CombineErrors(accumulate, err)
	}
	return accumulate
}

// Close releases the reader's file handles and filter reference. Idempotent.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.filter.Close()
	return r.closeFiles(err)
}
