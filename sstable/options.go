// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/internal/keycache"
	"github.com/mosaicdb/mosaic/vfs"
)

const (
	defaultMinIndexInterval     = 128
	defaultColumnIndexBlockSize = 64 << 10
	defaultChunkLength          = 16 << 10
	defaultFilterFPChance       = 0.01
)

// KeyCache maps (table, generation, key) to the key's index entry, letting
// repeated point lookups skip the summary search and index scan entirely.
type KeyCache = keycache.Cache[*RowIndexEntry]

// NewKeyCache returns a key cache bounded to the given number of entries.
func NewKeyCache(capacity int) *KeyCache {
	return keycache.New[*RowIndexEntry](capacity)
}

// WriterOptions holds the parameters for constructing a table writer.
type WriterOptions struct {
	// FS is the file system the table is written to.
	FS vfs.FS

	// Logger is used for writer lifecycle events.
	Logger base.Logger

	// Partitioner decorates raw keys with tokens; it must match the
	// partitioner of every reader of the table.
	Partitioner base.Partitioner

	// Version selects the on-disk format. The zero value means
	// CurrentVersion.
	Version Version

	// MinIndexInterval is the number of partitions between summary samples at
	// full sampling resolution.
	MinIndexInterval int

	// SamplingLevel is the summary resolution to build at, out of 128.
	// Normally full resolution; a rewrite of a cold table may build directly
	// at a lower level.
	SamplingLevel int

	// ColumnIndexBlockSize is the serialized width at which a wide
	// partition's rows are cut into promoted index blocks.
	ColumnIndexBlockSize int64

	// FilterFPChance is the bloom filter's target false positive rate.
	// Values >= 1 disable the filter component entirely.
	FilterFPChance float64

	// EstimatedPartitionCount sizes the bloom filter up front. Appending more
	// partitions than estimated only degrades the false positive rate.
	EstimatedPartitionCount int64

	// DisableCompression writes the data file raw. By default the data file
	// is chunk-compressed with Compression.
	DisableCompression bool

	// Compression is the chunk codec for the data file. Defaults to Snappy.
	Compression Codec

	// ChunkLength is the uncompressed chunk size of the compressed data file.
	ChunkLength int

	// RepairedAt is recorded in the stats component on formats that carry it.
	RepairedAt int64

	// KeyCache, if non-nil, is handed to the readers the writer creates
	// (Finish and the early-open paths), the same way ReaderOptions.KeyCache
	// is handed to Open.
	KeyCache *KeyCache
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Partitioner == nil {
		o.Partitioner = base.DefaultPartitioner
	}
	if o.Version.tag == "" {
		o.Version = CurrentVersion
	}
	if o.MinIndexInterval <= 0 {
		o.MinIndexInterval = defaultMinIndexInterval
	}
	if o.SamplingLevel <= 0 || o.SamplingLevel > baseSamplingLevel {
		o.SamplingLevel = baseSamplingLevel
	}
	if o.ColumnIndexBlockSize <= 0 {
		o.ColumnIndexBlockSize = defaultColumnIndexBlockSize
	}
	if o.FilterFPChance <= 0 {
		o.FilterFPChance = defaultFilterFPChance
	}
	if o.EstimatedPartitionCount <= 0 {
		o.EstimatedPartitionCount = 1 << 14
	}
	if o.Compression == nil {
		o.Compression = Snappy
	}
	if o.ChunkLength <= 0 {
		o.ChunkLength = defaultChunkLength
	}
	return o
}

// ReaderOptions holds the parameters for opening a table.
type ReaderOptions struct {
	// FS is the file system the table is read from.
	FS vfs.FS

	// Logger is used for open-time warnings (e.g. a summary rebuild).
	Logger base.Logger

	// Partitioner must match the partitioner the table was written with;
	// Open verifies it against the table's validation metadata.
	Partitioner base.Partitioner

	// KeyCache, if non-nil, caches index entries across lookups. It may be
	// shared by any number of readers.
	KeyCache *KeyCache
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Partitioner == nil {
		o.Partitioner = base.DefaultPartitioner
	}
	return o
}
