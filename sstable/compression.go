// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

// Codec is a pluggable chunk transform. The data file is stored as
// independently decompressible chunks so that a reader can seek to any
// logical offset by decompressing a single chunk.
type Codec interface {
	Name() string
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// Snappy compresses chunks with the snappy block format.
var Snappy Codec = snappyCodec{}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(dst, src []byte) []byte {
	return snappy.Encode(dst, src)
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

// Zstd compresses chunks with zstd at the default level.
var Zstd Codec = zstdCodec{}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(dst, src []byte) []byte {
	return zstdEncoder.EncodeAll(src, dst[:0])
}

func (zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, dst[:0])
}

// CodecByName resolves a codec recorded in a CompressionInfo component.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return nil, errors.Newf("unknown compression codec %q", name)
	}
}

// chunkEntry locates one compressed chunk: where it lives in the physical
// file, which logical range it covers, and the checksum of its compressed
// bytes.
type chunkEntry struct {
	fileOffset   int64
	logicalStart int64
	compressed   uint32
	logical      uint32
	checksum     uint64
}

// CompressionInfo is the chunk offset/length table for a compressed data
// file. Its chunk length is also used by size-estimation APIs.
type CompressionInfo struct {
	CodecName    string
	ChunkLength  int
	LogicalTotal int64
	chunks       []chunkEntry
}

// NumChunks returns the number of chunks in the table.
func (ci *CompressionInfo) NumChunks() int { return len(ci.chunks) }

// findChunk returns the index of the chunk covering the logical offset.
func (ci *CompressionInfo) findChunk(logical int64) int {
	return sort.Search(len(ci.chunks), func(i int) bool {
		return ci.chunks[i].logicalStart+int64(ci.chunks[i].logical) > logical
	})
}

// truncated returns a copy of the table covering logical offsets below limit,
// for bounding an early-opened reader. Limits land on partition ends, not
// chunk ends, so the chunk containing the limit is kept; readers clamp at
// LogicalTotal.
func (ci *CompressionInfo) truncated(limit int64) *CompressionInfo {
	out := &CompressionInfo{CodecName: ci.CodecName, ChunkLength: ci.ChunkLength, LogicalTotal: limit}
	for _, c := range ci.chunks {
		if c.logicalStart >= limit {
			break
		}
		out.chunks = append(out.chunks, c)
	}
	return out
}

func writeCompressionInfo(fs vfs.FS, path string, ci *CompressionInfo) error {
	f, err := fs.Create(path)
	if err != nil {
		return base.WriteError(err, path)
	}
	bw := &binaryWriter{w: f}
	bw.shortBytes([]byte(ci.CodecName))
	bw.u32(uint32(ci.ChunkLength))
	bw.u64(uint64(ci.LogicalTotal))
	bw.u32(uint32(len(ci.chunks)))
	for _, c := range ci.chunks {
		bw.u64(uint64(c.fileOffset))
		bw.u64(uint64(c.logicalStart))
		bw.u32(c.compressed)
		bw.u32(c.logical)
		bw.u64(c.checksum)
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

func readCompressionInfo(fs vfs.FS, path string) (*CompressionInfo, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	br := &binaryReader{r: f}
	ci := &CompressionInfo{}
	ci.CodecName = string(br.shortBytes())
	ci.ChunkLength = int(br.u32())
	ci.LogicalTotal = int64(br.u64())
	n := br.u32()
	if br.err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(br.err, "reading %s", path))
	}
	ci.chunks = make([]chunkEntry, n)
	for i := range ci.chunks {
		c := &ci.chunks[i]
		c.fileOffset = int64(br.u64())
		c.logicalStart = int64(br.u64())
		c.compressed = br.u32()
		c.logical = br.u32()
		c.checksum = br.u64()
	}
	if br.err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(br.err, "reading %s", path))
	}
	return ci, nil
}

// compressedWriter is the chunk-compressed fileWriter for the data file.
// Logical positions are uncompressed offsets; durability advances at chunk
// granularity, with a final short chunk emitted on Flush.
type compressedWriter struct {
	fs       vfs.FS
	path     string
	infoPath string
	f        vfs.File
	codec    Codec
	chunkLen int

	chunk      []byte // open (uncompressed) chunk
	chunkStart int64  // logical offset where the open chunk begins
	fileOffset int64  // physical append position
	entries    []chunkEntry
	scratch    []byte
	synced     int64
	onFlush    func(int64)
	closed     bool
}

var _ fileWriter = (*compressedWriter)(nil)

func newCompressedWriter(
	fs vfs.FS, path, infoPath string, codec Codec, chunkLen int,
) (*compressedWriter, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, base.WriteError(err, path)
	}
	return &compressedWriter{
		fs:       fs,
		path:     path,
		infoPath: infoPath,
		f:        f,
		codec:    codec,
		chunkLen: chunkLen,
		chunk:    make([]byte, 0, chunkLen),
	}, nil
}

func (w *compressedWriter) Path() string { return w.path }

func (w *compressedWriter) Pos() int64 { return w.chunkStart + int64(len(w.chunk)) }

func (w *compressedWriter) SetOnFlush(fn func(int64)) { w.onFlush = fn }

func (w *compressedWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := w.chunkLen - len(w.chunk)
		if room > len(p) {
			room = len(p)
		}
		w.chunk = append(w.chunk, p[:room]...)
		p = p[room:]
		if len(w.chunk) == w.chunkLen {
			if err := w.emitChunk(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func (w *compressedWriter) emitChunk() error {
	if len(w.chunk) == 0 {
		return nil
	}
	w.scratch = w.codec.Compress(w.scratch[:0], w.chunk)
	if _, err := w.f.Write(w.scratch); err != nil {
		return base.WriteError(err, w.path)
	}
	w.entries = append(w.entries, chunkEntry{
		fileOffset:   w.fileOffset,
		logicalStart: w.chunkStart,
		compressed:   uint32(len(w.scratch)),
		logical:      uint32(len(w.chunk)),
		checksum:     xxhash.Sum64(w.scratch),
	})
	w.fileOffset += int64(len(w.scratch))
	w.chunkStart += int64(len(w.chunk))
	w.chunk = w.chunk[:0]
	return nil
}

func (w *compressedWriter) Flush() error {
	if err := w.emitChunk(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return base.WriteError(err, w.path)
	}
	w.synced = w.chunkStart
	if w.onFlush != nil {
		w.onFlush(w.synced)
	}
	return nil
}

func (w *compressedWriter) Mark() int64 { return w.Pos() }

func (w *compressedWriter) ResetAndTruncate(mark int64) error {
	if mark < 0 || mark > w.Pos() {
		return errors.AssertionFailedf("reset to %d outside the written range [0, %d]", mark, w.Pos())
	}
	if mark >= w.chunkStart {
		w.chunk = w.chunk[:mark-w.chunkStart]
		return nil
	}
	// The mark falls inside an already-emitted chunk: re-read that chunk,
	// reopen it as the current chunk truncated at the mark, and shrink the
	// physical file to the chunk's start.
	info := &CompressionInfo{chunks: w.entries}
	idx := info.findChunk(mark)
	if idx >= len(w.entries) {
		return errors.AssertionFailedf("no chunk covers offset %d", mark)
	}
	e := w.entries[idx]
	plain, err := w.reloadChunk(e)
	if err != nil {
		return err
	}
	w.chunk = append(w.chunk[:0], plain[:mark-e.logicalStart]...)
	w.entries = w.entries[:idx]
	w.chunkStart = e.logicalStart
	w.fileOffset = e.fileOffset
	if err := w.f.Truncate(e.fileOffset); err != nil {
		return base.WriteError(err, w.path)
	}
	if _, err := w.f.Seek(e.fileOffset, io.SeekStart); err != nil {
		return base.WriteError(err, w.path)
	}
	if w.synced > w.chunkStart {
		w.synced = w.chunkStart
	}
	return nil
}

func (w *compressedWriter) reloadChunk(e chunkEntry) ([]byte, error) {
	r, err := w.fs.Open(w.path)
	if err != nil {
		return nil, base.WriteError(err, w.path)
	}
	defer r.Close()
	compressed := make([]byte, e.compressed)
	if _, err := r.ReadAt(compressed, e.fileOffset); err != nil {
		return nil, base.WriteError(err, w.path)
	}
	plain, err := w.codec.Decompress(nil, compressed)
	if err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(err, "reloading chunk of %s", w.path))
	}
	return plain, nil
}

func (w *compressedWriter) PrepareToCommit() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.f.Truncate(w.fileOffset); err != nil {
		return base.WriteError(err, w.path)
	}
	return writeCompressionInfo(w.fs, w.infoPath, w.info())
}

func (w *compressedWriter) info() *CompressionInfo {
	return &CompressionInfo{
		CodecName:    w.codec.Name(),
		ChunkLength:  w.chunkLen,
		LogicalTotal: w.chunkStart,
		chunks:       append([]chunkEntry(nil), w.entries...),
	}
}

// snapshotInfo returns a chunk table bounded by the given durable logical
// offset, for early-opened readers; the on-disk CompressionInfo component
// does not exist yet at that point.
func (w *compressedWriter) snapshotInfo(limit int64) *CompressionInfo {
	return w.info().truncated(limit)
}

func (w *compressedWriter) Commit(accumulate error) error { return w.close(accumulate) }

func (w *compressedWriter) Abort(accumulate error) error { return w.close(accumulate) }

func (w *compressedWriter) close(accumulate error) error {
	if w.closed {
		return accumulate
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		accumulate = errors.CombineErrors(accumulate, base.WriteError(err, w.path))
	}
	return accumulate
}
