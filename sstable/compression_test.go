// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicdb/mosaic/vfs"
)

// corruptFile rewrites the file with the byte at off replaced.
func corruptFile(t *testing.T, fs vfs.FS, path string, off int64, b byte) {
	t.Helper()
	f, err := fs.Open(path)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	data[off] = b

	out, err := fs.Create(path)
	require.NoError(t, err)
	_, err = out.Write(data)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func TestCodecRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 100)
	for _, codec := range []Codec{Snappy, Zstd} {
		t.Run(codec.Name(), func(t *testing.T) {
			compressed := codec.Compress(nil, payload)
			require.Less(t, len(compressed), len(payload))
			plain, err := codec.Decompress(nil, compressed)
			require.NoError(t, err)
			require.Equal(t, payload, plain)

			named, err := CodecByName(codec.Name())
			require.NoError(t, err)
			require.Equal(t, codec.Name(), named.Name())
		})
	}
	_, err := CodecByName("lz77")
	require.Error(t, err)
}

func writeThrough(t *testing.T, w *compressedWriter, p []byte) {
	t.Helper()
	n, err := w.Write(p)
	require.NoError(t, err)
	require.Equal(t, len(p), n)
}

func readAll(t *testing.T, fs vfs.FS, path, infoPath string) []byte {
	t.Helper()
	ci, err := readCompressionInfo(fs, infoPath)
	require.NoError(t, err)
	sf, err := openSegmentedFile(fs, path, ci.LogicalTotal, ci)
	require.NoError(t, err)
	defer func() { require.NoError(t, sf.Unref()) }()
	in, err := sf.NewInput(0)
	require.NoError(t, err)
	defer func() { require.NoError(t, in.close()) }()
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	return data
}

func TestCompressedWriterRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	w, err := newCompressedWriter(fs, "data", "info", Snappy, 64)
	require.NoError(t, err)

	var want []byte
	for i := 0; i < 50; i++ {
		p := []byte(fmt.Sprintf("record-%04d-%s|", i, bytes.Repeat([]byte("x"), i)))
		want = append(want, p...)
		writeThrough(t, w, p)
	}
	require.EqualValues(t, len(want), w.Pos())
	require.NoError(t, w.PrepareToCommit())
	require.NoError(t, w.Commit(nil))

	require.Equal(t, want, readAll(t, fs, "data", "info"))

	// Inputs can start at any logical offset, including mid-chunk.
	ci, err := readCompressionInfo(fs, "info")
	require.NoError(t, err)
	require.Greater(t, ci.NumChunks(), 1)
	sf, err := openSegmentedFile(fs, "data", ci.LogicalTotal, ci)
	require.NoError(t, err)
	defer func() { require.NoError(t, sf.Unref()) }()
	for _, off := range []int64{0, 1, 63, 64, 65, int64(len(want)) - 1, int64(len(want))} {
		in, err := sf.NewInput(off)
		require.NoError(t, err)
		got, err := io.ReadAll(in)
		require.NoError(t, err)
		require.Equal(t, want[off:], got, "offset %d", off)
		require.NoError(t, in.close())
	}
}

func TestCompressedWriterShortChunkOnFlush(t *testing.T) {
	fs := vfs.NewMem()
	w, err := newCompressedWriter(fs, "data", "info", Snappy, 1<<20)
	require.NoError(t, err)

	var synced int64
	w.SetOnFlush(func(off int64) { synced = off })

	writeThrough(t, w, []byte("hello"))
	require.EqualValues(t, 0, synced)

	// Flush cuts a short chunk so the appended bytes become durable without
	// waiting for a full chunk.
	require.NoError(t, w.Flush())
	require.EqualValues(t, 5, synced)

	writeThrough(t, w, []byte(" world"))
	require.NoError(t, w.PrepareToCommit())
	require.NoError(t, w.Commit(nil))
	require.Equal(t, []byte("hello world"), readAll(t, fs, "data", "info"))
}

func TestCompressedWriterResetAndTruncate(t *testing.T) {
	fs := vfs.NewMem()
	w, err := newCompressedWriter(fs, "data", "info", Snappy, 8)
	require.NoError(t, err)

	writeThrough(t, w, []byte("0123456789abcdef")) // two full chunks emitted
	mark := w.Mark()
	require.EqualValues(t, 16, mark)

	// Rollback within the open chunk.
	writeThrough(t, w, []byte("ZZ"))
	require.NoError(t, w.ResetAndTruncate(mark))
	require.EqualValues(t, 16, w.Pos())

	// Rollback into an already-emitted chunk re-reads and reopens it.
	require.NoError(t, w.ResetAndTruncate(12))
	require.EqualValues(t, 12, w.Pos())
	writeThrough(t, w, []byte("CDEF"))

	require.NoError(t, w.PrepareToCommit())
	require.NoError(t, w.Commit(nil))
	require.Equal(t, []byte("0123456789abCDEF"), readAll(t, fs, "data", "info"))
}

func TestCompressionInfoTruncated(t *testing.T) {
	ci := &CompressionInfo{
		CodecName:    "snappy",
		ChunkLength:  8,
		LogicalTotal: 20,
		chunks: []chunkEntry{
			{fileOffset: 0, logicalStart: 0, compressed: 6, logical: 8},
			{fileOffset: 6, logicalStart: 8, compressed: 7, logical: 8},
			{fileOffset: 13, logicalStart: 16, compressed: 4, logical: 4},
		},
	}
	require.Equal(t, 0, ci.findChunk(0))
	require.Equal(t, 0, ci.findChunk(7))
	require.Equal(t, 1, ci.findChunk(8))
	require.Equal(t, 2, ci.findChunk(19))

	bounded := ci.truncated(16)
	require.Equal(t, 2, bounded.NumChunks())
	require.EqualValues(t, 16, bounded.LogicalTotal)

	// A boundary inside a chunk keeps the covering chunk; the reader clamps
	// at LogicalTotal.
	bounded = ci.truncated(12)
	require.Equal(t, 2, bounded.NumChunks())
	require.EqualValues(t, 12, bounded.LogicalTotal)
	bounded = ci.truncated(8)
	require.Equal(t, 1, bounded.NumChunks())
}

func TestSnapshotInfoMidChunkBoundary(t *testing.T) {
	fs := vfs.NewMem()
	w, err := newCompressedWriter(fs, "data", "info", Snappy, 8)
	require.NoError(t, err)
	writeThrough(t, w, []byte("0123456789abcdef")) // two full chunks emitted
	writeThrough(t, w, []byte("ghij"))
	require.NoError(t, w.Flush())

	// A durable boundary inside an emitted chunk stays fully readable up to
	// the boundary and no further.
	ci := w.snapshotInfo(13)
	require.Equal(t, 2, ci.NumChunks())
	require.EqualValues(t, 13, ci.LogicalTotal)

	sf, err := openSegmentedFile(fs, "data", ci.LogicalTotal, ci)
	require.NoError(t, err)
	defer func() { require.NoError(t, sf.Unref()) }()
	for _, off := range []int64{0, 7, 8, 12, 13} {
		in, err := sf.NewInput(off)
		require.NoError(t, err)
		got, err := io.ReadAll(in)
		require.NoError(t, err)
		require.Equal(t, []byte("0123456789abc")[off:], got, "offset %d", off)
		require.NoError(t, in.close())
	}
	_, err = sf.NewInput(14)
	require.Error(t, err)

	require.NoError(t, w.PrepareToCommit())
	require.NoError(t, w.Commit(nil))
}

func TestChunkChecksumDetectsCorruption(t *testing.T) {
	fs := vfs.NewMem()
	w, err := newCompressedWriter(fs, "data", "info", Snappy, 16)
	require.NoError(t, err)
	writeThrough(t, w, bytes.Repeat([]byte("payload!"), 16))
	require.NoError(t, w.PrepareToCommit())
	require.NoError(t, w.Commit(nil))

	// Flip a byte in the first chunk.
	f, err := fs.Open("data")
	require.NoError(t, err)
	var b [1]byte
	_, err = f.ReadAt(b[:], 3)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	corruptFile(t, fs, "data", 3, b[0]^0xff)

	ci, err := readCompressionInfo(fs, "info")
	require.NoError(t, err)
	sf, err := openSegmentedFile(fs, "data", ci.LogicalTotal, ci)
	require.NoError(t, err)
	defer func() { require.NoError(t, sf.Unref()) }()
	_, err = sf.NewInput(0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}
