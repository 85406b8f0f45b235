// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bufio"
	"io"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

// SegmentedFile is a shared, refcounted handle on a component file, bounded
// at a readable length. For early-opened tables the length is the durable
// boundary rather than the file size, so a reader never observes bytes the
// writer has not yet made safe to read. Data files may additionally carry a
// chunk table, in which case inputs decompress transparently and offsets
// remain logical (uncompressed).
type SegmentedFile struct {
	fs     vfs.FS
	path   string
	f      vfs.File
	length int64
	ci     *CompressionInfo
	refs   atomic.Int32
}

func openSegmentedFile(fs vfs.FS, path string, length int64, ci *CompressionInfo) (*SegmentedFile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	sf := &SegmentedFile{fs: fs, path: path, f: f, length: length, ci: ci}
	sf.refs.Store(1)
	return sf, nil
}

// Length returns the readable logical length.
func (sf *SegmentedFile) Length() int64 { return sf.length }

// Path returns the underlying file path.
func (sf *SegmentedFile) Path() string { return sf.path }

// Ref acquires an additional reference.
func (sf *SegmentedFile) Ref() { sf.refs.Add(1) }

// Unref releases a reference, closing the file when the last one drops.
func (sf *SegmentedFile) Unref() error {
	if sf.refs.Add(-1) == 0 {
		return sf.f.Close()
	}
	return nil
}

// NewInput returns a sequential input positioned at the given logical offset.
func (sf *SegmentedFile) NewInput(offset int64) (*fileDataInput, error) {
	if offset < 0 || offset > sf.length {
		return nil, base.CorruptionErrorf("offset %d outside readable range [0, %d] of %s",
			offset, sf.length, sf.path)
	}
	var r io.Reader
	if sf.ci == nil {
		r = bufio.NewReader(io.NewSectionReader(sf.f, offset, sf.length-offset))
	} else {
		cr, err := newChunkedReader(sf, offset)
		if err != nil {
			return nil, err
		}
		r = cr
	}
	sf.Ref()
	return &fileDataInput{sf: sf, r: r, off: offset}, nil
}

// chunkedReader streams the logical byte sequence of a chunk-compressed file,
// decompressing one chunk at a time and verifying each chunk's checksum.
type chunkedReader struct {
	sf    *SegmentedFile
	buf   []byte // decompressed bytes of the current chunk, already consumed up to pos
	pos   int
	next  int   // index of the next chunk to load
	limit int64 // logical end, == sf.length
	off   int64 // logical offset of buf[pos]
}

func newChunkedReader(sf *SegmentedFile, offset int64) (*chunkedReader, error) {
	cr := &chunkedReader{sf: sf, limit: sf.length, off: offset}
	if offset == sf.length {
		cr.next = sf.ci.NumChunks()
		return cr, nil
	}
	idx := sf.ci.findChunk(offset)
	if idx >= sf.ci.NumChunks() {
		return nil, base.CorruptionErrorf("no chunk covers offset %d of %s", offset, sf.path)
	}
	cr.next = idx
	if err := cr.loadNext(); err != nil {
		return nil, err
	}
	cr.pos = int(offset - sf.ci.chunks[idx].logicalStart)
	return cr, nil
}

func (cr *chunkedReader) loadNext() error {
	e := cr.sf.ci.chunks[cr.next]
	compressed := make([]byte, e.compressed)
	if _, err := cr.sf.f.ReadAt(compressed, e.fileOffset); err != nil {
		return errors.Wrapf(err, "reading chunk %d of %s", cr.next, cr.sf.path)
	}
	if sum := xxhash.Sum64(compressed); sum != e.checksum {
		return base.CorruptionErrorf("chunk %d of %s: checksum mismatch %x != %x",
			cr.next, cr.sf.path, sum, e.checksum)
	}
	plain, err := codecFor(cr.sf.ci).Decompress(cr.buf[:0], compressed)
	if err != nil {
		return base.MarkCorruptionError(errors.Wrapf(err, "chunk %d of %s", cr.next, cr.sf.path))
	}
	if len(plain) != int(e.logical) {
		return base.CorruptionErrorf("chunk %d of %s: decompressed to %d bytes, expected %d",
			cr.next, cr.sf.path, len(plain), e.logical)
	}
	cr.buf = plain
	cr.pos = 0
	cr.next++
	return nil
}

func codecFor(ci *CompressionInfo) Codec {
	c, err := CodecByName(ci.CodecName)
	if err != nil {
		// The codec name was validated when the table was opened.
		panic(err)
	}
	return c
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.off >= cr.limit {
		return 0, io.EOF
	}
	if cr.pos == len(cr.buf) {
		if cr.next >= cr.sf.ci.NumChunks() {
			return 0, io.EOF
		}
		if err := cr.loadNext(); err != nil {
			return 0, err
		}
	}
	n := copy(p, cr.buf[cr.pos:])
	if rem := cr.limit - cr.off; int64(n) > rem {
		n = int(rem)
	}
	cr.pos += n
	cr.off += int64(n)
	return n, nil
}

// fileDataInput is a sequential decoder over a segment of a component file.
// It tracks the logical offset of the next unread byte so index scans can
// bound themselves and attribute corruption to a position.
type fileDataInput struct {
	sf     *SegmentedFile
	r      io.Reader
	off    int64
	closed bool
}

var _ io.Reader = (*fileDataInput)(nil)

func (in *fileDataInput) Read(p []byte) (int, error) {
	n, err := in.r.Read(p)
	in.off += int64(n)
	return n, err
}

// offset returns the logical offset of the next unread byte.
func (in *fileDataInput) offset() int64 { return in.off }

// eof reports whether the readable segment is exhausted.
func (in *fileDataInput) eof() bool { return in.off >= in.sf.length }

func (in *fileDataInput) path() string { return in.sf.path }

func (in *fileDataInput) readFull(p []byte) error {
	if _, err := io.ReadFull(in, p); err != nil {
		return base.MarkCorruptionError(
			errors.Wrapf(err, "%s at offset %d", in.sf.path, in.off))
	}
	return nil
}

func (in *fileDataInput) readU16() (uint16, error) {
	var buf [2]byte
	if err := in.readFull(buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (in *fileDataInput) readU32() (uint32, error) {
	var buf [4]byte
	if err := in.readFull(buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

func (in *fileDataInput) readU64() (uint64, error) {
	var buf [8]byte
	if err := in.readFull(buf[:]); err != nil {
		return 0, err
	}
	hi := uint64(buf[0])<<24 | uint64(buf[1])<<16 | uint64(buf[2])<<8 | uint64(buf[3])
	lo := uint64(buf[4])<<24 | uint64(buf[5])<<16 | uint64(buf[6])<<8 | uint64(buf[7])
	return hi<<32 | lo, nil
}

func (in *fileDataInput) readShortBytes() ([]byte, error) {
	n, err := in.readU16()
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if err := in.readFull(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (in *fileDataInput) skip(n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, in, n); err != nil {
		return base.MarkCorruptionError(
			errors.Wrapf(err, "%s skipping %d bytes at offset %d", in.sf.path, n, in.off))
	}
	return nil
}

func (in *fileDataInput) close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	return in.sf.Unref()
}
