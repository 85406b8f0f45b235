// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

const defaultWriteBufferSize = 64 << 10

// fileWriter is the sequential append surface shared by the raw and the
// chunk-compressed data sinks. Positions are logical (uncompressed) byte
// offsets, which is also the coordinate space of RowIndexEntry positions and
// of the readable boundary.
type fileWriter interface {
	io.Writer

	// Pos returns the logical append position.
	Pos() int64
	// Flush makes everything appended so far durable and then invokes the
	// registered flush listener with the durable logical offset. For the
	// chunked sink durability advances at chunk granularity plus a final
	// short chunk.
	Flush() error
	// Mark returns a save point for ResetAndTruncate.
	Mark() int64
	// ResetAndTruncate rolls the logical content back to a save point,
	// shrinking the on-disk file if the mark precedes already-written bytes.
	ResetAndTruncate(mark int64) error
	// SetOnFlush registers the flush listener. Must be called before the
	// first Flush.
	SetOnFlush(func(durableLogicalOffset int64))
	// PrepareToCommit flushes everything, fsyncs, and truncates the file to
	// its true logical end.
	PrepareToCommit() error
	// Commit closes the sink, combining any close error with accumulate.
	Commit(accumulate error) error
	// Abort closes the sink discarding durability guarantees, combining any
	// close error with accumulate.
	Abort(accumulate error) error
	// Path returns the file path, for error attribution.
	Path() string
}

// sequentialWriter is the raw (uncompressed) fileWriter: buffered appends,
// explicit durability, save-point rollback.
type sequentialWriter struct {
	fs   vfs.FS
	path string
	f    vfs.File

	buf     []byte
	flushed int64 // bytes handed to the OS
	synced  int64 // bytes known durable
	onFlush func(int64)
	closed  bool
}

var _ fileWriter = (*sequentialWriter)(nil)

func newSequentialWriter(fs vfs.FS, path string) (*sequentialWriter, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, base.WriteError(err, path)
	}
	return &sequentialWriter{
		fs:   fs,
		path: path,
		f:    f,
		buf:  make([]byte, 0, defaultWriteBufferSize),
	}, nil
}

func (w *sequentialWriter) Path() string { return w.path }

func (w *sequentialWriter) Pos() int64 { return w.flushed + int64(len(w.buf)) }

func (w *sequentialWriter) SetOnFlush(fn func(int64)) { w.onFlush = fn }

func (w *sequentialWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) >= defaultWriteBufferSize {
		if err := w.flushBuf(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *sequentialWriter) flushBuf() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.f.Write(w.buf); err != nil {
		return base.WriteError(err, w.path)
	}
	w.flushed += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

func (w *sequentialWriter) Flush() error {
	if err := w.flushBuf(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return base.WriteError(err, w.path)
	}
	w.synced = w.flushed
	if w.onFlush != nil {
		w.onFlush(w.synced)
	}
	return nil
}

func (w *sequentialWriter) Mark() int64 { return w.Pos() }

func (w *sequentialWriter) ResetAndTruncate(mark int64) error {
	if mark < 0 || mark > w.Pos() {
		return errors.AssertionFailedf("reset to %d outside the written range [0, %d]", mark, w.Pos())
	}
	if mark >= w.flushed {
		w.buf = w.buf[:mark-w.flushed]
		return nil
	}
	w.buf = w.buf[:0]
	if err := w.f.Truncate(mark); err != nil {
		return base.WriteError(err, w.path)
	}
	if _, err := w.f.Seek(mark, io.SeekStart); err != nil {
		return base.WriteError(err, w.path)
	}
	w.flushed = mark
	if w.synced > mark {
		w.synced = mark
	}
	return nil
}

func (w *sequentialWriter) PrepareToCommit() error {
	if err := w.Flush(); err != nil {
		return err
	}
	// A rollback past a flush may have been followed by no further writes;
	// make sure the physical file ends exactly at the logical end.
	if err := w.f.Truncate(w.flushed); err != nil {
		return base.WriteError(err, w.path)
	}
	return nil
}

func (w *sequentialWriter) Commit(accumulate error) error {
	return w.close(accumulate)
}

func (w *sequentialWriter) Abort(accumulate error) error {
	return w.close(accumulate)
}

func (w *sequentialWriter) close(accumulate error) error {
	if w.closed {
		return accumulate
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		accumulate = errors.CombineErrors(accumulate, base.WriteError(err, w.path))
	}
	return accumulate
}
