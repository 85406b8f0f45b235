// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrInjected is the error returned by an ErrorFS with read faults enabled.
var ErrInjected = errors.New("injected error")

// WithReadFaults wraps fs so that reads on files opened after
// SetReadFaults(true) fail with ErrInjected. Used by tests to prove that a
// code path (key cache hit, bloom filter miss) does not touch the disk.
func WithReadFaults(fs FS) *ErrorFS {
	return &ErrorFS{inner: fs}
}

// ErrorFS injects read faults into an underlying FS.
type ErrorFS struct {
	inner      FS
	readFaults atomic.Bool
}

var _ FS = (*ErrorFS)(nil)

// SetReadFaults toggles failure of every read issued through this FS.
func (fs *ErrorFS) SetReadFaults(enabled bool) {
	fs.readFaults.Store(enabled)
}

// Create implements FS.Create.
func (fs *ErrorFS) Create(name string) (File, error) { return fs.inner.Create(name) }

// Link implements FS.Link.
func (fs *ErrorFS) Link(oldname, newname string) error { return fs.inner.Link(oldname, newname) }

// Open implements FS.Open.
func (fs *ErrorFS) Open(name string) (File, error) {
	f, err := fs.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return errorFile{f: f, fs: fs}, nil
}

// OpenDir implements FS.OpenDir.
func (fs *ErrorFS) OpenDir(name string) (File, error) { return fs.inner.OpenDir(name) }

// Remove implements FS.Remove.
func (fs *ErrorFS) Remove(name string) error { return fs.inner.Remove(name) }

// Rename implements FS.Rename.
func (fs *ErrorFS) Rename(oldname, newname string) error { return fs.inner.Rename(oldname, newname) }

// MkdirAll implements FS.MkdirAll.
func (fs *ErrorFS) MkdirAll(dir string, perm os.FileMode) error {
	return fs.inner.MkdirAll(dir, perm)
}

// List implements FS.List.
func (fs *ErrorFS) List(dir string) ([]string, error) { return fs.inner.List(dir) }

// Stat implements FS.Stat.
func (fs *ErrorFS) Stat(name string) (os.FileInfo, error) { return fs.inner.Stat(name) }

// PathBase implements FS.PathBase.
func (fs *ErrorFS) PathBase(path string) string { return fs.inner.PathBase(path) }

// PathJoin implements FS.PathJoin.
func (fs *ErrorFS) PathJoin(elem ...string) string { return fs.inner.PathJoin(elem...) }

type errorFile struct {
	f  File
	fs *ErrorFS
}

func (f errorFile) Close() error { return f.f.Close() }

func (f errorFile) Read(p []byte) (int, error) {
	if f.fs.readFaults.Load() {
		return 0, ErrInjected
	}
	return f.f.Read(p)
}

func (f errorFile) ReadAt(p []byte, off int64) (int, error) {
	if f.fs.readFaults.Load() {
		return 0, ErrInjected
	}
	return f.f.ReadAt(p, off)
}

func (f errorFile) Write(p []byte) (int, error) { return f.f.Write(p) }

func (f errorFile) Stat() (os.FileInfo, error) { return f.f.Stat() }

func (f errorFile) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }

func (f errorFile) Sync() error { return f.f.Sync() }

func (f errorFile) Truncate(size int64) error { return f.f.Truncate(size) }
