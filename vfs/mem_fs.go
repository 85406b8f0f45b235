// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// NewMem returns a new memory-backed FS implementation.
func NewMem() *MemFS {
	return &MemFS{
		nodes: make(map[string]*memNode),
		dirs:  map[string]bool{"": true, "/": true},
	}
}

// MemFS implements FS in memory. It is safe for concurrent use. Hard links
// share the underlying node, so a reader holding a link observes writes made
// through the original name, matching the semantics the early-open path
// relies on.
type MemFS struct {
	mu    sync.Mutex
	nodes map[string]*memNode
	dirs  map[string]bool
}

var _ FS = (*MemFS)(nil)

type memNode struct {
	mu   sync.Mutex
	data []byte
	name string
}

func (n *memNode) length() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.data))
}

func normalize(name string) string {
	return path.Clean(strings.ReplaceAll(name, string(os.PathSeparator), "/"))
}

// Create implements FS.Create.
func (fs *MemFS) Create(name string) (File, error) {
	name = normalize(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := &memNode{name: name}
	fs.nodes[name] = n
	return &memFile{n: n, write: true}, nil
}

// Link implements FS.Link.
func (fs *MemFS) Link(oldname, newname string) error {
	oldname, newname = normalize(oldname), normalize(newname)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[oldname]
	if !ok {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: os.ErrNotExist}
	}
	if _, ok := fs.nodes[newname]; ok {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: os.ErrExist}
	}
	fs.nodes[newname] = n
	return nil
}

// Open implements FS.Open.
func (fs *MemFS) Open(name string) (File, error) {
	name = normalize(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{n: n}, nil
}

// OpenDir implements FS.OpenDir.
func (fs *MemFS) OpenDir(name string) (File, error) {
	return &memFile{n: &memNode{name: normalize(name)}}, nil
}

// Remove implements FS.Remove.
func (fs *MemFS) Remove(name string) error {
	name = normalize(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.nodes[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(fs.nodes, name)
	return nil
}

// Rename implements FS.Rename.
func (fs *MemFS) Rename(oldname, newname string) error {
	oldname, newname = normalize(oldname), normalize(newname)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(fs.nodes, oldname)
	fs.nodes[newname] = n
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (fs *MemFS) MkdirAll(dir string, _ os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for d := normalize(dir); d != "." && d != "/"; d = path.Dir(d) {
		fs.dirs[d] = true
	}
	return nil
}

// List implements FS.List.
func (fs *MemFS) List(dir string) ([]string, error) {
	dir = normalize(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var names []string
	for name := range fs.nodes {
		if path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stat implements FS.Stat.
func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	name = normalize(name)
	fs.mu.Lock()
	n, ok := fs.nodes[name]
	isDir := fs.dirs[name]
	fs.mu.Unlock()
	if ok {
		return memFileInfo{name: path.Base(name), size: n.length()}, nil
	}
	if isDir {
		return memFileInfo{name: path.Base(name), dir: true}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
}

// PathBase implements FS.PathBase.
func (fs *MemFS) PathBase(p string) string { return path.Base(normalize(p)) }

// PathJoin implements FS.PathJoin.
func (fs *MemFS) PathJoin(elem ...string) string { return path.Join(elem...) }

type memFile struct {
	n      *memNode
	pos    int64
	write  bool
	closed bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, errors.New("read after close")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed || !f.write {
		return 0, errors.New("write to closed or read-only file")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.data = append(f.n.data, p...)
	return len(p), nil
}

// Seek adjusts the read position. Writes always append to the node's end,
// matching the post-truncate seek-to-end pattern of the sequential writer.
func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.n.length() + offset
	}
	return f.pos, nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return memFileInfo{name: path.Base(f.n.name), size: f.n.length()}, nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Truncate(size int64) error {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if size < int64(len(f.n.data)) {
		f.n.data = f.n.data[:size]
	}
	return nil
}

type memFileInfo struct {
	name string
	size int64
	dir  bool
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() os.FileMode  { return 0644 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return i.dir }
func (i memFileInfo) Sys() interface{}   { return nil }
