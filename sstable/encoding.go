// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"io"
)

// binaryWriter serializes fixed-width big-endian values with a sticky error,
// so serializers can chain writes and check once.
type binaryWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (b *binaryWriter) write(p []byte) {
	if b.err != nil {
		return
	}
	n, err := b.w.Write(p)
	b.n += int64(n)
	b.err = err
}

func (b *binaryWriter) u16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.write(buf[:])
}

func (b *binaryWriter) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.write(buf[:])
}

func (b *binaryWriter) u64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.write(buf[:])
}

// shortBytes writes an unsigned-short length prefix followed by the bytes.
func (b *binaryWriter) shortBytes(p []byte) {
	b.u16(uint16(len(p)))
	b.write(p)
}

// binaryReader deserializes what binaryWriter produced, with a sticky error.
type binaryReader struct {
	r   io.Reader
	err error
}

func (b *binaryReader) read(p []byte) {
	if b.err != nil {
		return
	}
	_, b.err = io.ReadFull(b.r, p)
}

func (b *binaryReader) u16() uint16 {
	var buf [2]byte
	b.read(buf[:])
	return binary.BigEndian.Uint16(buf[:])
}

func (b *binaryReader) u32() uint32 {
	var buf [4]byte
	b.read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func (b *binaryReader) u64() uint64 {
	var buf [8]byte
	b.read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

func (b *binaryReader) shortBytes() []byte {
	n := b.u16()
	if b.err != nil {
		return nil
	}
	p := make([]byte, n)
	b.read(p)
	return p
}
