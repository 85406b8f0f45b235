// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cespare/xxhash/v2"

// Partitioner assigns placement tokens to raw partition keys. The same
// partitioner must be used for every write and read of a table; its name is
// recorded in the table's validation metadata so that mismatches are caught
// at open time.
type Partitioner interface {
	Name() string
	DecorateKey(key []byte) DecoratedKey
}

// DefaultPartitioner decorates keys with an xxhash64 token.
var DefaultPartitioner Partitioner = xxhashPartitioner{}

type xxhashPartitioner struct{}

func (xxhashPartitioner) Name() string { return "xxhash64" }

func (xxhashPartitioner) DecorateKey(key []byte) DecoratedKey {
	return DecoratedKey{Token: Token(xxhash.Sum64(key)), Key: key}
}

// OrderPreservingPartitioner decorates keys with a token derived from the
// first eight key bytes, preserving the byte order of keys across tokens.
// Useful in tests where the on-disk order should match the natural order of
// the raw keys.
var OrderPreservingPartitioner Partitioner = orderedPartitioner{}

type orderedPartitioner struct{}

func (orderedPartitioner) Name() string { return "ordered" }

func (orderedPartitioner) DecorateKey(key []byte) DecoratedKey {
	var t Token
	for i := 0; i < 8; i++ {
		t <<= 8
		if i < len(key) {
			t |= Token(key[i])
		}
	}
	return DecoratedKey{Token: t, Key: key}
}
