// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base holds the key model shared by the sstable writer and reader:
// decorated partition keys, token bounds, lookup operators, the partitioner
// abstraction, and the error taxonomy.
package base

import (
	"bytes"
	"cmp"
	"fmt"
	"math"

	"github.com/cockroachdb/redact"
)

// MaxKeyLength is the longest encodable partition key. Keys are serialized
// with an unsigned-short length prefix in the primary index, so anything
// longer cannot be represented on disk and is rejected by the writer.
const MaxKeyLength = math.MaxUint16

// Token is the placement token of a partition key. Keys are ordered by token
// first; raw key bytes break token ties.
type Token uint64

// DecoratedKey is a partition key paired with its placement token.
type DecoratedKey struct {
	Token Token
	Key   []byte
}

// Compare returns -1, 0 or +1 ordering k relative to other under the
// table-wide total order: token first, then raw key bytes.
func (k DecoratedKey) Compare(other DecoratedKey) int {
	if c := cmp.Compare(k.Token, other.Token); c != 0 {
		return c
	}
	return bytes.Compare(k.Key, other.Key)
}

// Clone returns a copy of k that does not alias the argument's key buffer.
func (k DecoratedKey) Clone() DecoratedKey {
	return DecoratedKey{Token: k.Token, Key: append([]byte(nil), k.Key...)}
}

func (k DecoratedKey) String() string {
	return fmt.Sprintf("%d:%q", k.Token, k.Key)
}

// SafeFormat implements redact.SafeFormatter. Raw key bytes are user data and
// stay redactable; the token is safe.
func (k DecoratedKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d:%q", redact.SafeUint(uint64(k.Token)), k.Key)
}

type boundKind int8

const (
	realKey boundKind = iota
	// minBound sorts before every real key sharing its token.
	minBound
	// maxBound sorts after every real key sharing its token.
	maxBound
)

// SearchKey is a lookup position: either a real partition key, or a synthetic
// token bound used for range lookups. Synthetic bounds are never eligible for
// filter checks or key-cache population since no partition carries them.
type SearchKey struct {
	key  DecoratedKey
	kind boundKind
}

// Search returns the SearchKey for a real partition key.
func Search(k DecoratedKey) SearchKey {
	return SearchKey{key: k}
}

// MinTokenBound returns a synthetic position sorting before every key with
// token t.
func MinTokenBound(t Token) SearchKey {
	return SearchKey{key: DecoratedKey{Token: t}, kind: minBound}
}

// MaxTokenBound returns a synthetic position sorting after every key with
// token t.
func MaxTokenBound(t Token) SearchKey {
	return SearchKey{key: DecoratedKey{Token: t}, kind: maxBound}
}

// IsReal reports whether the search position is an actual partition key.
func (s SearchKey) IsReal() bool {
	return s.kind == realKey
}

// Key returns the underlying partition key. Only meaningful when IsReal.
func (s SearchKey) Key() DecoratedKey {
	return s.key
}

// CompareKey orders the real key k relative to the search position, returning
// -1, 0 or +1 as k sorts before, at, or after it.
func (s SearchKey) CompareKey(k DecoratedKey) int {
	if c := cmp.Compare(k.Token, s.key.Token); c != 0 {
		return c
	}
	switch s.kind {
	case minBound:
		return 1
	case maxBound:
		return -1
	default:
		return bytes.Compare(k.Key, s.key.Key)
	}
}

func (s SearchKey) String() string {
	switch s.kind {
	case minBound:
		return fmt.Sprintf("min(%d)", s.key.Token)
	case maxBound:
		return fmt.Sprintf("max(%d)", s.key.Token)
	default:
		return s.key.String()
	}
}

// Operator defines which index entries satisfy a lookup relative to the
// search position.
type Operator int8

const (
	// EQ matches only the exact key.
	EQ Operator = iota
	// GE matches the nearest key at or after the search position.
	GE
	// GT matches the nearest key strictly after the search position.
	GT
)

// Apply folds the comparison of an on-disk key against the search position
// (as returned by SearchKey.CompareKey) into a three-way verdict: 0 means the
// entry satisfies the operator, a positive value means the scan should
// continue, and a negative value means no later entry can satisfy it.
func (op Operator) Apply(comparison int) int {
	switch op {
	case EQ:
		return -comparison
	case GE:
		if comparison >= 0 {
			return 0
		}
		return 1
	default: // GT
		if comparison > 0 {
			return 0
		}
		return 1
	}
}

func (op Operator) String() string {
	switch op {
	case EQ:
		return "EQ"
	case GE:
		return "GE"
	default:
		return "GT"
	}
}
