// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import "github.com/cockroachdb/errors"

// Version identifies the on-disk format of one table generation and the
// capabilities that format carries. Versions are denoted as
// [major][minor]; minor versions must be forward-compatible: new fields are
// allowed in e.g. the stats component, but fields cannot be removed or have
// their size changed.
//
// ma: initial format
// mb: index summaries can be downsampled and the sampling level is persisted;
//     stats gain the repaired-at field and the per-component offset table
type Version struct {
	tag string

	// hasSamplingLevel reports whether the summary sidecar persists a
	// sampling level (and may therefore hold a downsampled summary).
	hasSamplingLevel bool
	// hasRepairedAt reports whether the stats component carries the
	// repaired-at timestamp.
	hasRepairedAt bool
	// hasComponentOffsets reports whether the stats file carries the
	// per-component offset table allowing unknown components to be skipped.
	hasComponentOffsets bool
}

const (
	currentVersionTag           = "mb"
	earliestSupportedVersionTag = "ma"
)

// CurrentVersion is the format written by this code.
var CurrentVersion = mustParseVersion(currentVersionTag)

// ParseVersion interprets a two-letter version tag.
func ParseVersion(tag string) (Version, error) {
	if len(tag) != 2 || tag[0] < 'a' || tag[0] > 'z' || tag[1] < 'a' || tag[1] > 'z' {
		return Version{}, errors.Newf("invalid sstable format version %q", tag)
	}
	v := Version{tag: tag}
	v.hasSamplingLevel = tag >= "mb"
	v.hasRepairedAt = tag >= "mb"
	v.hasComponentOffsets = tag >= "mb"
	return v, nil
}

func mustParseVersion(tag string) Version {
	v, err := ParseVersion(tag)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the two-letter tag.
func (v Version) String() string { return v.tag }

// IsCompatible reports whether this code can read the version.
func (v Version) IsCompatible() bool {
	return v.tag >= earliestSupportedVersionTag && v.tag[0] <= currentVersionTag[0]
}

// IsLatest reports whether v is the version written by this code.
func (v Version) IsLatest() bool { return v.tag == currentVersionTag }

// HasSamplingLevel reports whether summaries persist a sampling level.
func (v Version) HasSamplingLevel() bool { return v.hasSamplingLevel }

// HasRepairedAt reports whether stats carry the repaired-at timestamp.
func (v Version) HasRepairedAt() bool { return v.hasRepairedAt }
