// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a lookup did not find the requested key.
var ErrNotFound = errors.New("mosaic: not found")

// ErrCorruption is a marker error for on-disk corruption detected while
// reading a table. Readers that surface it also mark themselves suspect.
var ErrCorruption = errors.New("mosaic: corruption")

// ErrWriteFailed is a marker error for an I/O fault while producing a table.
var ErrWriteFailed = errors.New("mosaic: write failed")

// CorruptionErrorf formats an error that will be recognized by
// IsCorruptionError.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks an I/O fault as table corruption, preserving the
// original error as the cause.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError reports whether err indicates a corrupt table.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// WriteError wraps an I/O fault on the file at path so that it is recognized
// by IsWriteError and carries the offending path.
func WriteError(err error, path string) error {
	return errors.Mark(errors.Wrapf(err, "writing %s", path), ErrWriteFailed)
}

// IsWriteError reports whether err indicates a failed table write.
func IsWriteError(err error) bool {
	return errors.Is(err, ErrWriteFailed)
}
