// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/google/uuid"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/vfs"
)

// Component enumerates the file kinds belonging to one table generation.
type Component int8

const (
	// ComponentData holds the serialized partitions in key order.
	ComponentData Component = iota
	// ComponentIndex holds (key, RowIndexEntry) pairs parallel to the data file.
	ComponentIndex
	// ComponentFilter holds the serialized bloom filter.
	ComponentFilter
	// ComponentCompressionInfo holds the chunk offset table when the data
	// file is compressed.
	ComponentCompressionInfo
	// ComponentStats holds the serialized StatsMetadata.
	ComponentStats
	// ComponentSummary holds the sampled index summary sidecar. Not part of
	// the versioned wire format; safe to delete and rebuild from the index.
	ComponentSummary
	// ComponentTOC lists the components physically present for a generation.
	ComponentTOC

	numComponents = int(ComponentTOC) + 1
)

var componentNames = [numComponents]string{
	ComponentData:            "Data.db",
	ComponentIndex:           "Index.db",
	ComponentFilter:          "Filter.db",
	ComponentCompressionInfo: "CompressionInfo.db",
	ComponentStats:           "Statistics.db",
	ComponentSummary:         "Summary.db",
	ComponentTOC:             "TOC.txt",
}

func (c Component) String() string { return componentNames[c] }

// SafeFormat implements redact.SafeFormatter.
func (c Component) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(componentNames[c]))
}

func componentFromName(name string) (Component, bool) {
	for c, n := range componentNames {
		if n == name {
			return Component(c), true
		}
	}
	return 0, false
}

// ComponentSet is a small value-semantics set of components.
type ComponentSet struct {
	bits uint8
}

// Components builds a set from the given components.
func Components(cs ...Component) ComponentSet {
	var s ComponentSet
	for _, c := range cs {
		s.Add(c)
	}
	return s
}

// Add adds c to the set.
func (s *ComponentSet) Add(c Component) { s.bits |= 1 << uint(c) }

// Remove removes c from the set.
func (s *ComponentSet) Remove(c Component) { s.bits &^= 1 << uint(c) }

// Contains reports whether c is in the set.
func (s ComponentSet) Contains(c Component) bool { return s.bits&(1<<uint(c)) != 0 }

// IsEmpty reports whether the set holds no components.
func (s ComponentSet) IsEmpty() bool { return s.bits == 0 }

// All returns the components in the set in enum order.
func (s ComponentSet) All() []Component {
	var out []Component
	for c := 0; c < numComponents; c++ {
		if s.Contains(Component(c)) {
			out = append(out, Component(c))
		}
	}
	return out
}

// Kind distinguishes the commit stage a descriptor's files belong to.
type Kind int8

const (
	// KindFinal names the committed files of a generation.
	KindFinal Kind = iota
	// KindTemp names the in-progress files of a writer before commit.
	KindTemp
	// KindTempLink names the hard links handed to early-opened readers so
	// they survive the temp-to-final rename.
	KindTempLink
)

var kindMarkers = [...]string{KindFinal: "", KindTemp: "tmp", KindTempLink: "tmplink"}

func (k Kind) String() string {
	if k == KindFinal {
		return "final"
	}
	return kindMarkers[k]
}

// Descriptor is the identity of one table generation: keyspace and table,
// table id, generation number, format version and directory. Immutable once
// assigned. A temp and a final descriptor denote the same logical table at
// different commit stages.
type Descriptor struct {
	Dir        string
	Keyspace   string
	Table      string
	TableID    uuid.UUID
	Generation uint64
	Version    Version
	Kind       Kind
}

// WithKind returns a descriptor for the same generation at a different
// commit stage.
func (d Descriptor) WithKind(k Kind) Descriptor {
	d.Kind = k
	return d
}

// FileFor returns the path of the named component for this descriptor.
func (d Descriptor) FileFor(c Component, fs vfs.FS) string {
	var b strings.Builder
	if marker := kindMarkers[d.Kind]; marker != "" {
		b.WriteString(marker)
		b.WriteString("-")
	}
	fmt.Fprintf(&b, "%s-%s-%s-%d-%s", d.Keyspace, d.Table, d.Version, d.Generation, componentNames[c])
	return fs.PathJoin(d.Dir, b.String())
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s:%d(%s,%s)", d.Keyspace, d.Table, d.Generation, d.Version, d.Kind)
}

// SafeFormat implements redact.SafeFormatter. Keyspace and table names are
// operator-chosen identifiers and treated as safe.
func (d Descriptor) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s/%s:%d(%s,%s)",
		redact.SafeString(d.Keyspace), redact.SafeString(d.Table),
		redact.SafeUint(d.Generation), redact.SafeString(d.Version.String()),
		redact.SafeString(d.Kind.String()))
}

// ParseComponentPath recovers a descriptor and component from the path of
// any component file. The table id is not encoded in file names and is left
// zero. Keyspace and table names must not contain dashes.
func ParseComponentPath(fs vfs.FS, path string) (Descriptor, Component, error) {
	name := fs.PathBase(path)
	dir := strings.TrimSuffix(path, name)
	dir = strings.TrimSuffix(dir, "/")

	d := Descriptor{Dir: dir}
	for k, marker := range kindMarkers {
		if marker != "" && strings.HasPrefix(name, marker+"-") {
			d.Kind = Kind(k)
			name = strings.TrimPrefix(name, marker+"-")
			break
		}
	}
	parts := strings.SplitN(name, "-", 5)
	if len(parts) != 5 {
		return Descriptor{}, 0, errors.Newf("malformed component file name %q", fs.PathBase(path))
	}
	d.Keyspace, d.Table = parts[0], parts[1]
	var err error
	if d.Version, err = ParseVersion(parts[2]); err != nil {
		return Descriptor{}, 0, err
	}
	if d.Generation, err = strconv.ParseUint(parts[3], 10, 64); err != nil {
		return Descriptor{}, 0, errors.Newf("malformed generation in component file name %q", fs.PathBase(path))
	}
	c, ok := componentFromName(parts[4])
	if !ok {
		return Descriptor{}, 0, errors.Newf("unknown component file name %q", parts[4])
	}
	return d, c, nil
}

// writeTOC persists the authoritative list of live components, newline
// separated, fsynced before return. The TOC is the existence check consulted
// before any other file of the generation is trusted.
func writeTOC(fs vfs.FS, d Descriptor, components ComponentSet) error {
	path := d.FileFor(ComponentTOC, fs)
	f, err := fs.Create(path)
	if err != nil {
		return base.WriteError(err, path)
	}
	var b strings.Builder
	for _, c := range components.All() {
		b.WriteString(componentNames[c])
		b.WriteString("\n")
	}
	if _, err := f.Write([]byte(b.String())); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return base.WriteError(err, path)
	}
	return f.Close()
}

// ReadTOC loads the component list of a generation.
func ReadTOC(fs vfs.FS, d Descriptor) (ComponentSet, error) {
	path := d.FileFor(ComponentTOC, fs)
	f, err := fs.Open(path)
	if err != nil {
		return ComponentSet{}, errors.Wrapf(err, "opening TOC for %s", d)
	}
	defer f.Close()
	var set ComponentSet
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		c, ok := componentFromName(name)
		if !ok {
			return ComponentSet{}, base.CorruptionErrorf("unknown component %q in %s", name, path)
		}
		set.Add(c)
	}
	if err := scanner.Err(); err != nil {
		return ComponentSet{}, base.MarkCorruptionError(errors.Wrapf(err, "reading %s", path))
	}
	set.Add(ComponentTOC)
	return set, nil
}

// discoverComponents scans the descriptor's directory for component files
// physically present, regardless of what the TOC claims. Used by abort-path
// cleanup, which must remove everything that was ever created.
func discoverComponents(fs vfs.FS, d Descriptor) ComponentSet {
	var set ComponentSet
	for c := 0; c < numComponents; c++ {
		if _, err := fs.Stat(d.FileFor(Component(c), fs)); err == nil {
			set.Add(Component(c))
		}
	}
	return set
}

// deleteComponents removes every present component file for the descriptor,
// best effort: deletion errors accumulate and do not stop remaining removals.
func deleteComponents(fs vfs.FS, d Descriptor, components ComponentSet, accumulate error) error {
	// Remove the TOC first so a crash mid-delete cannot leave a TOC naming
	// missing files.
	names := components.All()
	sort.Slice(names, func(i, j int) bool {
		return (names[i] == ComponentTOC) && names[j] != ComponentTOC
	})
	for _, c := range names {
		if err := fs.Remove(d.FileFor(c, fs)); err != nil {
			accumulate = errors.CombineErrors(accumulate, errors.Wrapf(err, "deleting %s of %s", c, d))
		}
	}
	return accumulate
}

// rename moves every component of the generation from its temp name to its
// final name. The data file is renamed last so that the final data file's
// existence implies all other components are already in place.
func rename(fs vfs.FS, temp Descriptor, components ComponentSet) error {
	final := temp.WithKind(KindFinal)
	ordered := components.All()
	sort.Slice(ordered, func(i, j int) bool {
		return (ordered[i] != ComponentData) && ordered[j] == ComponentData
	})
	for _, c := range ordered {
		from, to := temp.FileFor(c, fs), final.FileFor(c, fs)
		if err := fs.Rename(from, to); err != nil {
			return base.WriteError(err, from)
		}
	}
	return nil
}
