// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mosaicdb/mosaic/sstable"
	"github.com/mosaicdb/mosaic/vfs"
)

var describeCmd = &cobra.Command{
	Use:   "describe <component-file>",
	Short: "print the table of contents of a generation",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

var statsCmd = &cobra.Command{
	Use:   "stats <component-file>",
	Short: "print the statistics component of a generation",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var summaryCmd = &cobra.Command{
	Use:   "summary <component-file>",
	Short: "print the index summary sidecar of a generation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

var dumpEntries bool

func init() {
	summaryCmd.Flags().BoolVar(
		&dumpEntries, "entries", false, "dump every sampled entry")
}

func describeArg(arg string) (sstable.Descriptor, error) {
	d, _, err := sstable.ParseComponentPath(vfs.Default, arg)
	return d, err
}

func runDescribe(cmd *cobra.Command, args []string) error {
	d, err := describeArg(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", d)
	if !d.Version.IsLatest() {
		log.Warnf("format version %s is not the latest", d.Version)
	}

	toc, err := sstable.ReadTOC(vfs.Default, d)
	if err != nil {
		return err
	}
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader([]string{"component", "file", "bytes"})
	for _, c := range toc.All() {
		path := d.FileFor(c, vfs.Default)
		size := "missing"
		if fi, err := vfs.Default.Stat(path); err == nil {
			size = strconv.FormatInt(fi.Size(), 10)
		}
		t.Append([]string{c.String(), vfs.Default.PathBase(path), size})
	}
	t.Render()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	d, err := describeArg(args[0])
	if err != nil {
		return err
	}
	r, err := sstable.Open(d, sstable.ReaderOptions{Logger: cliLogger{}, Partitioner: partitioner()})
	if err != nil {
		return err
	}
	defer r.Close()

	stats := r.Stats()
	if stats == nil {
		return fmt.Errorf("%s has no statistics component", d)
	}
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader([]string{"stat", "value"})
	rows := [][2]string{
		{"partitions", strconv.FormatInt(stats.PartitionCount, 10)},
		{"rows", strconv.FormatInt(stats.RowCount, 10)},
		{"cells", strconv.FormatInt(stats.CellCount, 10)},
		{"tombstones", strconv.FormatInt(stats.TombstoneCount, 10)},
		{"min timestamp", strconv.FormatInt(stats.MinTimestamp, 10)},
		{"max timestamp", strconv.FormatInt(stats.MaxTimestamp, 10)},
		{"partition size p50", strconv.FormatInt(stats.PartitionSizes.ValueAtQuantile(50), 10)},
		{"partition size p99", strconv.FormatInt(stats.PartitionSizes.ValueAtQuantile(99), 10)},
		{"partition size max", strconv.FormatInt(stats.PartitionSizes.Max(), 10)},
		{"cells/partition p50", strconv.FormatInt(stats.CellsPerPartition.ValueAtQuantile(50), 10)},
		{"cells/partition p99", strconv.FormatInt(stats.CellsPerPartition.ValueAtQuantile(99), 10)},
		{"repaired at", strconv.FormatInt(stats.RepairedAt, 10)},
		{"sampling level", strconv.Itoa(stats.SamplingLevel)},
	}
	for _, row := range rows {
		t.Append(row[:])
	}
	t.Render()
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	d, err := describeArg(args[0])
	if err != nil {
		return err
	}
	r, err := sstable.Open(d, sstable.ReaderOptions{Logger: cliLogger{}, Partitioner: partitioner()})
	if err != nil {
		return err
	}
	defer r.Close()

	s := r.Summary()
	fmt.Printf("sampling level:     %d/%d\n", s.SamplingLevel(), 128)
	fmt.Printf("min index interval: %d\n", s.MinIndexInterval())
	fmt.Printf("entries:            %d\n", s.Size())
	fmt.Printf("first key:          %s\n", r.First())
	fmt.Printf("last key:           %s\n", r.Last())
	if !dumpEntries {
		return nil
	}
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader([]string{"#", "key", "index offset"})
	for i := 0; i < s.Size(); i++ {
		key, pos := s.EntryAt(i)
		t.Append([]string{strconv.Itoa(i), key.String(), strconv.FormatInt(pos, 10)})
	}
	t.Render()
	return nil
}
