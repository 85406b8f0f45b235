// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicdb/mosaic/internal/base"
	"github.com/mosaicdb/mosaic/sstable"
)

var (
	lookupOp string
	dumpRows bool
)

var getCmd = &cobra.Command{
	Use:   "get <component-file> <key>",
	Short: "look a partition key up in a generation",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringVar(&lookupOp, "op", "eq", "lookup operator: eq, ge or gt")
	getCmd.Flags().BoolVar(&dumpRows, "rows", false, "read and dump the partition's rows")
}

func parseOp(s string) (base.Operator, error) {
	switch s {
	case "eq":
		return base.EQ, nil
	case "ge":
		return base.GE, nil
	case "gt":
		return base.GT, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	d, err := describeArg(args[0])
	if err != nil {
		return err
	}
	op, err := parseOp(lookupOp)
	if err != nil {
		return err
	}
	r, err := sstable.Open(d, sstable.ReaderOptions{Logger: cliLogger{}, Partitioner: partitioner()})
	if err != nil {
		return err
	}
	defer r.Close()

	entry, err := r.Lookup([]byte(args[1]), op)
	if err != nil {
		return err
	}
	if entry == nil {
		fmt.Println("not found")
		return nil
	}
	fmt.Printf("data offset:     %d\n", entry.Position)
	fmt.Printf("promoted blocks: %d\n", len(entry.Blocks))
	if !dumpRows {
		return nil
	}
	p, err := r.ReadPartition(entry)
	if err != nil {
		return err
	}
	fmt.Printf("key:  %q\n", p.Key)
	for i := range p.Rows {
		row := &p.Rows[i]
		fmt.Printf("row %d: clustering=%q cells=%d\n", i, row.Clustering, len(row.Cells))
		for j := range row.Cells {
			cell := &row.Cells[j]
			fmt.Printf("  %q @%d = %q\n", cell.Column, cell.Timestamp, cell.Value)
		}
	}
	return nil
}
