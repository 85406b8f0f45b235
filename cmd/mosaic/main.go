// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Command mosaic inspects sstable component files on disk: table of
// contents, statistics, index summaries and point lookups.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mosaicdb/mosaic/internal/base"
)

var (
	verbose bool
	ordered bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "mosaic [command] (flags)",
	Short: "mosaic sstable introspection tool",
	Long:  ``,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetLevel(logrus.WarnLevel)
		if verbose {
			log.SetLevel(logrus.InfoLevel)
		}
	},
}

func main() {
	cobra.EnableCommandSorting = false
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable verbose event logging")
	rootCmd.PersistentFlags().BoolVar(
		&ordered, "ordered", false, "tables were written with the order-preserving partitioner")
	rootCmd.AddCommand(
		describeCmd,
		statsCmd,
		summaryCmd,
		getCmd,
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func partitioner() base.Partitioner {
	if ordered {
		return base.OrderPreservingPartitioner
	}
	return base.DefaultPartitioner
}

// cliLogger adapts logrus to the library's logger interface.
type cliLogger struct{}

func (cliLogger) Infof(format string, args ...interface{}) { log.Infof(format, args...) }

func (cliLogger) Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }

func (cliLogger) Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }
