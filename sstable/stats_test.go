// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicdb/mosaic/vfs"
)

func TestStatsCollector(t *testing.T) {
	c := newStatsCollector()
	c.update(&Partition{
		Key:      []byte("k1"),
		Deletion: LiveDeletionTime,
		Rows: []Row{{
			Clustering: [][]byte{[]byte("m")},
			Deletion:   LiveDeletionTime,
			Cells: []Cell{
				{Column: []byte("a"), Timestamp: 100, LocalDeletionTime: LiveDeletionTime.LocalDeletionTime, Value: []byte("v")},
				{Column: []byte("b"), Timestamp: 300, LocalDeletionTime: LiveDeletionTime.LocalDeletionTime, Value: []byte("v")},
			},
		}},
	}, 64)
	c.update(&Partition{
		Key:      []byte("k2"),
		Deletion: DeletionTime{MarkedForDeleteAt: 50, LocalDeletionTime: 7},
	}, 16)

	s := &c.stats
	require.EqualValues(t, 2, s.PartitionCount)
	require.EqualValues(t, 1, s.RowCount)
	require.EqualValues(t, 2, s.CellCount)
	require.EqualValues(t, 1, s.TombstoneCount)
	require.EqualValues(t, 50, s.MinTimestamp)
	require.EqualValues(t, 300, s.MaxTimestamp)
	require.EqualValues(t, 7, s.MinLocalDeletionTime)
	require.Equal(t, []byte("m"), s.MinClustering)
	require.Equal(t, []byte("m"), s.MaxClustering)
	require.EqualValues(t, 2, s.PartitionSizes.TotalCount())
}

func TestStatsFileRoundTrip(t *testing.T) {
	for _, tag := range []string{"ma", "mb"} {
		t.Run(tag, func(t *testing.T) {
			version := mustParseVersion(tag)
			fs := vfs.NewMem()

			c := newStatsCollector()
			c.update(&Partition{
				Key:      []byte("k"),
				Deletion: LiveDeletionTime,
				Rows: []Row{{
					Clustering: [][]byte{[]byte("ck")},
					Deletion:   LiveDeletionTime,
					Cells: []Cell{{
						Column: []byte("col"), Timestamp: 42,
						LocalDeletionTime: LiveDeletionTime.LocalDeletionTime, Value: []byte("v"),
					}},
				}},
			}, 128)
			c.stats.RepairedAt = 7777
			c.stats.SamplingLevel = 64

			validation := &ValidationMetadata{PartitionerName: "ordered", FilterFPChance: 0.01}
			require.NoError(t, writeStatsFile(fs, "stats", version, validation, &c.stats))

			gotV, gotS, err := readStatsFile(fs, "stats", version)
			require.NoError(t, err)
			require.Equal(t, validation, gotV)
			require.Equal(t, c.stats.PartitionCount, gotS.PartitionCount)
			require.Equal(t, c.stats.RowCount, gotS.RowCount)
			require.Equal(t, c.stats.MinTimestamp, gotS.MinTimestamp)
			require.Equal(t, c.stats.MaxTimestamp, gotS.MaxTimestamp)
			require.Equal(t, c.stats.MinClustering, gotS.MinClustering)
			require.Equal(t, c.stats.PartitionSizes.TotalCount(), gotS.PartitionSizes.TotalCount())
			require.Equal(t, c.stats.PartitionSizes.Max(), gotS.PartitionSizes.Max())

			// Version-gated fields only survive on formats that carry them.
			if version.HasRepairedAt() {
				require.EqualValues(t, 7777, gotS.RepairedAt)
				require.Equal(t, 64, gotS.SamplingLevel)
			} else {
				require.Zero(t, gotS.RepairedAt)
				require.Zero(t, gotS.SamplingLevel)
			}
		})
	}
}

func TestVersionCapabilities(t *testing.T) {
	ma := mustParseVersion("ma")
	require.False(t, ma.HasSamplingLevel())
	require.False(t, ma.HasRepairedAt())
	require.True(t, ma.IsCompatible())
	require.False(t, ma.IsLatest())

	mb := mustParseVersion("mb")
	require.True(t, mb.HasSamplingLevel())
	require.True(t, mb.HasRepairedAt())
	require.True(t, mb.IsLatest())
	require.Equal(t, CurrentVersion, mb)

	_, err := ParseVersion("m")
	require.Error(t, err)
	_, err = ParseVersion("M1")
	require.Error(t, err)

	// A future major format is not readable.
	na := mustParseVersion("na")
	require.False(t, na.IsCompatible())
}
