// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bloomTruePositivesDesc = prometheus.NewDesc(
		"mosaic_sstable_bloom_true_positives_total",
		"Lookups the bloom filter passed and the index confirmed.",
		[]string{"keyspace", "table", "generation"}, nil)
	bloomFalsePositivesDesc = prometheus.NewDesc(
		"mosaic_sstable_bloom_false_positives_total",
		"Lookups the bloom filter passed but the index refuted.",
		[]string{"keyspace", "table", "generation"}, nil)
	partitionCountDesc = prometheus.NewDesc(
		"mosaic_sstable_partitions",
		"Partitions in the table generation, from its statistics component.",
		[]string{"keyspace", "table", "generation"}, nil)
	summarySizeDesc = prometheus.NewDesc(
		"mosaic_sstable_summary_entries",
		"Entries in the in-memory index summary.",
		[]string{"keyspace", "table", "generation"}, nil)
	summarySamplingDesc = prometheus.NewDesc(
		"mosaic_sstable_summary_sampling_level",
		"Sampling level of the in-memory index summary, out of 128.",
		[]string{"keyspace", "table", "generation"}, nil)
	keyCacheHitsDesc = prometheus.NewDesc(
		"mosaic_keycache_hits_total",
		"Key cache lookups answered without touching the index.", nil, nil)
	keyCacheMissesDesc = prometheus.NewDesc(
		"mosaic_keycache_misses_total",
		"Key cache lookups that fell through to the index.", nil, nil)
	keyCacheEntriesDesc = prometheus.NewDesc(
		"mosaic_keycache_entries",
		"Entries currently held by the key cache.", nil, nil)
)

// MetricsCollector is a prometheus.Collector over a set of open readers and
// an optional shared key cache. Readers register while open; collection reads
// their live counters without locking the read path.
type MetricsCollector struct {
	cache *KeyCache

	mu      sync.Mutex
	readers map[*Reader]struct{}
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector returns a collector over cache (which may be nil) and
// any readers subsequently tracked.
func NewMetricsCollector(cache *KeyCache) *MetricsCollector {
	return &MetricsCollector{cache: cache, readers: make(map[*Reader]struct{})}
}

// Track adds a reader to the collection set.
func (c *MetricsCollector) Track(r *Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers[r] = struct{}{}
}

// Untrack removes a reader; call when the reader is closed.
func (c *MetricsCollector) Untrack(r *Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.readers, r)
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bloomTruePositivesDesc
	ch <- bloomFalsePositivesDesc
	ch <- partitionCountDesc
	ch <- summarySizeDesc
	ch <- summarySamplingDesc
	ch <- keyCacheHitsDesc
	ch <- keyCacheMissesDesc
	ch <- keyCacheEntriesDesc
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	readers := make([]*Reader, 0, len(c.readers))
	for r := range c.readers {
		readers = append(readers, r)
	}
	c.mu.Unlock()

	for _, r := range readers {
		d := r.Descriptor()
		labels := []string{d.Keyspace, d.Table, strconv.FormatUint(d.Generation, 10)}
		tracker := r.FilterTracker()
		ch <- prometheus.MustNewConstMetric(
			bloomTruePositivesDesc, prometheus.CounterValue, float64(tracker.TruePositives()), labels...)
		ch <- prometheus.MustNewConstMetric(
			bloomFalsePositivesDesc, prometheus.CounterValue, float64(tracker.FalsePositives()), labels...)
		if stats := r.Stats(); stats != nil {
			ch <- prometheus.MustNewConstMetric(
				partitionCountDesc, prometheus.GaugeValue, float64(stats.PartitionCount), labels...)
		}
		summary := r.Summary()
		ch <- prometheus.MustNewConstMetric(
			summarySizeDesc, prometheus.GaugeValue, float64(summary.Size()), labels...)
		ch <- prometheus.MustNewConstMetric(
			summarySamplingDesc, prometheus.GaugeValue, float64(summary.SamplingLevel()), labels...)
	}

	if c.cache != nil {
		ch <- prometheus.MustNewConstMetric(
			keyCacheHitsDesc, prometheus.CounterValue, float64(c.cache.Hits()))
		ch <- prometheus.MustNewConstMetric(
			keyCacheMissesDesc, prometheus.CounterValue, float64(c.cache.Misses()))
		ch <- prometheus.MustNewConstMetric(
			keyCacheEntriesDesc, prometheus.GaugeValue, float64(c.cache.Len()))
	}
}
