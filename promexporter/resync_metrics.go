package promexporter

import (
	"github.com/pior/memtap"
	"github.com/prometheus/client_golang/prometheus"
)

// ResyncSource is the part of *memtap.Resyncer read at scrape time.
type ResyncSource interface {
	Stats() memtap.ResyncStats
}

// ResyncCollector exposes the progress of a resync.
type ResyncCollector struct {
	source ResyncSource

	keys      *prometheus.Desc
	bytes     *prometheus.Desc
	discarded *prometheus.Desc
	buckets   *prometheus.Desc
	taps      *prometheus.Desc
}

func NewResyncCollector(source ResyncSource) *ResyncCollector {
	return &ResyncCollector{
		source:    source,
		keys:      prometheus.NewDesc("memtap_resync_keys_total", "Mutations applied to the local server", nil, nil),
		bytes:     prometheus.NewDesc("memtap_resync_bytes_total", "Wire size of the applied mutations", nil, nil),
		discarded: prometheus.NewDesc("memtap_resync_discarded_total", "Mutations skipped for vbucket or key prefix", nil, nil),
		buckets:   prometheus.NewDesc("memtap_resync_vbuckets_total", "Vbuckets streamed completely", nil, nil),

		taps: prometheus.NewDesc(
			"memtap_resync_taps_total",
			"Tap streams by outcome",
			[]string{"status"}, // started, failed
			nil,
		),
	}
}

func (c *ResyncCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keys
	ch <- c.bytes
	ch <- c.discarded
	ch <- c.buckets
	ch <- c.taps
}

func (c *ResyncCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.CounterValue, float64(stats.Keys))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(stats.Bytes))
	ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(stats.Discarded))
	ch <- prometheus.MustNewConstMetric(c.buckets, prometheus.CounterValue, float64(stats.Buckets))
	ch <- prometheus.MustNewConstMetric(c.taps, prometheus.CounterValue, float64(stats.Taps), "started")
	ch <- prometheus.MustNewConstMetric(c.taps, prometheus.CounterValue, float64(stats.FailedTaps), "failed")
}
