// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskmgr

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// jobMetric tracks counts and latencies of compaction job runs, labeled by
// disk, grounded on the teacher's server.OpMetric (a Counter+Summary+Gauge
// bundle for tracking a unit of work) narrowed to exactly what the
// compaction executor needs: timing a run and reporting a human-readable
// summary for the status page. The generic result-label vocabulary
// (too_busy/failed), the batch Strings() helper, and the core.Error-typed
// convenience wrapper from the teacher's version have no compaction-job
// equivalent and are dropped rather than carried over unused.
type jobMetric struct {
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// newJobMetric registers a counter/latency-summary/pending-gauge trio
// under 'name', labeled by 'labels'.
func newJobMetric(name string, labels ...string) *jobMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &jobMetric{
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// jobTiming measures one in-flight job, from Start to End.
type jobTiming struct {
	start  int64
	m      *jobMetric
	values []string
}

// Start marks a job as begun: increments the pending gauge and the "all"
// result counter, and begins measuring latency.
func (m *jobMetric) Start(values ...string) *jobTiming {
	m.counters.WithLabelValues(append([]string{"all"}, values...)...).Inc()
	m.pending.WithLabelValues(values...).Inc()
	return &jobTiming{start: time.Now().UnixNano(), m: m, values: values}
}

// End records the elapsed time since Start and decrements the pending
// gauge.
func (t *jobTiming) End() {
	d := time.Duration(time.Now().UnixNano() - t.start)
	t.m.latencies.WithLabelValues(t.values...).Observe(d.Seconds())
	t.m.pending.WithLabelValues(t.values...).Dec()
}

// count reads back how many times Start has recorded 'result', unwrapping
// the counter's internal client_model representation the same way the
// teacher's status page averages a Summary's sample sum/count.
func (m *jobMetric) count(result string, values ...string) uint64 {
	var value dto.Metric
	if m.counters.WithLabelValues(append([]string{result}, values...)...).Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String returns a human-readable latency/count summary for the status
// page.
func (m *jobMetric) String(values ...string) string {
	var value dto.Metric
	if m.latencies.WithLabelValues(values...).(prometheus.Metric).Write(&value) != nil || value.Summary == nil {
		return fmt.Sprintf("%d runs", m.count("all", values...))
	}
	out := fmt.Sprintf("%d runs, total latency %.3fs", *value.Summary.SampleCount, *value.Summary.SampleSum)
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(", %gth=%.3fs", *q.Quantile*100, *q.Value)
	}
	return out
}

var (
	// compactionMetric tracks counts and latencies of compaction job runs,
	// labeled by disk, the same way the teacher's tractserver_disk OpMetric
	// tracks per-disk I/O ops.
	compactionMetric = newJobMetric("diskmgr_compaction", "disk")

	diskAvailBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "diskmgr",
		Name:      "avail_bytes",
		Help:      "available bytes per disk",
	}, []string{"disk"})

	diskRawBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "diskmgr",
		Name:      "raw_bytes",
		Help:      "raw bytes per disk",
	}, []string{"disk"})

	diskReplicaCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "diskmgr",
		Name:      "replica_count",
		Help:      "number of replicas resident on each disk",
	}, []string{"disk"})

	diskStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "diskmgr",
		Name:      "start_failures",
		Help:      "number of individual stores that failed to start",
	}, []string{"disk"})
)
