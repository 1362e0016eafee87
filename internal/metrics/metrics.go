// Package metrics exports pipeline statistics to Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dgnsrekt/livefeed/internal/connection"
	"github.com/dgnsrekt/livefeed/internal/pipeline"
)

const namespace = "livefeed"

// Source provides the statistics a Collector exports.
type Source interface {
	Snapshot() pipeline.Snapshot
}

var states = []connection.State{
	connection.StateIdle,
	connection.StateConnecting,
	connection.StateOpen,
	connection.StateClosing,
	connection.StateClosed,
	connection.StateFailed,
}

type metric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(pipeline.Snapshot) float64
}

func newMetric(subsystem, name, help string, vt prometheus.ValueType, value func(pipeline.Snapshot) float64) metric {
	return metric{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		valueType: vt,
		value:     value,
	}
}

func counter(subsystem, name, help string, value func(pipeline.Snapshot) uint64) metric {
	return newMetric(subsystem, name, help, prometheus.CounterValue, func(s pipeline.Snapshot) float64 {
		return float64(value(s))
	})
}

func gauge(subsystem, name, help string, value func(pipeline.Snapshot) float64) metric {
	return newMetric(subsystem, name, help, prometheus.GaugeValue, value)
}

// Collector reads a Source snapshot on every scrape.
type Collector struct {
	source  Source
	metrics []metric
	state   *prometheus.Desc
}

// NewCollector creates a Collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "state"),
			"Current connection state (1 for the active state).",
			[]string{"state"}, nil,
		),
		metrics: []metric{
			counter("connection", "connects_total", "Successful connection opens.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.Connects }),
			counter("connection", "reconnects_total", "Scheduled reconnect attempts.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.Reconnects }),
			counter("connection", "events_total", "Application events received.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.Events }),
			counter("connection", "malformed_frames_total", "Inbound frames dropped as malformed.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.Malformed }),
			counter("connection", "liveness_failures_total", "Connections closed for a missed pong.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.LivenessFailures }),
			counter("connection", "resumes_total", "Resume requests sent.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.Resumes }),
			counter("connection", "rate_limited_total", "Sends rejected by the rate limiter.",
				func(s pipeline.Snapshot) uint64 { return s.Connection.RateLimited }),
			gauge("connection", "last_seq", "Highest sequence observed in the current run.",
				func(s pipeline.Snapshot) float64 { return float64(s.Connection.LastSeq) }),
			gauge("connection", "attempt", "Current reconnect attempt.",
				func(s pipeline.Snapshot) float64 { return float64(s.Connection.Attempt) }),

			counter("throttle", "processed_total", "Events seen by the throttle stage.",
				func(s pipeline.Snapshot) uint64 { return s.Throttle.Processed }),
			counter("throttle", "emitted_total", "Events emitted immediately.",
				func(s pipeline.Snapshot) uint64 { return s.Throttle.Emitted }),
			counter("throttle", "aggregated_total", "Events held for the periodic flush.",
				func(s pipeline.Snapshot) uint64 { return s.Throttle.Aggregated }),
			counter("throttle", "duplicates_total", "Events dropped as duplicates.",
				func(s pipeline.Snapshot) uint64 { return s.Throttle.Duplicates }),
			counter("throttle", "flushed_total", "Aggregated events released by a flush.",
				func(s pipeline.Snapshot) uint64 { return s.Throttle.Flushed }),
			gauge("throttle", "pending", "Keys holding an aggregated event.",
				func(s pipeline.Snapshot) float64 { return float64(s.Throttle.Pending) }),
			gauge("throttle", "dedup_records", "Identities in the dedup window.",
				func(s pipeline.Snapshot) float64 { return float64(s.Throttle.DedupRecords) }),

			counter("batch", "batches_total", "Batches applied.",
				func(s pipeline.Snapshot) uint64 { return s.Batch.Batches }),
			counter("batch", "forced_total", "Batches flushed before their tick.",
				func(s pipeline.Snapshot) uint64 { return s.Batch.Forced }),
			counter("batch", "updates_applied_total", "Updates handed to apply.",
				func(s pipeline.Snapshot) uint64 { return s.Batch.Applied }),
			counter("batch", "updates_deduplicated_total", "Updates replaced in place.",
				func(s pipeline.Snapshot) uint64 { return s.Batch.Deduplicated }),
			counter("batch", "apply_failures_total", "Apply calls that failed or panicked.",
				func(s pipeline.Snapshot) uint64 { return s.Batch.Failures }),
			gauge("batch", "pending", "Updates waiting for the next tick.",
				func(s pipeline.Snapshot) float64 { return float64(s.Batch.Pending) }),

			gauge("window", "items", "Items in the history list.",
				func(s pipeline.Snapshot) float64 { return float64(s.Window.Items) }),
			gauge("window", "materialized", "Items currently materialized.",
				func(s pipeline.Snapshot) float64 { return float64(s.Window.End - s.Window.Start) }),
			counter("window", "renders_total", "Range renders.",
				func(s pipeline.Snapshot) uint64 { return s.Window.Renders }),

			counter("pipeline", "delivered_total", "Events delivered to the mapper.",
				func(s pipeline.Snapshot) uint64 { return s.Delivered }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	for _, st := range states {
		v := 0.0
		if st.String() == snap.Connection.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(snap))
	}
}

// NewRegistry returns a registry holding a Collector for source plus the Go
// runtime and process collectors.
func NewRegistry(source Source) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return reg, nil
}
