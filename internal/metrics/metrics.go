// Package metrics exposes the queue's operational counters and gauges
// in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for the batch queue. Each
// Collector owns its registry so tests can build as many as they need.
type Collector struct {
	registry *prometheus.Registry

	batchesEnqueued prometheus.Counter
	batchesRejected prometheus.Counter
	batchesDone     prometheus.Counter
	batchesFailed   prometheus.Counter

	batchDuration prometheus.Histogram

	queueDepth  prometheus.Gauge
	activeSlots prometheus.Gauge
	wsClients   prometheus.Gauge
}

// NewCollector creates and registers all instruments.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		batchesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_batches_enqueued_total",
			Help: "Total number of batches accepted into the queue",
		}),
		batchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_batches_rejected_total",
			Help: "Total number of enqueue attempts rejected for capacity",
		}),
		batchesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_batches_processed_total",
			Help: "Total number of batches completed successfully",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_batches_failed_total",
			Help: "Total number of batches that failed or timed out",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docflow_batch_duration_seconds",
			Help:    "Wall-clock duration of batch execution",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_queue_depth",
			Help: "Current number of parked batches",
		}),
		activeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_active_batches",
			Help: "Current number of batches holding an execution slot",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_ws_clients",
			Help: "Current number of connected WebSocket clients",
		}),
	}

	c.registry.MustRegister(
		c.batchesEnqueued,
		c.batchesRejected,
		c.batchesDone,
		c.batchesFailed,
		c.batchDuration,
		c.queueDepth,
		c.activeSlots,
		c.wsClients,
	)

	return c
}

func (c *Collector) RecordEnqueue()  { c.batchesEnqueued.Inc() }
func (c *Collector) RecordRejected() { c.batchesRejected.Inc() }

func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.batchesDone.Inc()
	c.batchDuration.Observe(durationSeconds)
}

func (c *Collector) RecordFailed(durationSeconds float64) {
	c.batchesFailed.Inc()
	c.batchDuration.Observe(durationSeconds)
}

// UpdateQueueStats sets the instantaneous queue gauges.
func (c *Collector) UpdateQueueStats(queued, active int) {
	c.queueDepth.Set(float64(queued))
	c.activeSlots.Set(float64(active))
}

// SetWSClients sets the connected client gauge.
func (c *Collector) SetWSClients(n int) {
	c.wsClients.Set(float64(n))
}

// Handler serves this collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
