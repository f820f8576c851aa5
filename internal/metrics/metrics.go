// Package metrics exposes pipeline counters in Prometheus format.
//
// Every Record/Set method is safe on a nil *Collector, so components can run
// without metrics (tests, one-off commands).
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Correction outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeWorkloadFailure = "workload_failure"
	OutcomeError           = "error"
)

// Collector holds the pipeline metrics.
type Collector struct {
	containersStarted prometheus.Counter
	corrections       *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	enqueued          *prometheus.CounterVec
	inFlight          prometheus.Gauge
	duration          prometheus.Histogram
	queueJobs         *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		containersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "correctomatic_containers_started_total",
			Help: "Correction containers launched by the starter.",
		}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correctomatic_corrections_completed_total",
			Help: "Corrections completed, by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correctomatic_notifications_total",
			Help: "Callback deliveries, by result.",
		}, []string{"result"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correctomatic_jobs_enqueued_total",
			Help: "Jobs added to each queue.",
		}, []string{"queue"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "correctomatic_inflight_containers",
			Help: "Containers awaiting completion detection.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "correctomatic_correction_duration_seconds",
			Help:    "Time from running record lease to completion.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "correctomatic_queue_jobs",
			Help: "Jobs per queue and state.",
		}, []string{"queue", "state"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.containersStarted,
		c.corrections,
		c.notifications,
		c.enqueued,
		c.inFlight,
		c.duration,
		c.queueJobs,
	)
	return c
}

// RecordContainerStarted counts a launched container.
func (c *Collector) RecordContainerStarted() {
	if c == nil {
		return
	}
	c.containersStarted.Inc()
}

// RecordCorrection counts a completed correction and observes its duration.
func (c *Collector) RecordCorrection(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.corrections.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.duration.Observe(d.Seconds())
	}
}

// RecordNotification counts a callback attempt.
func (c *Collector) RecordNotification(delivered bool) {
	if c == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	c.notifications.WithLabelValues(result).Inc()
}

// RecordEnqueued counts a job added to queue.
func (c *Collector) RecordEnqueued(queue string) {
	if c == nil {
		return
	}
	c.enqueued.WithLabelValues(queue).Inc()
}

// SetInFlight sets the number of registered in-flight containers.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// SetQueueCounts publishes a queue snapshot.
func (c *Collector) SetQueueCounts(queue string, counts domain.QueueCounts) {
	if c == nil {
		return
	}
	c.queueJobs.WithLabelValues(queue, "waiting").Set(float64(counts.Waiting))
	c.queueJobs.WithLabelValues(queue, "active").Set(float64(counts.Active))
	c.queueJobs.WithLabelValues(queue, "delayed").Set(float64(counts.Delayed))
	c.queueJobs.WithLabelValues(queue, "failed").Set(float64(counts.Failed))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("Metrics server starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server failed", "error", err)
	}
}

// SampleQueues periodically publishes the counts of the given queues until ctx is done.
func (c *Collector) SampleQueues(ctx context.Context, interval time.Duration, queues map[string]domain.LeaseQueue) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for name, q := range queues {
			counts, err := q.Counts(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Failed to sample queue", "queue", name, "error", err)
				continue
			}
			c.SetQueueCounts(name, counts)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
