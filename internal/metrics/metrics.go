// Package metrics collects Prometheus metrics for the job broker: job
// throughput and latency, claim outcomes, queue depth, worker population,
// and broadcaster connection counts.
//
// Metric Categories:
//
//   1. Job Counters - cumulative:
//      - broker_jobs_submitted_total
//      - broker_jobs_claimed_total
//      - broker_jobs_completed_total
//      - broker_jobs_failed_total{terminal="true|false"}
//      - broker_jobs_cancelled_total
//
//   2. Claim Performance (Histogram):
//      - broker_claim_latency_seconds: time from Claim() call to a job
//        being returned or ErrNoEligibleJob
//
//   3. Status Metrics (Gauge) - instantaneous:
//      - broker_queue_depth: current pending jobs
//      - broker_jobs_in_flight: current assigned+in_progress jobs
//      - broker_workers_active: workers currently in the active set
//      - broker_workers_busy: workers currently processing a job
//      - broker_broadcaster_connections{kind="monitor|client-emprops|worker"}
//
// Prometheus Query Examples:
//
//   # Jobs per minute
//   rate(broker_jobs_completed_total[1m])
//
//   # 95th percentile claim latency
//   histogram_quantile(0.95, broker_claim_latency_seconds_bucket)
//
//   # Failure rate
//   rate(broker_jobs_failed_total[5m]) / rate(broker_jobs_claimed_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Default port: 9090.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for a single broker process. It
// owns its own registry rather than registering against the global
// default, so multiple Collectors (e.g. one per test) never collide.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsClaimed   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobsCancelled prometheus.Counter

	claimLatency prometheus.Histogram

	queueDepth      prometheus.Gauge
	jobsInFlight    prometheus.Gauge
	workersActive   prometheus.Gauge
	workersBusy     prometheus.Gauge
	connectionCount *prometheus.GaugeVec
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_submitted_total",
		Help: "Total number of jobs submitted to the broker",
	})
	c.jobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_claimed_total",
		Help: "Total number of jobs claimed by a worker",
	})
	c.jobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	})
	c.jobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_jobs_failed_total",
		Help: "Total number of job failures, split by whether the failure was terminal",
	}, []string{"terminal"})
	c.jobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_cancelled_total",
		Help: "Total number of jobs cancelled",
	})

	c.claimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_claim_latency_seconds",
		Help:    "Latency of Broker.Claim calls, in seconds",
		Buckets: prometheus.DefBuckets,
	})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_queue_depth",
		Help: "Current number of pending jobs",
	})
	c.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_jobs_in_flight",
		Help: "Current number of assigned or in-progress jobs",
	})
	c.workersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_workers_active",
		Help: "Current number of workers in the active set",
	})
	c.workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_workers_busy",
		Help: "Current number of workers processing a job",
	})
	c.connectionCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_broadcaster_connections",
		Help: "Current number of open broadcaster WebSocket connections",
	}, []string{"kind"})

	c.registry.MustRegister(
		c.jobsSubmitted, c.jobsClaimed, c.jobsCompleted, c.jobsFailed, c.jobsCancelled,
		c.claimLatency,
		c.queueDepth, c.jobsInFlight, c.workersActive, c.workersBusy, c.connectionCount,
	)
	return c
}

// RecordSubmit records a job submission.
func (c *Collector) RecordSubmit() { c.jobsSubmitted.Inc() }

// RecordClaim records a successful claim and its latency.
func (c *Collector) RecordClaim(latency time.Duration) {
	c.jobsClaimed.Inc()
	c.claimLatency.Observe(latency.Seconds())
}

// RecordClaimAttempt records the latency of a Claim call regardless of
// outcome, so ErrNoEligibleJob still shows up in the latency histogram.
func (c *Collector) RecordClaimAttempt(latency time.Duration) {
	c.claimLatency.Observe(latency.Seconds())
}

// RecordCompleted records a job completion.
func (c *Collector) RecordCompleted() { c.jobsCompleted.Inc() }

// RecordFailed records a job failure. terminal is true when the job
// exhausted its retries and moved to jobs:failed rather than being
// requeued.
func (c *Collector) RecordFailed(terminal bool) {
	c.jobsFailed.WithLabelValues(strconv.FormatBool(terminal)).Inc()
}

// RecordCancelled records a job cancellation.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// SetQueueDepth sets the current pending-queue gauge.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// SetJobsInFlight sets the current in-flight gauge.
func (c *Collector) SetJobsInFlight(n int) { c.jobsInFlight.Set(float64(n)) }

// SetWorkerCounts sets the active and busy worker gauges.
func (c *Collector) SetWorkerCounts(active, busy int) {
	c.workersActive.Set(float64(active))
	c.workersBusy.Set(float64(busy))
}

// SetConnectionCount sets the broadcaster connection gauge for one
// connection kind ("monitor", "client-emprops", or "worker").
func (c *Collector) SetConnectionCount(kind string, n int) {
	c.connectionCount.WithLabelValues(kind).Set(float64(n))
}

// Handler returns the http.Handler that serves this collector's metrics
// in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer runs a dedicated metrics HTTP server on addr until ctx is
// cancelled.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
