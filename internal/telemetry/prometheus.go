// Package telemetry exports scheduler, worker pool and HTTP measurements to
// Prometheus and, optionally, CloudWatch.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventpulse/internal/types"
)

const promNamespace = "eventpulse"

// Prometheus owns a private registry holding every EventPulse collector.
// It satisfies types.RunObserver, types.PoolObserver and
// core.MetricsCollector.
type Prometheus struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	poolSize     prometheus.Gauge
	busyWorkers  prometheus.Gauge
	queueDepth   prometheus.Gauge
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var (
	_ types.RunObserver  = (*Prometheus)(nil)
	_ types.PoolObserver = (*Prometheus)(nil)
)

// NewPrometheus registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "job_runs_total",
			Help:      "Finished scheduled runs by job type and terminal state.",
		}, []string{"job_type", "state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "job_run_duration_seconds",
			Help:      "Wall time of scheduled runs, lock acquisition included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job_type", "state"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "worker_pool_size",
			Help:      "Workers currently alive in the pool.",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "worker_pool_busy",
			Help:      "Workers currently executing a task.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "worker_pool_queue_depth",
			Help:      "Tasks waiting for a free worker.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "worker_tasks_total",
			Help:      "Tasks executed by the worker pool.",
		}, []string{"job_type", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "worker_task_duration_seconds",
			Help:      "Aggregation query time per task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	p.registry.MustRegister(
		p.runsTotal, p.runDuration,
		p.poolSize, p.busyWorkers, p.queueDepth, p.tasksTotal, p.taskDuration,
		p.httpRequests, p.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) ObserveRun(jobType string, state types.RunState, d time.Duration) {
	p.runsTotal.WithLabelValues(jobType, string(state)).Inc()
	p.runDuration.WithLabelValues(jobType, string(state)).Observe(d.Seconds())
}

func (p *Prometheus) SetPoolSize(size int) { p.poolSize.Set(float64(size)) }
func (p *Prometheus) SetBusyWorkers(n int) { p.busyWorkers.Set(float64(n)) }
func (p *Prometheus) SetQueueDepth(n int) { p.queueDepth.Set(float64(n)) }

func (p *Prometheus) ObserveTask(jobType string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.tasksTotal.WithLabelValues(jobType, result).Inc()
	p.taskDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordRequest implements core.MetricsCollector.
func (p *Prometheus) RecordRequest(method, endpoint, status string, d time.Duration) {
	p.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	p.httpDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
