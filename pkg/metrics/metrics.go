// Package metrics declares the Prometheus collectors the control plane
// exposes and a Collector that periodically samples store state into gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cam_tasks_by_status",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cam_workers_by_status",
			Help: "Current number of workers by status and mode",
		},
		[]string{"status", "mode"},
	)

	SchedulingTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cam_scheduling_tick_duration_seconds",
			Help:    "Time taken for one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_scheduling_ticks_total",
			Help: "Total number of scheduler ticks run",
		},
	)

	HeartbeatCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cam_heartbeat_check_duration_seconds",
			Help:    "Time taken for one heartbeat monitor pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_tasks_scheduled_total",
			Help: "Total number of tasks successfully launched onto a worker",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_tasks_failed_total",
			Help: "Total number of tasks that reached the failed terminal status",
		},
	)

	WorkersReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_workers_reaped_total",
			Help: "Total number of workers marked offline for missed heartbeats",
		},
	)

	RecoveredTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cam_recovered_tasks_total",
			Help: "Total number of orphaned running tasks recovered at startup",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(WorkersByStatus)
	prometheus.MustRegister(SchedulingTickDuration)
	prometheus.MustRegister(SchedulingTicksTotal)
	prometheus.MustRegister(HeartbeatCheckDuration)
	prometheus.MustRegister(TasksScheduledTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(WorkersReapedTotal)
	prometheus.MustRegister(RecoveredTasksTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records it to a histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
