// Package heartbeat implements the stale-worker detection pass: workers
// that stop heartbeating are marked offline, and the tasks they were
// running are either re-queued for retry or failed outright once the
// retry budget is exhausted.
package heartbeat

import (
	"context"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/metrics"
	"github.com/campipeline/cam/pkg/statuswriter"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
)

// Monitor reaps stale workers and recovers their in-flight tasks.
type Monitor struct {
	Store          storage.Store
	Status         *statuswriter.Writer
	Emitter        events.Broadcaster
	StaleTimeout   time.Duration
}

// New constructs a Monitor.
func New(store storage.Store, status *statuswriter.Writer, emitter events.Broadcaster, staleTimeout time.Duration) *Monitor {
	return &Monitor{Store: store, Status: status, Emitter: emitter, StaleTimeout: staleTimeout}
}

// Check scans for busy workers whose heartbeat is older than StaleTimeout,
// marks each offline, and applies the retry/fail policy to its in-flight
// tasks.
func (m *Monitor) Check(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatCheckDuration)

	staleBefore := time.Now().Add(-m.StaleTimeout)

	stale, err := m.Store.ListStaleBusyWorkers(ctx, staleBefore)
	if err != nil {
		return err
	}

	for _, w := range stale {
		m.reapWorker(ctx, w, staleBefore)
	}
	return nil
}

func (m *Monitor) reapWorker(ctx context.Context, w *types.Worker, staleBefore time.Time) {
	logger := log.WithWorkerID(w.ID)

	ok, err := m.Store.CASWorkerOffline(ctx, w.ID, staleBefore)
	if err != nil {
		logger.Error().Err(err).Msg("mark worker offline")
		return
	}
	if !ok {
		// A heartbeat arrived between our list and CAS; the worker is alive.
		return
	}

	metrics.WorkersReapedTotal.Inc()
	m.Emitter.Broadcast("worker.offline", map[string]any{"workerId": w.ID})
	logger.Warn().Msg("worker reaped after missed heartbeats")

	tasks, err := m.Store.ListRunningTasksByWorker(ctx, w.ID)
	if err != nil {
		logger.Error().Err(err).Msg("list running tasks for reaped worker")
		return
	}
	for _, t := range tasks {
		m.recoverTask(ctx, t)
	}
}

// recoverTask applies the stale-task policy shared with startup recovery:
// retry via re-queue while under the retry budget, otherwise fail.
func (m *Monitor) recoverTask(ctx context.Context, t *types.Task) {
	logger := log.WithTaskID(t.ID)

	if t.RetryCount >= t.MaxRetries {
		retryCount := t.RetryCount
		summary := "worker went offline and retry budget is exhausted"
		m.Status.UpdateTaskStatus(ctx, t.ID, types.TaskRunning, types.TaskFailed, statuswriter.Extra{
			RetryCount: &retryCount,
			Summary:    &summary,
		})
		metrics.TasksFailedTotal.Inc()
		m.Emitter.Broadcast("alert.triggered", map[string]any{
			"message":  "task failed after retry budget exhausted following worker loss",
			"severity": "critical",
		})
		logger.Warn().Msg("task failed after retry budget exhausted")
		return
	}

	retryCount := t.RetryCount + 1
	ok, err := m.Status.UpdateTaskStatus(ctx, t.ID, types.TaskRunning, types.TaskQueued, statuswriter.Extra{
		RetryCount:  &retryCount,
		ClearWorker: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("requeue orphaned task")
		return
	}
	if ok {
		m.Emitter.Broadcast("task.recovered_after_restart", map[string]any{
			"previousStatus": string(types.TaskRunning),
			"retryCount":     retryCount,
			"maxRetries":     t.MaxRetries,
			"reason":         "worker went offline",
		})
		logger.Info().Int("retry_count", retryCount).Msg("task re-queued after worker loss")
	}
}
