// Package recovery implements the startup scan: on boot, any task left in
// running status by a prior crash is checked against its worker and either
// handed back to the queue for retry or failed, exactly as the heartbeat
// monitor would during steady-state operation.
package recovery

import (
	"context"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/metrics"
	"github.com/campipeline/cam/pkg/statuswriter"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
)

const pageSize = 500

// Result summarizes one recovery pass.
type Result struct {
	Scanned           int
	RecoveredToQueued int
	MarkedFailed      int
}

// Recovery performs the startup orphan scan.
type Recovery struct {
	Store   storage.Store
	Status  *statuswriter.Writer
	Emitter events.Broadcaster
}

// New constructs a Recovery.
func New(store storage.Store, status *statuswriter.Writer, emitter events.Broadcaster) *Recovery {
	return &Recovery{Store: store, Status: status, Emitter: emitter}
}

// Run paginates through every source=scheduler,status=running task and
// reconciles it against current worker state.
func (r *Recovery) Run(ctx context.Context) (Result, error) {
	logger := log.WithComponent("recovery")
	var result Result

	afterID := ""
	for {
		tasks, err := r.Store.ListRunningTasksPage(ctx, afterID, pageSize)
		if err != nil {
			return result, err
		}
		if len(tasks) == 0 {
			break
		}

		for _, t := range tasks {
			result.Scanned++
			r.recoverOne(ctx, t, &result)
		}

		afterID = tasks[len(tasks)-1].ID
		if len(tasks) < pageSize {
			break
		}
	}

	logger.Info().
		Int("scanned", result.Scanned).
		Int("recovered_to_queued", result.RecoveredToQueued).
		Int("marked_failed", result.MarkedFailed).
		Msg("startup recovery complete")
	return result, nil
}

func (r *Recovery) recoverOne(ctx context.Context, t *types.Task, result *Result) {
	logger := log.WithTaskID(t.ID)

	if r.workerAlive(ctx, t.AssignedWorkerID) {
		return
	}

	if t.RetryCount >= t.MaxRetries {
		retryCount := t.RetryCount
		summary := "worker unavailable at startup and retry budget is exhausted"
		ok, err := r.Status.UpdateTaskStatus(ctx, t.ID, types.TaskRunning, types.TaskFailed, statuswriter.Extra{
			RetryCount: &retryCount,
			Summary:    &summary,
		})
		if err != nil {
			logger.Error().Err(err).Msg("mark orphaned task failed")
			return
		}
		if ok {
			result.MarkedFailed++
			metrics.TasksFailedTotal.Inc()
			r.Emitter.Broadcast("task.recovery_failed_after_restart", map[string]any{
				"previousStatus": string(types.TaskRunning),
				"retryCount":     retryCount,
				"maxRetries":     t.MaxRetries,
				"reason":         "worker unavailable at startup and retry budget is exhausted",
			})
		}
		return
	}

	retryCount := t.RetryCount + 1
	ok, err := r.Status.UpdateTaskStatus(ctx, t.ID, types.TaskRunning, types.TaskQueued, statuswriter.Extra{
		RetryCount:  &retryCount,
		ClearWorker: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("requeue orphaned task")
		return
	}
	if ok {
		result.RecoveredToQueued++
		metrics.RecoveredTasksTotal.Inc()
		r.Emitter.Broadcast("task.recovered_after_restart", map[string]any{
			"previousStatus": string(types.TaskRunning),
			"retryCount":     retryCount,
			"maxRetries":     t.MaxRetries,
			"reason":         "worker unavailable at startup",
		})
		logger.Info().Msg("orphaned running task recovered to queued")
	}
}

// workerAlive reports whether workerID names a worker row in a state that
// could still be making progress. GetWorker returning an error (not found,
// or otherwise) is treated as not alive rather than propagated: a task
// can't stay running forever just because its worker lookup failed.
func (r *Recovery) workerAlive(ctx context.Context, workerID string) bool {
	if workerID == "" {
		return false
	}
	w, err := r.Store.GetWorker(ctx, workerID)
	if err != nil || w == nil {
		return false
	}
	// Boot-time liveness is a coarse existence+status check; actual
	// heartbeat staleness is left to the first heartbeat monitor tick, which
	// reaps stale busy workers. CurrentTaskID is not compared.
	return w.Status == types.WorkerBusy
}
